package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `companiond - companion device host for trusted device unlock

Usage:
  companiond <command> [options]

Commands:
  start         Start the companion host daemon
  pair          Generate a pairing code for a phone
  devices list  List paired devices
  devices revoke <device-id>  Revoke a device token and unpair it
  trusted list  List trusted devices enrolled for the active user
  trusted remove <device-id>  Remove a trusted device enrollment

Run 'companiond <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: companiond devices <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "revoke":
			return runDevicesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "trusted":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: companiond trusted <list|remove>")
			return 1
		}
		switch args[2] {
		case "list":
			return runTrustedList(args[3:], stdout, stderr)
		case "remove":
			return runTrustedRemove(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown trusted command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "companiond %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
