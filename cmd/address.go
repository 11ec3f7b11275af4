// Package main provides CLI commands for the companion device host.
// This file centralizes address selection for local CLI commands.
package main

import (
	"fmt"
	"io"
	"net"
)

func resolveAddrCandidates(addr string, port int, explicitPort bool, stderr io.Writer) []string {
	if addr != "" {
		if explicitPort {
			fmt.Fprintf(stderr, "Warning: --addr overrides --port; using %s\n", addr)
		}
		return []string{addr}
	}

	return defaultAddrCandidates(port)
}

func defaultAddrCandidates(port int) []string {
	portStr := fmt.Sprintf("%d", port)
	addrs := []string{"127.0.0.1:" + portStr}
	if ip := GetPreferredOutboundIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	return addrs
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// GetPreferredOutboundIP returns the machine's preferred outbound IPv4
// address. It works by dialing a UDP connection to a public IP (no actual
// traffic sent) and checking which local address was selected by the OS
// routing table. Returns empty string if detection fails.
func GetPreferredOutboundIP() string {
	// Dial UDP to a public IP. No actual packets are sent for UDP;
	// this just lets us query which local interface the OS would use.
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
