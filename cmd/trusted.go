package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/config"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/storage"
	hostTLS "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/tls"
)

// TrustedConfig holds the configuration for trusted device commands.
type TrustedConfig struct {
	Database   string
	Addr       string
	ActiveUser int
}

// adminClient returns an HTTP client for talking to the running host's
// admin endpoints. Requests carry the admin token, so the transport must
// not accept arbitrary certificates: when the host certificate is on disk
// the client trusts only that certificate, the same pinning the pair flow
// uses. Without a local certificate (a --no-tls host) the client keeps
// standard verification and the http fallback reaches the host.
func adminClient() *http.Client {
	transport := &http.Transport{}
	if certPath, err := hostTLS.DefaultCertPath(); err == nil {
		if tlsConfig, _, err := loadHostCertificate(certPath); err == nil {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &http.Client{
		Timeout:   2 * time.Second,
		Transport: transport,
	}
}

func runTrustedList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trusted list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &TrustedConfig{}
	var port int
	fs.StringVar(&cfg.Database, "database", "", "Path to device database (default: ~/.companiond/companiond.db)")
	fs.StringVar(&cfg.Addr, "addr", "", "Host address to query (default: localhost, then LAN)")
	fs.IntVar(&port, "port", 7171, "Port to query when auto-selecting address")
	fs.IntVar(&cfg.ActiveUser, "active-user", -1, "Driver profile to list enrollments for (default: from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: companiond trusted list [options]\n\nList phones enrolled for trusted unlock.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if err := validatePort(port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Prefer the running host: its answer reflects the active user and any
	// in-flight enrollments.
	addrs := resolveAddrCandidates(cfg.Addr, port, explicitFlags["port"], stderr)
	if devices, ok := fetchTrustedFromHost(addrs, stderr); ok {
		printTrustedTable(stdout, devices)
		return 0
	}

	// Host not running - read the enrollment records directly.
	activeUser := cfg.ActiveUser
	if activeUser < 0 {
		fileCfg, err := config.Load("")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		activeUser = fileCfg.ActiveUser
	}

	databasePath := cfg.Database
	if databasePath == "" {
		var err error
		databasePath, err = getDefaultDatabasePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if _, err := os.Stat(databasePath); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No trusted devices found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(databasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	records, err := store.ListTrustedDevicesForUser(activeUser)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list trusted devices: %v\n", err)
		return 1
	}

	rows := make([]trustedRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, trustedRow{
			DeviceID:   record.DeviceID,
			UserID:     record.UserID,
			Handle:     strconv.FormatInt(record.Handle, 10),
			EnrolledAt: record.EnrolledAt.Format(time.RFC3339Nano),
		})
	}
	printTrustedTable(stdout, rows)
	return 0
}

func runTrustedRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trusted remove", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &TrustedConfig{}
	var port int
	fs.StringVar(&cfg.Addr, "addr", "", "Host address to notify (default: localhost, then LAN)")
	fs.IntVar(&port, "port", 7171, "Port to query when auto-selecting address")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: companiond trusted remove [options] <device-id>\n\nRemove a phone's trusted unlock enrollment.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nRemoval invalidates the escrow token in the lock screen keystore,\n")
		fmt.Fprintf(stderr, "so it requires a running host with its trust agent attached.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: device-id is required")
		fs.Usage()
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if err := validatePort(port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	deviceID := fs.Arg(0)

	adminToken, err := loadAdminToken()
	if err != nil {
		fmt.Fprintf(stderr, "Error: could not read admin token: %v\n", err)
		return 1
	}

	client := adminClient()
	schemes := []string{"https", "http"}
	addrs := resolveAddrCandidates(cfg.Addr, port, explicitFlags["port"], stderr)

	var lastStatus int
	var lastBody string
	for _, addr := range addrs {
		for _, scheme := range schemes {
			url := fmt.Sprintf("%s://%s/trusted/%s/remove", scheme, addr, deviceID)

			req, err := http.NewRequest(http.MethodPost, url, nil)
			if err != nil {
				continue
			}
			req.Header.Set("Authorization", "Bearer "+adminToken)

			resp, err := client.Do(req)
			if err != nil {
				continue
			}

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			if resp.StatusCode == http.StatusNoContent {
				fmt.Fprintf(stdout, "Removed trusted device: %s\n", deviceID)
				return 0
			}

			lastStatus = resp.StatusCode
			lastBody = string(body)
		}
	}

	if lastStatus != 0 {
		msg := decodeAdminError(lastBody)
		fmt.Fprintf(stderr, "Error: host refused removal (status %d): %s\n", lastStatus, msg)
		if lastStatus == http.StatusServiceUnavailable {
			fmt.Fprintln(stderr, "The trust agent is not attached. Removal needs the lock screen agent connected.")
		}
		return 1
	}

	fmt.Fprintln(stderr, "Error: could not reach a running host.")
	fmt.Fprintln(stderr, "Trusted device removal must invalidate the escrow token in the lock")
	fmt.Fprintln(stderr, "screen keystore, so it cannot be done offline. Start the host first.")
	return 1
}

// trustedRow is one line of the trusted device table. Handles are kept as
// decimal strings so values past 2^53 survive JSON transport.
type trustedRow struct {
	DeviceID   string `json:"device_id"`
	UserID     int    `json:"user_id"`
	Handle     string `json:"handle"`
	EnrolledAt string `json:"enrolled_at"`
}

// fetchTrustedFromHost queries GET /trusted on a running host.
// Returns (rows, true) on success, (nil, false) if no host answered.
func fetchTrustedFromHost(addrs []string, stderr io.Writer) ([]trustedRow, bool) {
	adminToken, err := loadAdminToken()
	if err != nil {
		fmt.Fprintf(stderr, "Warning: could not read admin token: %v\n", err)
		return nil, false
	}

	client := adminClient()
	schemes := []string{"https", "http"}

	for _, addr := range addrs {
		for _, scheme := range schemes {
			url := fmt.Sprintf("%s://%s/trusted", scheme, addr)

			req, err := http.NewRequest(http.MethodGet, url, nil)
			if err != nil {
				continue
			}
			req.Header.Set("Authorization", "Bearer "+adminToken)

			resp, err := client.Do(req)
			if err != nil {
				continue
			}

			if resp.StatusCode == http.StatusOK {
				var result struct {
					Devices []trustedRow `json:"devices"`
				}
				err := json.NewDecoder(resp.Body).Decode(&result)
				resp.Body.Close()
				if err == nil {
					return result.Devices, true
				}
				continue
			}
			resp.Body.Close()
		}
	}

	return nil, false
}

func printTrustedTable(stdout io.Writer, devices []trustedRow) {
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No trusted devices found.")
		return
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tUSER\tHANDLE\tENROLLED")
	fmt.Fprintln(w, "---------\t----\t------\t--------")

	now := time.Now()
	for _, device := range devices {
		enrolled := device.EnrolledAt
		if t, err := time.Parse(time.RFC3339Nano, device.EnrolledAt); err == nil {
			enrolled = formatDuration(now.Sub(t))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			device.DeviceID,
			device.UserID,
			device.Handle,
			enrolled,
		)
	}
	w.Flush()
}

// decodeAdminError extracts the message from an admin error body, falling
// back to the raw body when it isn't the expected JSON shape.
func decodeAdminError(body string) string {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if body == "" {
		return "no details"
	}
	return body
}
