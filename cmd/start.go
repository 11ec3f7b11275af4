package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/auth"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/config"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/mdns"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/server"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/storage"
	hostTLS "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/tls"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/trust"
)

// StartConfig holds the configuration for the start command.
type StartConfig struct {
	Addr        string
	TLSCert     string
	TLSKey      string
	NoTLS       bool
	Database    string
	LogLevel    string
	ActiveUser  int
	Config      string
	RequireAuth bool
	MdnsEnabled bool
	Pair        bool
	QR          bool
}

// channelFunc adapts a closure to the trust manager's SecureChannel
// interface. It exists because the manager and the server reference each
// other: the manager is constructed first with a closure that reads the
// server variable assigned afterwards.
type channelFunc func(deviceID string, payload []byte) error

func (f channelFunc) SendMessage(deviceID string, payload []byte) error {
	return f(deviceID, payload)
}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &StartConfig{}

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.companiond/config.toml)")
	fs.StringVar(&cfg.Addr, "addr", "", "Listen address for the WebSocket server (default: 127.0.0.1:7171)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "Path to TLS certificate file (default: ~/.companiond/certs/host.crt)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "Path to TLS key file (default: ~/.companiond/certs/host.key)")
	fs.BoolVar(&cfg.NoTLS, "no-tls", false, "Disable TLS (insecure, for development only)")
	fs.StringVar(&cfg.Database, "database", "", "Path to device database (default: ~/.companiond/companiond.db)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.IntVar(&cfg.ActiveUser, "active-user", -1, "Driver profile id in the foreground (default: 0)")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", false, "Require authentication for companion connections")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Enable mDNS/Bonjour discovery (LAN-visible)")
	fs.BoolVar(&cfg.Pair, "pair", false, "Generate and display a pairing code during startup")
	fs.BoolVar(&cfg.QR, "qr", false, "Display pairing code as QR code (requires --pair)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: companiond start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Track which flags were explicitly set so config file booleans can be
	// overridden with --flag=false.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	// Load config file and merge with CLI flags.
	// CLI flags take precedence over file values.
	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.Addr == "" {
		cfg.Addr = fileCfg.Addr
	}
	if cfg.TLSCert == "" {
		cfg.TLSCert = fileCfg.TLSCert
	}
	if cfg.TLSKey == "" {
		cfg.TLSKey = fileCfg.TLSKey
	}
	if cfg.Database == "" {
		cfg.Database = fileCfg.Database
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if cfg.ActiveUser < 0 {
		if explicitFlags["active-user"] {
			fmt.Fprintf(stderr, "Error: --active-user must be >= 0\n")
			return 1
		}
		cfg.ActiveUser = fileCfg.ActiveUser
	}
	if !explicitFlags["require-auth"] {
		cfg.RequireAuth = fileCfg.RequireAuth
	}
	if !explicitFlags["mdns"] {
		cfg.MdnsEnabled = fileCfg.MdnsEnabled
	}
	if !explicitFlags["pair"] {
		cfg.Pair = fileCfg.Pair
	}
	if !explicitFlags["qr"] {
		cfg.QR = fileCfg.QR
	}

	// Displaying a QR code without generating a pairing code doesn't make
	// sense, so --qr implies --pair.
	if cfg.QR && !cfg.Pair {
		cfg.Pair = true
	}

	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultAddr
	}

	databasePath := cfg.Database
	if databasePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to get home directory: %v\n", err)
			return 1
		}
		databasePath = filepath.Join(homeDir, ".companiond", "companiond.db")

		if err := os.MkdirAll(filepath.Dir(databasePath), 0700); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create config directory: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "WebSocket server address: %s\n", addr)
	fmt.Fprintf(stdout, "Database: %s\n", databasePath)
	fmt.Fprintf(stdout, "Active user: %d\n", cfg.ActiveUser)

	// Open SQLite storage for paired devices and trust records.
	store, err := storage.NewSQLiteStore(databasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}

	// Create the trust manager. Its escrow channel is the WebSocket server
	// created below; the closure indirection breaks the construction cycle.
	var wsServer *server.Server

	activeUser := cfg.ActiveUser
	trustManager := trust.NewManager(trust.ManagerConfig{
		Store: store,
		Channel: channelFunc(func(deviceID string, payload []byte) error {
			return wsServer.SendMessage(deviceID, payload)
		}),
		ActiveUser: func() int { return activeUser },
		OnEnrollmentStarted: func(device trust.CompanionDevice) {
			wsServer.Broadcast(server.NewEnrollmentStartedMessage(
				device.DeviceID, device.Name, device.UserID))
		},
	})

	wsServer = server.NewServer(addr, trustManager)

	// Create the pairing manager for device authentication.
	// New pairings are recorded under the active driver profile and
	// announced to trust listeners so phones see the association.
	pairingManager := auth.NewPairingManager(auth.PairingConfig{
		DeviceStore: store,
		UserID:      activeUser,
		OnPaired: func(device *auth.Device) {
			trustManager.OnAssociatedDeviceAdded(trust.CompanionDevice{
				DeviceID: device.ID,
				Name:     device.Name,
				UserID:   device.UserID,
			})
		},
	})

	// Wire up authentication for companion connections.
	tokenValidator := auth.NewTokenValidator(store)
	wsServer.SetRequireAuth(cfg.RequireAuth)
	wsServer.SetTokenValidator(func(token string) (server.DeviceIdentity, error) {
		device, err := tokenValidator.ValidateToken(token)
		if err != nil {
			return server.DeviceIdentity{}, err
		}
		return server.DeviceIdentity{
			DeviceID: device.ID,
			Name:     device.Name,
			UserID:   device.UserID,
		}, nil
	})

	// Wire up pairing endpoints.
	wsServer.SetPairHandler(auth.NewPairHandler(pairingManager))
	wsServer.SetGenerateCodeHandler(auth.NewGenerateCodeHandler(pairingManager))

	// Initialize the admin token shared by the lock-screen agent and the
	// admin CLI endpoints. Only local processes that can read the token
	// file get access.
	adminTokenPath, err := auth.DefaultAdminTokenPath()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to get admin token path: %v\n", err)
		store.Close()
		return 1
	}
	adminTokenManager := auth.NewAdminTokenManager(adminTokenPath)
	if _, err := adminTokenManager.EnsureToken(); err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize admin token: %v\n", err)
		store.Close()
		return 1
	}
	fmt.Fprintf(stdout, "Admin token: %s\n", adminTokenManager.TokenPath())
	wsServer.SetAgentAuthorizer(adminTokenManager.ValidateToken)

	// Wire up the admin device endpoints.
	wsServer.SetDeviceDirectory(store)

	// Track device activity for last_seen updates.
	wsServer.SetDeviceActivityTracker(func(deviceID string) {
		if err := store.UpdateLastSeen(deviceID, time.Now()); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to update last_seen for device %s: %v\n", deviceID, err)
		}
	})

	// Start the trust worker before the server accepts connections.
	trustManager.Start()

	// Start the WebSocket server with or without TLS.
	// TLS is enabled by default; use --no-tls to disable (insecure).
	var wsErrCh <-chan error
	var certInfo *hostTLS.CertInfo

	if cfg.NoTLS {
		fmt.Fprintln(stdout, "WARNING: TLS disabled (--no-tls). Connections are NOT encrypted.")
		wsErrCh = wsServer.StartAsync()
	} else {
		// Ensure a certificate exists, generating a self-signed one if
		// needed. Include the configured listen host in the SANs.
		tlsHosts := []string{"localhost", "127.0.0.1", "0.0.0.0"}
		if listenHost, _, err := net.SplitHostPort(addr); err == nil && listenHost != "" {
			found := false
			for _, h := range tlsHosts {
				if h == listenHost {
					found = true
					break
				}
			}
			if !found {
				tlsHosts = append(tlsHosts, listenHost)
			}
		}

		certInfo, err = hostTLS.EnsureCertificate(hostTLS.CertConfig{
			CertPath: cfg.TLSCert,
			KeyPath:  cfg.TLSKey,
			Hosts:    tlsHosts,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to setup TLS certificate: %v\n", err)
			trustManager.Stop()
			store.Close()
			return 1
		}

		if certInfo.IsGenerated {
			fmt.Fprintln(stdout, "Generated new self-signed TLS certificate")
		} else {
			fmt.Fprintln(stdout, "Loaded existing TLS certificate")
		}
		fmt.Fprintf(stdout, "Certificate: %s\n", certInfo.CertPath)
		fmt.Fprintf(stdout, "Fingerprint (SHA-256):\n  %s\n", certInfo.Fingerprint)

		wsErrCh = wsServer.StartAsyncTLS(server.TLSConfig{
			CertPath: certInfo.CertPath,
			KeyPath:  certInfo.KeyPath,
		})
	}

	// Wait for server startup to complete.
	// This fails fast if the port is already in use or can't be bound.
	if err := <-wsErrCh; err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		trustManager.Stop()
		store.Close()
		return 1
	}

	if cfg.RequireAuth {
		fmt.Fprintln(stdout, "Authentication: ENABLED (use 'companiond pair' to pair phones)")
	} else {
		fmt.Fprintln(stdout, "Authentication: DISABLED (use --require-auth to enable)")
	}

	// Generate and display a pairing code if --pair is set, so users can
	// pair a phone without running 'companiond pair' separately.
	if cfg.Pair {
		_, portStr, _ := net.SplitHostPort(addr)
		if portStr == "" {
			portStr = "7171"
		}

		displayAddr := addr
		if ip := GetPreferredOutboundIP(); ip != "" {
			displayAddr = ip + ":" + portStr
		}

		code, err := pairingManager.GenerateCode()
		if err != nil {
			fmt.Fprintf(stderr, "Warning: failed to generate pairing code: %v\n", err)
		} else {
			expiry := pairingManager.GetCodeExpiry()

			fingerprint := ""
			if certInfo != nil {
				fingerprint = certInfo.Fingerprint
			}

			if cfg.QR {
				DisplayQRCode(stdout, code, expiry, displayAddr, fingerprint)
			} else {
				DisplayPairingCode(stdout, code, expiry, displayAddr)
			}
		}
	}

	// Start mDNS advertiser if enabled. Discovery only reveals presence;
	// pairing codes are still required for access.
	var mdnsAdvertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		_, portStr, _ := net.SplitHostPort(addr)
		port := 7171
		if portStr != "" {
			if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
				port = p
			}
		}

		fingerprint := ""
		if certInfo != nil {
			fingerprint = certInfo.Fingerprint
		}

		mdnsAdvertiser = mdns.NewAdvertiser(mdns.Config{
			Port:        port,
			Fingerprint: fingerprint,
		})
		if err := mdnsAdvertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
		}
	}

	if cfg.NoTLS {
		fmt.Fprintf(stdout, "Companion endpoint: ws://%s/ws\n", addr)
		fmt.Fprintf(stdout, "Agent endpoint:     ws://%s/agent\n", addr)
	} else {
		fmt.Fprintf(stdout, "Companion endpoint: wss://%s/ws\n", addr)
		fmt.Fprintf(stdout, "Agent endpoint:     wss://%s/agent\n", addr)
	}
	fmt.Fprintln(stdout, "Host running. Press Ctrl+C to stop.")

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	// Cleanup in reverse order of creation
	if mdnsAdvertiser != nil {
		mdnsAdvertiser.Stop()
	}
	wsServer.Stop()
	trustManager.Stop()
	store.Close()

	return 0
}
