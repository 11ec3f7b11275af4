// Package mdns provides optional mDNS/Bonjour advertisement of the head
// unit on the vehicle's local network.
//
// When enabled, the daemon registers a DNS-SD service so a companion phone
// app can find the head unit without the driver typing an IP address. The
// advertisement is opt-in; discovery only reveals presence, and a phone
// still needs a pairing code before the host will talk to it.
//
// TXT records carry the protocol version, the host certificate fingerprint
// (so the phone can pin before its first TLS handshake), and a display name.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for companion hosts, following
// the standard _<service>._<protocol> convention.
const ServiceType = "_companiond._tcp"

// ProtocolVersion identifies the advertisement format so phone apps can
// skip hosts they do not understand.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the server port to advertise (e.g., 7171).
	Port int

	// Fingerprint is the host certificate's SHA-256 fingerprint. Phones
	// that discover the host over mDNS pin this value the same way a
	// QR-scanned phone pins the fingerprint from the QR payload.
	Fingerprint string

	// Name is a display name for the vehicle. Defaults to the system
	// hostname if empty.
	Name string
}

// Advertiser manages the DNS-SD registration lifecycle.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// instanceName resolves the advertised instance name, falling back to the
// system hostname and then to a fixed default.
func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "companiond"
	}
	return hostname
}

// buildTXTRecords assembles the advertisement metadata. A SHA-256
// fingerprint is 95 chars (32 hex pairs plus colons), well under the
// 255-byte limit of a TXT string.
func buildTXTRecords(name, fingerprint string) []string {
	records := []string{
		fmt.Sprintf("version=%s", ProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}
	if fingerprint != "" {
		records = append(records, fmt.Sprintf("fp=%s", fingerprint))
	}
	return records
}

// Start registers the service on the ".local" domain. Safe to call more
// than once; subsequent calls are no-ops while running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		buildTXTRecords(name, a.config.Fingerprint),
		nil, // all network interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a head unit found via mDNS discovery.
type DiscoveredHost struct {
	// Name is the display name of the vehicle.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the server port.
	Port int

	// Fingerprint is the host certificate fingerprint, if advertised.
	Fingerprint string

	// Version is the advertisement protocol version.
	Version string
}

// parseServiceEntry converts a zeroconf result into a DiscoveredHost,
// preferring the IPv4 address and overlaying TXT metadata.
func parseServiceEntry(entry *zeroconf.ServiceEntry) DiscoveredHost {
	host := DiscoveredHost{
		Name: entry.Instance,
		Port: entry.Port,
	}

	if len(entry.AddrIPv4) > 0 {
		host.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host.Host = entry.AddrIPv6[0].String()
	}

	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "fp="):
			host.Fingerprint = txt[len("fp="):]
		case strings.HasPrefix(txt, "version="):
			host.Version = txt[len("version="):]
		case strings.HasPrefix(txt, "name="):
			host.Name = txt[len("name="):]
		}
	}
	return host
}

// Discover browses the local network for companion hosts until ctx is
// done. Phone apps use their platform's native service discovery; this
// function mainly supports testing and diagnostics from the CLI.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			host := parseServiceEntry(entry)
			mu.Lock()
			hosts = append(hosts, host)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes the entries channel once the context is done.
	<-ctx.Done()
	wg.Wait()

	return hosts, nil
}
