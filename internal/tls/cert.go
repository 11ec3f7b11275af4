// Package tls manages the host certificate that companiond serves its
// WebSocket endpoints with. The head unit uses a self-signed certificate;
// phones do not trust a CA for it, they pin its SHA-256 fingerprint, which
// travels out-of-band in the pairing QR payload and the mDNS TXT record.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertConfig holds configuration for certificate generation.
type CertConfig struct {
	// CertPath is the path to write the certificate file.
	// If empty, defaults to ~/.companiond/certs/host.crt
	CertPath string

	// KeyPath is the path to write the private key file.
	// If empty, defaults to ~/.companiond/certs/host.key
	KeyPath string

	// Hosts lists the hostnames and IP addresses to put in the SANs.
	// The daemon passes its listen address plus the vehicle LAN address
	// here. If empty, defaults to localhost and 127.0.0.1.
	Hosts []string

	// ValidDuration is how long the certificate should be valid.
	// If zero, defaults to 365 days.
	ValidDuration time.Duration

	// Organization is the organization name in the certificate subject.
	// If empty, defaults to "companiond".
	Organization string
}

// CertInfo describes a loaded or freshly generated certificate.
type CertInfo struct {
	CertPath string
	KeyPath  string

	// Fingerprint is the SHA-256 fingerprint of the certificate as
	// colon-separated uppercase hex bytes ("AA:BB:CC:..."). This is the
	// value phones pin and the value advertised over mDNS.
	Fingerprint string

	NotBefore time.Time
	NotAfter  time.Time

	// IsGenerated is true when the certificate was just created rather
	// than loaded from existing files.
	IsGenerated bool
}

// DefaultCertPath returns ~/.companiond/certs/host.crt.
func DefaultCertPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".companiond", "certs", "host.crt"), nil
}

// DefaultKeyPath returns ~/.companiond/certs/host.key.
func DefaultKeyPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".companiond", "certs", "host.key"), nil
}

// EnsureCertificate loads the host certificate if both files exist,
// otherwise generates a new self-signed one. Regenerating invalidates
// every phone's pinned fingerprint, so the existing pair always wins
// when present.
func EnsureCertificate(cfg CertConfig) (*CertInfo, error) {
	certPath, keyPath, err := resolvePaths(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	if fileExists(certPath) && fileExists(keyPath) {
		info, err := LoadCertificate(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		return info, nil
	}

	genCfg := cfg
	genCfg.CertPath = certPath
	genCfg.KeyPath = keyPath
	info, err := GenerateCertificate(genCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return info, nil
}

func resolvePaths(certPath, keyPath string) (string, string, error) {
	var err error
	if certPath == "" {
		certPath, err = DefaultCertPath()
		if err != nil {
			return "", "", err
		}
	}
	if keyPath == "" {
		keyPath, err = DefaultKeyPath()
		if err != nil {
			return "", "", err
		}
	}
	return certPath, keyPath, nil
}

// LoadCertificate loads an existing certificate pair and computes its
// fingerprint.
func LoadCertificate(certPath, keyPath string) (*CertInfo, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &CertInfo{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: ComputeFingerprint(x509Cert),
		NotBefore:   x509Cert.NotBefore,
		NotAfter:    x509Cert.NotAfter,
		IsGenerated: false,
	}, nil
}

// GenerateCertificate creates a new self-signed server certificate with an
// ECDSA P-256 key and writes both files to the configured paths.
func GenerateCertificate(cfg CertConfig) (*CertInfo, error) {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	validDuration := cfg.ValidDuration
	if validDuration == 0 {
		validDuration = 365 * 24 * time.Hour
	}

	organization := cfg.Organization
	if organization == "" {
		organization = "companiond"
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Serial numbers must be unique per certificate.
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(validDuration)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   "companion host",
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	// Phones may dial the head unit by loopback, LAN address, or hostname
	// depending on how they paired, so every candidate goes into the SANs.
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CertPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	if err := writePEM(cfg.CertPath, 0644, "CERTIFICATE", derBytes); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := writePEM(cfg.KeyPath, 0600, "PRIVATE KEY", keyBytes); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	x509Cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &CertInfo{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Fingerprint: ComputeFingerprint(x509Cert),
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		IsGenerated: true,
	}, nil
}

func writePEM(path string, mode os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// ComputeFingerprint returns the SHA-256 fingerprint of a certificate as
// colon-separated uppercase hex bytes, the format shown in QR payloads and
// the `pair` banner.
func ComputeFingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	hexStr := hex.EncodeToString(hash[:])

	var parts []string
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, strings.ToUpper(hexStr[i:i+2]))
	}
	return strings.Join(parts, ":")
}

// ComputeFingerprintFromPEM computes the fingerprint straight from a PEM
// certificate file's contents.
func ComputeFingerprintFromPEM(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	return ComputeFingerprint(cert), nil
}

// LoadTLSConfig builds the server-side TLS configuration from the host
// certificate pair.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
