package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// certPaths returns fresh cert/key paths under a per-test temp dir.
func certPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "host.crt"), filepath.Join(dir, "host.key")
}

// parseGenerated loads the written pair and returns the leaf certificate.
func parseGenerated(t *testing.T, certPath, keyPath string) *x509.Certificate {
	t.Helper()
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("failed to load generated cert/key pair: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return leaf
}

func TestGenerateCertificate(t *testing.T) {
	certPath, keyPath := certPaths(t)

	// The daemon puts its listen host and the vehicle LAN address in the
	// SANs alongside loopback.
	info, err := GenerateCertificate(CertConfig{
		CertPath:      certPath,
		KeyPath:       keyPath,
		Hosts:         []string{"localhost", "127.0.0.1", "192.168.4.1", "head-unit.local"},
		ValidDuration: 24 * time.Hour,
		Organization:  "acme-vehicles",
	})
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	if info.CertPath != certPath {
		t.Errorf("CertPath mismatch: got %s, want %s", info.CertPath, certPath)
	}
	if info.KeyPath != keyPath {
		t.Errorf("KeyPath mismatch: got %s, want %s", info.KeyPath, keyPath)
	}
	if !info.IsGenerated {
		t.Error("IsGenerated should be true for newly generated cert")
	}

	// SHA-256 fingerprint: 32 colon-separated hex pairs.
	if info.Fingerprint == "" {
		t.Error("Fingerprint should not be empty")
	}
	parts := strings.Split(info.Fingerprint, ":")
	if len(parts) != 32 {
		t.Errorf("Fingerprint should have 32 parts, got %d", len(parts))
	}
	for _, part := range parts {
		if len(part) != 2 {
			t.Errorf("Each fingerprint part should be 2 chars, got %q", part)
		}
	}

	if info.NotBefore.After(time.Now()) {
		t.Error("NotBefore should not be in the future")
	}
	expectedExpiry := info.NotBefore.Add(24 * time.Hour)
	if info.NotAfter.Before(expectedExpiry.Add(-time.Minute)) || info.NotAfter.After(expectedExpiry.Add(time.Minute)) {
		t.Errorf("NotAfter should be ~24 hours after NotBefore")
	}

	keyInfo, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("failed to stat key file: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Errorf("key file permissions should be 0600, got %o", keyInfo.Mode().Perm())
	}

	leaf := parseGenerated(t, certPath, keyPath)

	if len(leaf.Subject.Organization) == 0 || leaf.Subject.Organization[0] != "acme-vehicles" {
		t.Errorf("Organization mismatch: got %v, want [acme-vehicles]", leaf.Subject.Organization)
	}

	// Hostnames land in DNSNames, IP literals in IPAddresses.
	dnsNames := map[string]bool{}
	for _, name := range leaf.DNSNames {
		dnsNames[name] = true
	}
	if !dnsNames["localhost"] || !dnsNames["head-unit.local"] {
		t.Errorf("DNS names should include localhost and head-unit.local, got %v", leaf.DNSNames)
	}

	ips := map[string]bool{}
	for _, ip := range leaf.IPAddresses {
		ips[ip.String()] = true
	}
	if !ips["127.0.0.1"] || !ips["192.168.4.1"] {
		t.Errorf("IP addresses should include 127.0.0.1 and 192.168.4.1, got %v", leaf.IPAddresses)
	}
}

func TestGenerateCertificateDefaults(t *testing.T) {
	certPath, keyPath := certPaths(t)

	info, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("GenerateCertificate with defaults failed: %v", err)
	}

	leaf := parseGenerated(t, certPath, keyPath)

	if len(leaf.Subject.Organization) == 0 || leaf.Subject.Organization[0] != "companiond" {
		t.Errorf("default organization should be 'companiond', got %v", leaf.Subject.Organization)
	}

	validity := info.NotAfter.Sub(info.NotBefore)
	actualDays := int(validity.Hours() / 24)
	if actualDays < 364 || actualDays > 366 {
		t.Errorf("default validity should be ~365 days, got %d", actualDays)
	}
}

func TestLoadCertificate(t *testing.T) {
	certPath, keyPath := certPaths(t)

	genInfo, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	loadInfo, err := LoadCertificate(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCertificate failed: %v", err)
	}

	if loadInfo.CertPath != certPath {
		t.Errorf("CertPath mismatch")
	}
	if loadInfo.KeyPath != keyPath {
		t.Errorf("KeyPath mismatch")
	}
	if loadInfo.Fingerprint != genInfo.Fingerprint {
		t.Errorf("Fingerprint mismatch: got %s, want %s", loadInfo.Fingerprint, genInfo.Fingerprint)
	}
	if loadInfo.IsGenerated {
		t.Error("IsGenerated should be false for loaded cert")
	}
}

func TestLoadCertificateNotFound(t *testing.T) {
	_, err := LoadCertificate("/nonexistent/path.crt", "/nonexistent/path.key")
	if err == nil {
		t.Error("LoadCertificate should fail for nonexistent files")
	}
}

func TestEnsureCertificateGenerates(t *testing.T) {
	certPath, keyPath := certPaths(t)

	info, err := EnsureCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}

	if !info.IsGenerated {
		t.Error("IsGenerated should be true when files didn't exist")
	}
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("certificate file should have been created")
	}
}

// TestEnsureCertificateLoads verifies the existing pair wins over
// regeneration. Phones pin the fingerprint at pairing time, so the host
// must keep serving the same certificate across restarts.
func TestEnsureCertificateLoads(t *testing.T) {
	certPath, keyPath := certPaths(t)

	genInfo, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	loadInfo, err := EnsureCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}

	if loadInfo.IsGenerated {
		t.Error("IsGenerated should be false when files already existed")
	}
	if loadInfo.Fingerprint != genInfo.Fingerprint {
		t.Error("Fingerprint should match the original certificate")
	}
}

func TestEnsureCertificateGeneratesIfOnlyOneMissing(t *testing.T) {
	certPath, keyPath := certPaths(t)

	// Only the cert file exists (partial state after an interrupted write).
	if err := os.WriteFile(certPath, []byte("dummy"), 0644); err != nil {
		t.Fatalf("failed to create dummy cert: %v", err)
	}

	info, err := EnsureCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}

	if !info.IsGenerated {
		t.Error("IsGenerated should be true when regenerating")
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Errorf("regenerated cert/key pair should be valid: %v", err)
	}
}

func TestComputeFingerprint(t *testing.T) {
	certPath, keyPath := certPaths(t)

	if _, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	}); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	leaf := parseGenerated(t, certPath, keyPath)
	fp := ComputeFingerprint(leaf)

	if fp == "" {
		t.Error("Fingerprint should not be empty")
	}
	if strings.ToUpper(fp) != fp {
		t.Error("Fingerprint should be uppercase")
	}
	if !strings.Contains(fp, ":") {
		t.Error("Fingerprint should contain colons")
	}
	if fp2 := ComputeFingerprint(leaf); fp != fp2 {
		t.Error("Fingerprint should be deterministic")
	}
}

// TestComputeFingerprintFromPEM checks the on-disk path agrees with the
// parsed-certificate path. The pair CLI reads the PEM file, the daemon
// holds the parsed certificate; both must show the phone the same value.
func TestComputeFingerprintFromPEM(t *testing.T) {
	certPath, keyPath := certPaths(t)

	info, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	pemData, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("failed to read certificate file: %v", err)
	}

	fp, err := ComputeFingerprintFromPEM(pemData)
	if err != nil {
		t.Fatalf("ComputeFingerprintFromPEM failed: %v", err)
	}
	if fp != info.Fingerprint {
		t.Errorf("PEM fingerprint %s does not match generated fingerprint %s", fp, info.Fingerprint)
	}

	if _, err := ComputeFingerprintFromPEM([]byte("not pem")); err == nil {
		t.Error("ComputeFingerprintFromPEM should fail on non-PEM data")
	}
}

func TestLoadTLSConfig(t *testing.T) {
	certPath, keyPath := certPaths(t)

	if _, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	}); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	tlsCfg, err := LoadTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig failed: %v", err)
	}

	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}
	if tlsCfg.MinVersion != tls.VersionTLS12 {
		t.Error("MinVersion should be TLS 1.2")
	}
}

func TestLoadTLSConfigInvalidPath(t *testing.T) {
	_, err := LoadTLSConfig("/nonexistent/cert.crt", "/nonexistent/key.key")
	if err == nil {
		t.Error("LoadTLSConfig should fail for nonexistent files")
	}
}

func TestDefaultPaths(t *testing.T) {
	certPath, err := DefaultCertPath()
	if err != nil {
		t.Fatalf("DefaultCertPath failed: %v", err)
	}
	if !strings.Contains(certPath, ".companiond") {
		t.Error("DefaultCertPath should contain .companiond")
	}
	if !strings.HasSuffix(certPath, "host.crt") {
		t.Error("DefaultCertPath should end with host.crt")
	}

	keyPath, err := DefaultKeyPath()
	if err != nil {
		t.Fatalf("DefaultKeyPath failed: %v", err)
	}
	if !strings.HasSuffix(keyPath, "host.key") {
		t.Error("DefaultKeyPath should end with host.key")
	}
}

func TestGenerateCertificateCreatesDirectory(t *testing.T) {
	nestedDir := filepath.Join(t.TempDir(), "nested", "certs")
	certPath := filepath.Join(nestedDir, "host.crt")
	keyPath := filepath.Join(nestedDir, "host.key")

	if _, err := GenerateCertificate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
	}); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	if _, err := os.Stat(nestedDir); os.IsNotExist(err) {
		t.Error("nested directory should have been created")
	}
}
