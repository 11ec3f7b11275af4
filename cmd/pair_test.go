package main

import (
	"bytes"
	"net/url"
	"strings"
	"testing"
	"time"
)

// TestDisplayQRCode verifies that DisplayQRCode produces correct output
// format with QR code and plain-text fallback containing all required fields.
func TestDisplayQRCode(t *testing.T) {
	var buf bytes.Buffer
	code := "123456"
	expiry := time.Now().Add(5 * time.Minute)
	addr := "192.168.1.10:7171"
	fingerprint := "AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99"

	DisplayQRCode(&buf, code, expiry, addr, fingerprint)

	output := buf.String()

	if !strings.Contains(output, "SCAN TO PAIR") {
		t.Error("output should contain 'SCAN TO PAIR' header")
	}
	if !strings.Contains(output, "Plain-text fallback") {
		t.Error("output should contain 'Plain-text fallback' section")
	}
	if !strings.Contains(output, "1 2 3 4 5 6") {
		t.Error("output should contain formatted code '1 2 3 4 5 6'")
	}
	if !strings.Contains(output, addr) {
		t.Errorf("output should contain host address %q", addr)
	}
	if !strings.Contains(output, fingerprint) {
		t.Errorf("output should contain fingerprint %q", fingerprint)
	}

	expiryStr := expiry.Format("15:04:05")
	if !strings.Contains(output, expiryStr) {
		t.Errorf("output should contain expiry time %q", expiryStr)
	}

	// The QR code renders with Unicode half-block characters.
	if !strings.ContainsAny(output, "█▄▀") {
		t.Error("output should contain QR code block characters")
	}
}

// TestDisplayQRCodeEmptyFingerprint verifies behavior when fingerprint is
// empty (e.g., when using --no-tls mode).
func TestDisplayQRCodeEmptyFingerprint(t *testing.T) {
	var buf bytes.Buffer
	code := "654321"
	expiry := time.Now().Add(5 * time.Minute)
	addr := "127.0.0.1:7171"

	DisplayQRCode(&buf, code, expiry, addr, "")

	output := buf.String()

	if !strings.Contains(output, "SCAN TO PAIR") {
		t.Error("output should contain 'SCAN TO PAIR' header even with empty fingerprint")
	}
	if !strings.Contains(output, "6 5 4 3 2 1") {
		t.Error("output should contain formatted code")
	}
	if !strings.Contains(output, addr) {
		t.Error("output should contain host address")
	}
}

// TestQRPayloadRoundTrip verifies that the QR payload can be parsed back
// into the original field values. This ensures phone clients can extract
// the data.
func TestQRPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		addr        string
		code        string
		fingerprint string
	}{
		{
			name:        "standard LAN address",
			addr:        "192.168.1.10:7171",
			code:        "123456",
			fingerprint: "AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99",
		},
		{
			name:        "localhost",
			addr:        "127.0.0.1:7171",
			code:        "999999",
			fingerprint: "11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00",
		},
		{
			name: "empty fingerprint (no-tls mode)",
			addr: "localhost:7171",
			code: "000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := buildQRPayload(tt.addr, tt.code, tt.fingerprint)

			parsed, err := url.Parse(payload)
			if err != nil {
				t.Fatalf("failed to parse payload URL: %v", err)
			}

			if parsed.Scheme != "companiond" {
				t.Errorf("scheme = %q, want %q", parsed.Scheme, "companiond")
			}
			if !strings.Contains(payload, "://pair?") {
				t.Error("payload should contain '://pair?' path")
			}

			query := parsed.Query()
			if got := query.Get("host"); got != tt.addr {
				t.Errorf("host = %q, want %q", got, tt.addr)
			}
			if got := query.Get("code"); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
			if got := query.Get("fp"); got != tt.fingerprint {
				t.Errorf("fp = %q, want %q", got, tt.fingerprint)
			}
		})
	}
}

// buildQRPayload constructs the QR payload URL (extracted for testing).
// This mirrors the logic in DisplayQRCode.
func buildQRPayload(addr, code, fingerprint string) string {
	return "companiond://pair?host=" + url.QueryEscape(addr) +
		"&code=" + code +
		"&fp=" + url.QueryEscape(fingerprint)
}

// TestDisplayPairingCode verifies the non-QR display format.
func TestDisplayPairingCode(t *testing.T) {
	var buf bytes.Buffer
	code := "123456"
	expiry := time.Now().Add(5 * time.Minute)
	addr := "192.168.1.10:7171"

	DisplayPairingCode(&buf, code, expiry, addr)

	output := buf.String()

	if !strings.Contains(output, "PAIRING CODE") {
		t.Error("output should contain 'PAIRING CODE' header")
	}
	if !strings.Contains(output, "1 2 3 4 5 6") {
		t.Error("output should contain formatted code '1 2 3 4 5 6'")
	}
	if !strings.Contains(output, addr) {
		t.Errorf("output should contain host address %q", addr)
	}

	expiryStr := expiry.Format("15:04:05")
	if !strings.Contains(output, expiryStr) {
		t.Errorf("output should contain expiry time %q", expiryStr)
	}
}

// TestFormatCodeWithSpaces verifies digit spacing.
func TestFormatCodeWithSpaces(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123456", "1 2 3 4 5 6"},
		{"1", "1"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FormatCodeWithSpaces(tt.in); got != tt.want {
			t.Errorf("FormatCodeWithSpaces(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
