package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newPairTestHandler(t *testing.T) (*PairHandler, *PairingManager, *mockDeviceStore) {
	t.Helper()
	store := newMockDeviceStore()
	pm := NewPairingManager(PairingConfig{
		DeviceStore: store,
	})
	return NewPairHandler(pm), pm, store
}

func postPair(handler *PairHandler, req PairRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/pair", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

// TestPairHandlerSuccess verifies a phone redeeming a fresh code receives
// an identity and a bearer token.
func TestPairHandlerSuccess(t *testing.T) {
	handler, pm, _ := newPairTestHandler(t)

	code, err := pm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	w := postPair(handler, PairRequest{Code: code, DeviceName: "Driver Pixel"})
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp PairResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.DeviceID == "" {
		t.Error("expected non-empty device ID")
	}
	if resp.Token == "" {
		t.Error("expected non-empty token")
	}
}

// TestPairHandlerInvalidCode verifies a wrong code is rejected.
func TestPairHandlerInvalidCode(t *testing.T) {
	handler, pm, _ := newPairTestHandler(t)

	if _, err := pm.GenerateCode(); err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	w := postPair(handler, PairRequest{Code: "000000", DeviceName: "Driver Pixel"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d: %s", w.Code, w.Body.String())
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error != "invalid_code" {
		t.Errorf("expected error code 'invalid_code', got '%s'", resp.Error)
	}
}

// TestPairHandlerMissingCode verifies the code field is required.
func TestPairHandlerMissingCode(t *testing.T) {
	handler, _, _ := newPairTestHandler(t)

	w := postPair(handler, PairRequest{DeviceName: "Driver Pixel"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error != "missing_code" {
		t.Errorf("expected error code 'missing_code', got '%s'", resp.Error)
	}
}

// TestPairHandlerMethodNotAllowed verifies only POST is accepted.
func TestPairHandlerMethodNotAllowed(t *testing.T) {
	handler, _, _ := newPairTestHandler(t)

	methods := []string{http.MethodGet, http.MethodPut, http.MethodDelete}
	for _, method := range methods {
		req := httptest.NewRequest(method, "/pair", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status 405, got %d", method, w.Code)
		}
	}
}

// TestPairHandlerInvalidJSON verifies malformed bodies are rejected.
func TestPairHandlerInvalidJSON(t *testing.T) {
	handler, _, _ := newPairTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/pair", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error != "invalid_request" {
		t.Errorf("expected error code 'invalid_request', got '%s'", resp.Error)
	}
}

// TestPairHandlerRateLimited verifies repeated wrong codes trip the limiter.
func TestPairHandlerRateLimited(t *testing.T) {
	store := newMockDeviceStore()
	pm := NewPairingManager(PairingConfig{
		DeviceStore:          store,
		MaxAttemptsPerMinute: 2,
	})
	handler := NewPairHandler(pm)

	if _, err := pm.GenerateCode(); err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	// Use up the rate limit with wrong codes
	for i := 0; i < 2; i++ {
		postPair(handler, PairRequest{Code: "000000"})
	}

	w := postPair(handler, PairRequest{Code: "000000"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error != "rate_limited" {
		t.Errorf("expected error code 'rate_limited', got '%s'", resp.Error)
	}
}

// TestGenerateCodeHandler verifies /pair/generate from a loopback caller.
func TestGenerateCodeHandler(t *testing.T) {
	store := newMockDeviceStore()
	pm := NewPairingManager(PairingConfig{
		DeviceStore: store,
	})
	handler := NewGenerateCodeHandler(pm)

	req := httptest.NewRequest(http.MethodPost, "/pair/generate", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp GenerateCodeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(resp.Code) != 6 {
		t.Errorf("expected 6-digit code, got %d digits", len(resp.Code))
	}

	if resp.Expiry.IsZero() {
		t.Error("expected non-zero expiry time")
	}
}

// TestGenerateCodeHandlerMethodNotAllowed verifies only POST is accepted.
func TestGenerateCodeHandlerMethodNotAllowed(t *testing.T) {
	store := newMockDeviceStore()
	pm := NewPairingManager(PairingConfig{
		DeviceStore: store,
	})
	handler := NewGenerateCodeHandler(pm)

	req := httptest.NewRequest(http.MethodGet, "/pair/generate", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

// TestGenerateCodeHandlerLoopbackOnly verifies a phone on the vehicle LAN
// cannot mint its own pairing codes.
func TestGenerateCodeHandlerLoopbackOnly(t *testing.T) {
	store := newMockDeviceStore()
	pm := NewPairingManager(PairingConfig{
		DeviceStore: store,
	})
	handler := NewGenerateCodeHandler(pm)

	nonLoopbackAddrs := []string{
		"192.168.1.100:54321", // Private IPv4 (vehicle LAN)
		"10.0.0.5:54321",      // Private IPv4
		"172.16.0.1:54321",    // Private IPv4
		"8.8.8.8:54321",       // Public IPv4
		"[2001:db8::1]:54321", // Public IPv6
		"[fe80::1]:54321",     // Link-local IPv6
	}

	for _, addr := range nonLoopbackAddrs {
		req := httptest.NewRequest(http.MethodPost, "/pair/generate", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("RemoteAddr=%s: expected status 403, got %d", addr, w.Code)
		}

		var resp ErrorResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("RemoteAddr=%s: failed to decode response: %v", addr, err)
		}

		if resp.Error != "forbidden" {
			t.Errorf("RemoteAddr=%s: expected error 'forbidden', got '%s'", addr, resp.Error)
		}
	}
}

// TestGenerateCodeHandlerLoopbackAccepted verifies loopback callers succeed.
func TestGenerateCodeHandlerLoopbackAccepted(t *testing.T) {
	store := newMockDeviceStore()
	pm := NewPairingManager(PairingConfig{
		DeviceStore: store,
	})
	handler := NewGenerateCodeHandler(pm)

	loopbackAddrs := []string{
		"127.0.0.1:54321",     // Standard IPv4 loopback
		"127.0.0.2:54321",     // Other 127.x.x.x address
		"127.255.255.1:54321", // Another 127.x.x.x address
		"[::1]:54321",         // IPv6 loopback
	}

	for _, addr := range loopbackAddrs {
		req := httptest.NewRequest(http.MethodPost, "/pair/generate", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("RemoteAddr=%s: expected status 200, got %d: %s", addr, w.Code, w.Body.String())
		}
	}
}

// TestIsLoopbackRequest exercises the loopback classification, including
// unparseable addresses, which are rejected.
func TestIsLoopbackRequest(t *testing.T) {
	tests := []struct {
		remoteAddr string
		expected   bool
	}{
		{"127.0.0.1:54321", true},
		{"127.0.0.2:54321", true},
		{"127.255.255.255:54321", true},
		{"[::1]:54321", true},

		{"192.168.1.1:54321", false},
		{"10.0.0.1:54321", false},
		{"172.16.0.1:54321", false},
		{"8.8.8.8:54321", false},
		{"0.0.0.0:54321", false},
		{"[2001:db8::1]:54321", false},
		{"[fe80::1]:54321", false},
		{"[::]:54321", false},

		{"", false},
		{"invalid", false},
		{"no-port", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/test", nil)
		req.RemoteAddr = tt.remoteAddr

		result := isLoopbackRequest(req)
		if result != tt.expected {
			t.Errorf("isLoopbackRequest(%q) = %v, expected %v", tt.remoteAddr, result, tt.expected)
		}
	}
}

// TestPairHandlerDefaultDeviceName verifies a phone that sends no name is
// stored with the placeholder.
func TestPairHandlerDefaultDeviceName(t *testing.T) {
	handler, pm, store := newPairTestHandler(t)

	code, err := pm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	w := postPair(handler, PairRequest{Code: code})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	devices, _ := store.ListDevices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].Name != "Unknown Phone" {
		t.Errorf("expected default name 'Unknown Phone', got '%s'", devices[0].Name)
	}
}
