package auth

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	hostErrors "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/errors"
)

// PairRequest is the JSON body for the /pair endpoint.
type PairRequest struct {
	// Code is the 6-digit pairing code shown on the head unit by
	// `companiond pair` or `companiond start --pair`.
	Code string `json:"code"`

	// DeviceName is a friendly name for the phone (e.g., "Pixel 9").
	DeviceName string `json:"device_name"`
}

// PairResponse is the JSON response from the /pair endpoint on success.
type PairResponse struct {
	// DeviceID is the identifier minted for the paired phone. It keys the
	// associated-device record and any later trust enrollment.
	DeviceID string `json:"device_id"`

	// Token is the bearer token for authentication.
	// This is only returned once; the phone app must store it securely.
	Token string `json:"token"`
}

// ErrorResponse is the JSON response for error conditions.
type ErrorResponse struct {
	// Error is a machine-readable legacy error code (e.g., "invalid_code").
	Error string `json:"error"`

	// ErrorCode is the stable dotted taxonomy code (e.g., "auth.pair_invalid_code").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// NextAction is the single primary recovery action for the operator.
	NextAction string `json:"next_action"`
}

// PairHandler handles the /pair HTTP endpoint for code-to-token exchange.
// A phone that redeems a valid code becomes an associated device of the
// active driver profile and receives its bearer token.
type PairHandler struct {
	pairingManager *PairingManager
}

// NewPairHandler creates a new pair handler.
func NewPairHandler(pm *PairingManager) *PairHandler {
	return &PairHandler{pairingManager: pm}
}

// ServeHTTP handles POST /pair requests.
func (h *PairHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", hostErrors.CodeAuthPairMethodNotAllowed, "Only POST is allowed")
		return
	}

	// Parse the request body
	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("auth: failed to parse pair request: %v", err)
		h.writeError(w, http.StatusBadRequest, "invalid_request", hostErrors.CodeAuthPairInvalidRequest, "Invalid JSON body")
		return
	}

	// Validate required fields
	if req.Code == "" {
		h.writeError(w, http.StatusBadRequest, "missing_code", hostErrors.CodeAuthPairMissingCode, "Pairing code is required")
		return
	}

	// Default phone name if the app did not send one
	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Phone"
	}

	// Validate the code and mint the device token
	deviceID, token, err := h.pairingManager.ValidateCode(req.Code, deviceName)
	if err != nil {
		switch err {
		case ErrCodeInvalid:
			h.writeError(w, http.StatusUnauthorized, "invalid_code", hostErrors.CodeAuthPairInvalidCode, "Invalid pairing code")
		case ErrCodeExpired:
			h.writeError(w, http.StatusUnauthorized, "expired_code", hostErrors.CodeAuthPairExpiredCode, "Pairing code has expired")
		case ErrCodeUsed:
			h.writeError(w, http.StatusUnauthorized, "used_code", hostErrors.CodeAuthPairUsedCode, "Pairing code has already been used")
		case ErrRateLimited:
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", hostErrors.CodeAuthPairRateLimited, "Too many pairing attempts, please wait")
		default:
			log.Printf("auth: unexpected error during pairing: %v", err)
			h.writeError(w, http.StatusInternalServerError, "internal_error", hostErrors.CodeAuthPairInternal, "Failed to complete pairing")
		}
		return
	}

	log.Printf("auth: phone paired successfully: %s (%s)", deviceID, deviceName)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PairResponse{
		DeviceID: deviceID,
		Token:    token,
	})
}

// writeError sends a JSON error response with taxonomy code and next action.
func (h *PairHandler) writeError(w http.ResponseWriter, status int, legacyCode, taxonomyCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:      legacyCode,
		ErrorCode:  taxonomyCode,
		Message:    message,
		NextAction: hostErrors.GetNextAction(taxonomyCode),
	})
}

// GenerateCodeResponse is the JSON response for /pair/generate.
type GenerateCodeResponse struct {
	Code   string    `json:"code"`
	Expiry time.Time `json:"expiry"`
}

// GenerateCodeHandler handles the /pair/generate endpoint.
// The `companiond pair` CLI and the `start --pair` flow call it to mint a
// fresh code for display on the head unit.
type GenerateCodeHandler struct {
	pairingManager *PairingManager
}

// NewGenerateCodeHandler creates a new generate code handler.
func NewGenerateCodeHandler(pm *PairingManager) *GenerateCodeHandler {
	return &GenerateCodeHandler{pairingManager: pm}
}

// isLoopbackRequest reports whether the request originates from the head
// unit itself. Code generation is restricted to local processes; anything
// that cannot be parsed as a loopback address is rejected.
func isLoopbackRequest(r *http.Request) bool {
	// RemoteAddr is "host:port", or "[host]:port" for IPv6
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		log.Printf("auth: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("auth: failed to parse IP from host %q", host)
		return false
	}

	return ip.IsLoopback()
}

// writeError sends a JSON error response with taxonomy code and next action.
func (h *GenerateCodeHandler) writeError(w http.ResponseWriter, status int, legacyCode, taxonomyCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:      legacyCode,
		ErrorCode:  taxonomyCode,
		Message:    message,
		NextAction: hostErrors.GetNextAction(taxonomyCode),
	})
}

// ServeHTTP handles POST /pair/generate requests.
// Restricted to loopback: a remote caller able to mint codes could race
// the driver to complete a pairing, so only processes on the head unit
// may generate them.
func (h *GenerateCodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		log.Printf("auth: rejected /pair/generate from non-loopback address: %s", r.RemoteAddr)
		h.writeError(w, http.StatusForbidden, "forbidden", hostErrors.CodeAuthPairGenerateForbidden, "Pairing code generation is only available from localhost")
		return
	}

	// Only accept POST requests
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", hostErrors.CodeAuthPairGenerateMethodNotAllowed, "Only POST is allowed")
		return
	}

	code, err := h.pairingManager.GenerateCode()
	if err != nil {
		log.Printf("auth: failed to generate pairing code: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", hostErrors.CodeAuthPairGenerateInternal, "Failed to generate pairing code")
		return
	}

	expiry := h.pairingManager.GetCodeExpiry()

	log.Printf("auth: generated pairing code via /pair/generate endpoint")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GenerateCodeResponse{
		Code:   code,
		Expiry: expiry,
	})
}
