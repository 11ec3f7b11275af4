package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/errors"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/trust"
)

// Admin HTTP endpoints for the companiond CLI: listing and revoking paired
// devices, and inspecting or removing trusted device enrollments. All of
// them require the admin token, which only local root-owned processes can
// read.

// DeviceSummary is the wire representation of a paired device.
type DeviceSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserID    int    `json:"user_id"`
	CreatedAt string `json:"created_at"`
	LastSeen  string `json:"last_seen"`
}

// DeviceListResponse is the body of GET /devices.
type DeviceListResponse struct {
	Devices []DeviceSummary `json:"devices"`
}

// TrustedListResponse is the body of GET /trusted.
type TrustedListResponse struct {
	Devices []TrustedDeviceInfo `json:"devices"`
}

// RevokeResponse is the body of POST /devices/{id}/revoke.
type RevokeResponse struct {
	DeviceID          string `json:"device_id"`
	ConnectionsClosed int    `json:"connections_closed"`
}

// SetDeviceDirectory sets the paired device store used by the admin
// endpoints. This must be called before Start() or StartAsync().
func (s *Server) SetDeviceDirectory(devices DeviceDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

// adminOnly wraps a handler with admin token authentication.
// The token is validated by the agent authorizer; agent and admin access
// share the same local credential.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		authorize := s.agentAuthorizer
		s.mu.RUnlock()

		if authorize == nil {
			writeAdminError(w, http.StatusForbidden,
				apperrors.CodeAuthRequired, "admin access not configured")
			return
		}

		token := extractBearerToken(r)
		if token == "" || !authorize(token) {
			writeAdminError(w, http.StatusUnauthorized,
				apperrors.CodeAuthInvalid, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleListDevices serves GET /devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAdminError(w, http.StatusMethodNotAllowed,
			apperrors.CodeServerInvalidMessage, "method not allowed")
		return
	}

	s.mu.RLock()
	devices := s.devices
	s.mu.RUnlock()

	if devices == nil {
		writeAdminError(w, http.StatusServiceUnavailable,
			apperrors.CodeInternal, "device directory not configured")
		return
	}

	records, err := devices.ListDevices()
	if err != nil {
		log.Printf("Failed to list devices: %v", err)
		writeAdminError(w, http.StatusInternalServerError,
			apperrors.CodeStorageQueryFailed, "failed to list devices")
		return
	}

	resp := DeviceListResponse{Devices: make([]DeviceSummary, 0, len(records))}
	for _, record := range records {
		resp.Devices = append(resp.Devices, DeviceSummary{
			ID:        record.ID,
			Name:      record.Name,
			UserID:    record.UserID,
			CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339Nano),
			LastSeen:  record.LastSeen.UTC().Format(time.RFC3339Nano),
		})
	}

	writeAdminJSON(w, http.StatusOK, resp)
}

// handleDeviceAction serves POST /devices/{id}/revoke.
// Revocation deletes the pairing record, closes the device's open
// connections, and cascades through the trust manager so any escrow token
// enrolled by the device is revoked as well.
func (s *Server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	deviceID, action, ok := splitAdminPath(r.URL.Path, "/devices/")
	if !ok || action != "revoke" {
		writeAdminError(w, http.StatusNotFound,
			apperrors.CodeServerInvalidMessage, "unknown device action")
		return
	}
	if r.Method != http.MethodPost {
		writeAdminError(w, http.StatusMethodNotAllowed,
			apperrors.CodeServerInvalidMessage, "method not allowed")
		return
	}

	s.mu.RLock()
	devices := s.devices
	s.mu.RUnlock()

	if devices == nil {
		writeAdminError(w, http.StatusServiceUnavailable,
			apperrors.CodeInternal, "device directory not configured")
		return
	}

	record, err := devices.GetDevice(deviceID)
	if err != nil {
		log.Printf("Failed to look up device %s: %v", deviceID, err)
		writeAdminError(w, http.StatusInternalServerError,
			apperrors.CodeStorageQueryFailed, "failed to look up device")
		return
	}
	if record == nil {
		writeAdminError(w, http.StatusNotFound,
			apperrors.CodeStorageNotFound, "device not found")
		return
	}

	if err := devices.DeleteDevice(deviceID); err != nil {
		log.Printf("Failed to delete device %s: %v", deviceID, err)
		writeAdminError(w, http.StatusInternalServerError,
			apperrors.CodeStorageSaveFailed, "failed to delete device")
		return
	}

	closed := s.CloseDeviceConnections(deviceID)

	// Unpairing cascades: the trust manager removes the device's trust
	// record and revokes its escrow token on the agent.
	s.trust.OnAssociatedDeviceRemoved(trust.CompanionDevice{
		DeviceID: record.ID,
		Name:     record.Name,
		UserID:   record.UserID,
	})

	log.Printf("Device revoked: %s (%d connections closed)", deviceID, closed)
	writeAdminJSON(w, http.StatusOK, RevokeResponse{
		DeviceID:          deviceID,
		ConnectionsClosed: closed,
	})
}

// handleListTrusted serves GET /trusted.
func (s *Server) handleListTrusted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAdminError(w, http.StatusMethodNotAllowed,
			apperrors.CodeServerInvalidMessage, "method not allowed")
		return
	}

	records, err := s.trust.GetTrustedDevicesForActiveUser()
	if err != nil {
		log.Printf("Failed to list trusted devices: %v", err)
		writeAdminError(w, http.StatusInternalServerError,
			apperrors.CodeStorageQueryFailed, "failed to list trusted devices")
		return
	}

	resp := TrustedListResponse{Devices: make([]TrustedDeviceInfo, 0, len(records))}
	for _, record := range records {
		resp.Devices = append(resp.Devices, trustedDeviceInfo(record))
	}

	writeAdminJSON(w, http.StatusOK, resp)
}

// handleTrustedAction serves POST /trusted/{deviceID}/remove.
func (s *Server) handleTrustedAction(w http.ResponseWriter, r *http.Request) {
	deviceID, action, ok := splitAdminPath(r.URL.Path, "/trusted/")
	if !ok || action != "remove" {
		writeAdminError(w, http.StatusNotFound,
			apperrors.CodeServerInvalidMessage, "unknown trusted device action")
		return
	}
	if r.Method != http.MethodPost {
		writeAdminError(w, http.StatusMethodNotAllowed,
			apperrors.CodeServerInvalidMessage, "method not allowed")
		return
	}

	if err := s.trust.RemoveTrustedDevice(deviceID); err != nil {
		code, message := apperrors.ToCodeAndMessage(err)
		status := http.StatusInternalServerError
		switch code {
		case apperrors.CodeTrustDeviceNotFound:
			status = http.StatusNotFound
		case apperrors.CodeTrustDelegateUnavailable:
			status = http.StatusServiceUnavailable
		}
		log.Printf("Trusted device removal failed for %s: %v", deviceID, err)
		writeAdminError(w, status, code, message)
		return
	}

	log.Printf("Trusted device removed via admin API: %s", deviceID)
	w.WriteHeader(http.StatusNoContent)
}

// splitAdminPath extracts the id and action segments from paths of the
// form <prefix>{id}/<action>. Returns ok=false for anything else.
func splitAdminPath(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func writeAdminJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode admin response: %v", err)
	}
}

func writeAdminError(w http.ResponseWriter, status int, code, message string) {
	writeAdminJSON(w, status, ErrorPayload{Code: code, Message: message})
}
