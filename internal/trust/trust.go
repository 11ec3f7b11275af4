// Package trust implements trusted device enrollment and unlock for the
// head unit. A paired phone sends an escrow token over its secure channel;
// the trust agent registers the token for the active driver profile and,
// once the driver confirms on the lock screen, the phone becomes a trusted
// device that can unlock the profile by presenting its credentials.
//
// The enrollment flow works as follows:
// 1. Phone sends an 8-byte escrow token over the secure channel
// 2. Host forwards the token to the trust agent delegate for the active user
// 3. Agent reports the token added; the driver confirms their credentials
// 4. Agent reports the token activated with a 64-bit handle
// 5. Host sends the handle back to the phone and persists the trust record
//
// The unlock flow: a trusted phone presents {escrow token, handle}
// credentials; the host asks the agent to unlock the user and replies
// with a fixed ACK payload on success.
//
// All state transitions and listener notifications run on a single
// serialized worker, so enrollment and unlock never interleave and
// notification order matches event acceptance order.
package trust

import (
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/storage"
)

// TrustedDevice is an alias for storage.TrustedDevice to avoid import cycles.
// A trusted device may unlock the user profile recorded on it by presenting
// the credentials matching its handle.
type TrustedDevice = storage.TrustedDevice

// CompanionDevice describes a phone with an open secure channel.
type CompanionDevice struct {
	// DeviceID is the stable identifier assigned at pairing time.
	DeviceID string

	// Name is the human-readable device name.
	Name string

	// UserID is the driver profile the device was paired under.
	UserID int
}

// Store defines the persistence interface for trust records.
// This interface is implemented by storage.SQLiteStore.
// Pure persistence, no business rules; the manager owns all policy.
type Store interface {
	// SaveTrustedDevice upserts a trust record by device ID.
	SaveTrustedDevice(device *TrustedDevice) error

	// GetTrustedDevice retrieves a trust record.
	// Returns nil, nil if no record exists.
	GetTrustedDevice(deviceID string) (*TrustedDevice, error)

	// ListTrustedDevicesForUser returns all trust records for a user.
	ListTrustedDevicesForUser(userID int) ([]*TrustedDevice, error)

	// DeleteTrustedDevice removes a trust record.
	// Returns storage.ErrTrustedDeviceNotFound if no record exists.
	DeleteTrustedDevice(deviceID string) error
}

// SecureChannel sends payloads to a connected phone.
// The channel is assumed to be authenticated and encrypted; the trust
// manager only classifies and produces opaque payloads.
type SecureChannel interface {
	// SendMessage delivers a payload to the device with the given ID.
	// Returns an error if the device has no open channel or the send fails.
	SendMessage(deviceID string, payload []byte) error
}
