package auth

import (
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TokenValidator authenticates companion connections by bearer token.
// Tokens are minted once at pairing time and stored only as bcrypt
// hashes, so validation matches the presented token against every
// associated device's hash.
type TokenValidator struct {
	store   DeviceStore
	timeNow func() time.Time
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(store DeviceStore) *TokenValidator {
	return &TokenValidator{
		store:   store,
		timeNow: time.Now,
	}
}

// ValidateToken checks if the given bearer token belongs to a paired phone.
// On success, returns the device and updates its last_seen timestamp.
// Returns ErrDeviceNotFound if no device matches.
//
// This is a linear bcrypt scan over all associated devices. A vehicle
// pairs a handful of phones across its driver profiles, so the scan stays
// small; the cost per entry is bcrypt's, which is the point.
func (tv *TokenValidator) ValidateToken(token string) (*Device, error) {
	devices, err := tv.store.ListDevices()
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		// bcrypt.CompareHashAndPassword is timing-safe per entry
		if err := bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(token)); err == nil {
			log.Printf("auth: validated token for device %s (%s)", device.ID, device.Name)

			now := tv.timeNow()
			if err := tv.store.UpdateLastSeen(device.ID, now); err != nil {
				// Log but don't fail - validation succeeded
				log.Printf("auth: failed to update last_seen for device %s: %v", device.ID, err)
			}

			return device, nil
		}
	}

	log.Printf("auth: token validation failed (no matching device)")
	return nil, ErrDeviceNotFound
}

// ValidateDeviceID checks if a device ID exists.
// Used by device management operations that act on an id rather than a
// token (revocation, trusted-device removal).
func (tv *TokenValidator) ValidateDeviceID(id string) (*Device, error) {
	device, err := tv.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}
