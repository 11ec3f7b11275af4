package storage

// trusted_devices.go contains SQLiteStore methods for trusted device records.
// A trusted device is a phone whose escrow token has been activated by the
// trust agent; the record maps the device to its user and token handle.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// TrustedDevice is a persisted enrollment record.
// The escrow token itself lives in the trust agent keystore; only the
// agent-issued handle is stored here.
type TrustedDevice struct {
	DeviceID   string
	UserID     int
	Handle     int64
	EnrolledAt time.Time
}

// SaveTrustedDevice persists a trusted device record.
// Uses INSERT OR REPLACE so a re-enrollment of the same device overwrites
// the previous handle rather than accumulating stale rows.
func (s *SQLiteStore) SaveTrustedDevice(device *TrustedDevice) error {
	if device == nil {
		return errors.New("trusted device cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving trusted device %s (user %d)", device.DeviceID, device.UserID)

	const query = `
		INSERT OR REPLACE INTO trusted_devices
			(device_id, user_id, handle, enrolled_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		device.DeviceID,
		device.UserID,
		device.Handle,
		device.EnrolledAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save trusted device: %w", err)
	}

	return nil
}

// GetTrustedDevice retrieves a trusted device record by device ID.
// Returns nil, nil if no record exists.
func (s *SQLiteStore) GetTrustedDevice(deviceID string) (*TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT device_id, user_id, handle, enrolled_at
		FROM trusted_devices
		WHERE device_id = ?
	`

	device, err := scanTrustedDevice(s.db.QueryRow(query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trusted device: %w", err)
	}

	return device, nil
}

// ListTrustedDevicesForUser returns all trusted devices enrolled for a user.
func (s *SQLiteStore) ListTrustedDevicesForUser(userID int) ([]*TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT device_id, user_id, handle, enrolled_at
		FROM trusted_devices
		WHERE user_id = ?
		ORDER BY enrolled_at ASC
	`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("query trusted devices: %w", err)
	}
	defer rows.Close()

	var devices []*TrustedDevice
	for rows.Next() {
		device, err := scanTrustedDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted device rows: %w", err)
	}

	return devices, nil
}

// DeleteTrustedDevice removes a trusted device record.
// Returns ErrTrustedDeviceNotFound if no record exists for the device.
func (s *SQLiteStore) DeleteTrustedDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting trusted device %s", deviceID)

	result, err := s.db.Exec("DELETE FROM trusted_devices WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("delete trusted device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrTrustedDeviceNotFound
	}

	return nil
}

// scanTrustedDevice scans a single row into a TrustedDevice.
func scanTrustedDevice(row *sql.Row) (*TrustedDevice, error) {
	var (
		device     TrustedDevice
		enrolledAt string
	)

	err := row.Scan(
		&device.DeviceID,
		&device.UserID,
		&device.Handle,
		&enrolledAt,
	)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, enrolledAt)
	if err != nil {
		return nil, fmt.Errorf("parse enrolled_at: %w", err)
	}
	device.EnrolledAt = t

	return &device, nil
}

// scanTrustedDeviceRows scans a row from sql.Rows into a TrustedDevice.
func scanTrustedDeviceRows(rows *sql.Rows) (*TrustedDevice, error) {
	var (
		device     TrustedDevice
		enrolledAt string
	)

	err := rows.Scan(
		&device.DeviceID,
		&device.UserID,
		&device.Handle,
		&enrolledAt,
	)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, enrolledAt)
	if err != nil {
		return nil, fmt.Errorf("parse enrolled_at: %w", err)
	}
	device.EnrolledAt = t

	return &device, nil
}
