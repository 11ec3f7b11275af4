package trust

// callbacks.go defines the listener interfaces clients register with the
// manager. Registrants are typically remote client processes (settings UI,
// keyguard) reached over a WebSocket, so every callback method can fail
// and every registrant exposes a liveness signal for automatic cleanup.

// Registrant identifies a registered client and reports its liveness.
// Implementations are usually server-side adapters around a client
// connection.
type Registrant interface {
	// RegistrantID is a stable identity for the client connection.
	// Re-registering with the same ID replaces the earlier registration.
	RegistrantID() string

	// Closed returns a channel that is closed when the client connection
	// dies. The manager drops all registrations for the client then.
	Closed() <-chan struct{}
}

// TrustedDeviceCallback receives trusted device lifecycle events.
type TrustedDeviceCallback interface {
	Registrant

	// OnTrustedDeviceAdded fires after enrollment completes and the
	// trust record is persisted.
	OnTrustedDeviceAdded(device *TrustedDevice) error

	// OnTrustedDeviceRemoved fires after a trust record is removed.
	OnTrustedDeviceRemoved(device *TrustedDevice) error
}

// ValidateCredentialsListener is notified when the driver must confirm
// their credentials on the lock screen to complete an enrollment.
type ValidateCredentialsListener interface {
	Registrant

	// OnValidateCredentialsRequest fires once per token-added event.
	// If no listener was registered when the event occurred, the event is
	// latched and delivered to the next listener that registers.
	OnValidateCredentialsRequest() error
}

// AssociatedDeviceCallback receives pairing lifecycle events.
type AssociatedDeviceCallback interface {
	Registrant

	// OnAssociatedDeviceAdded fires when a phone completes pairing.
	OnAssociatedDeviceAdded(device CompanionDevice) error

	// OnAssociatedDeviceRemoved fires when a pairing is revoked.
	OnAssociatedDeviceRemoved(device CompanionDevice) error
}
