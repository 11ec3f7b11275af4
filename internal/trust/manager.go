package trust

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	hostErrors "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/errors"
)

// taskQueueSize bounds the serialized worker's backlog. Events arrive at
// human pace (pairing, lock-screen confirmation), so a small buffer is
// plenty; a full queue drops the event with a log rather than blocking
// a transport goroutine.
const taskQueueSize = 64

// ManagerConfig carries the collaborators for NewManager.
type ManagerConfig struct {
	// Store persists trust records. Required.
	Store Store

	// Channel sends payloads to connected phones. Required.
	Channel SecureChannel

	// ActiveUser reports the driver profile currently in the foreground.
	// Called on every enrollment and unlock decision. Required.
	ActiveUser func() int

	// OnEnrollmentStarted, if set, is invoked when a new enrollment
	// begins, so the host can surface the enrolling UI. Runs on the
	// serialized worker; must not block.
	OnEnrollmentStarted func(device CompanionDevice)
}

// pendingCredentials buffers an unlock request that arrived while no
// delegate was bound. At most one outstanding; a delegate attaching
// drains it immediately.
type pendingCredentials struct {
	deviceID    string
	credentials *PhoneCredentials
}

// Manager is the enrollment/unlock state machine and the public trust
// operation surface. All mutations and notifications run on one
// serialized worker goroutine; external entry points post tasks to it.
type Manager struct {
	store               Store
	channel             SecureChannel
	activeUser          func() int
	onEnrollmentStarted func(device CompanionDevice)

	tasks chan func()
	quit  chan struct{}

	mu      sync.Mutex // guards started/stopped lifecycle flags
	started bool
	stopped bool

	// isWaitingForCredentials latches a token-added event that occurred
	// while no validation listener was registered. Atomic because it is
	// the one flag tests and callers may observe from outside the worker.
	isWaitingForCredentials atomic.Bool

	// Worker-owned state. Never touched outside the worker goroutine.
	delegate      AgentDelegate
	pendingToken  []byte
	pendingDevice *CompanionDevice
	pendingCreds  *pendingCredentials
	connected     map[string]CompanionDevice

	trustedCallbacks    *registry[TrustedDeviceCallback]
	validateListeners   *registry[ValidateCredentialsListener]
	associatedCallbacks *registry[AssociatedDeviceCallback]
}

// NewManager creates a trust manager. Call Start before use.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		store:               cfg.Store,
		channel:             cfg.Channel,
		activeUser:          cfg.ActiveUser,
		onEnrollmentStarted: cfg.OnEnrollmentStarted,
		tasks:               make(chan func(), taskQueueSize),
		quit:                make(chan struct{}),
		connected:           make(map[string]CompanionDevice),
	}

	post := func(task func()) { m.post(task) }
	m.trustedCallbacks = newRegistry[TrustedDeviceCallback]("trusted-device", post)
	m.validateListeners = newRegistry[ValidateCredentialsListener]("validate-credentials", post)
	m.associatedCallbacks = newRegistry[AssociatedDeviceCallback]("associated-device", post)

	return m
}

// Start launches the serialized worker. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true

	log.Printf("trust: manager started")
	go m.run()
}

// Stop shuts the worker down and clears all pending state and
// registrations. Idempotent. Tasks posted after Stop are dropped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.quit)
	log.Printf("trust: manager stopped")
}

// run is the serialized worker loop. On shutdown it drains tasks already
// queued so synchronous callers are released.
func (m *Manager) run() {
	for {
		select {
		case task := <-m.tasks:
			task()
		case <-m.quit:
			for {
				select {
				case task := <-m.tasks:
					task()
				default:
					m.cleanup()
					return
				}
			}
		}
	}
}

// cleanup runs once on the worker after shutdown.
func (m *Manager) cleanup() {
	m.delegate = nil
	m.pendingToken = nil
	m.pendingDevice = nil
	m.pendingCreds = nil
	m.isWaitingForCredentials.Store(false)
	m.trustedCallbacks.clear()
	m.validateListeners.clear()
	m.associatedCallbacks.clear()
}

// post hands a task to the worker. Returns false if the manager has
// stopped or the queue is full; the event is dropped with a log.
func (m *Manager) post(task func()) bool {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.mu.Unlock()
		log.Printf("trust: dropping task, manager not running")
		return false
	}
	m.mu.Unlock()

	select {
	case m.tasks <- task:
		return true
	case <-m.quit:
		log.Printf("trust: dropping task, manager stopped")
		return false
	default:
		log.Printf("trust: dropping task, queue full")
		return false
	}
}

// postSync runs a task on the worker and waits for its result.
func (m *Manager) postSync(task func() error) error {
	result := make(chan error, 1)
	if !m.post(func() { result <- task() }) {
		return hostErrors.New(hostErrors.CodeTrustStopped, "trust manager is not running")
	}
	return <-result
}

// --- Secure channel events -------------------------------------------------

// OnMessageReceived classifies and handles a payload from a phone.
// Called from transport goroutines; processing is handed to the worker.
func (m *Manager) OnMessageReceived(device CompanionDevice, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.post(func() { m.handleMessage(device, buf) })
}

// OnDeviceConnected records a phone's secure channel coming up.
func (m *Manager) OnDeviceConnected(device CompanionDevice) {
	m.post(func() {
		m.connected[device.DeviceID] = device
		log.Printf("trust: device %s connected (user %d)", device.DeviceID, device.UserID)
	})
}

// OnDeviceDisconnected records a phone's secure channel going down.
// Pending enrollment state is kept: the phone may reconnect and the
// delegate callbacks for an in-flight token still need a pending device.
func (m *Manager) OnDeviceDisconnected(device CompanionDevice) {
	m.post(func() {
		delete(m.connected, device.DeviceID)
		log.Printf("trust: device %s disconnected", device.DeviceID)
	})
}

// OnDeviceError logs a channel-level error for a device.
func (m *Manager) OnDeviceError(device CompanionDevice, code string) {
	log.Printf("trust: device %s channel error: %s", device.DeviceID, code)
}

func (m *Manager) handleMessage(device CompanionDevice, payload []byte) {
	record, err := m.store.GetTrustedDevice(device.DeviceID)
	if err != nil {
		log.Printf("trust: failed to look up trust record for %s: %v", device.DeviceID, err)
		return
	}

	if record == nil {
		m.handleUntrustedMessage(device, payload)
		return
	}
	m.handleTrustedMessage(device, record, payload)
}

// handleUntrustedMessage processes a payload from a device with no trust
// record. The only acceptable payload is a raw escrow token starting a
// new enrollment; anything else is attacker-reachable input and is
// dropped without state change.
func (m *Manager) handleUntrustedMessage(device CompanionDevice, payload []byte) {
	if _, err := ParseCredentials(payload); err == nil {
		log.Printf("trust: credentials from untrusted device %s, dropping", device.DeviceID)
		return
	}

	if len(payload) != EscrowTokenLength {
		log.Printf("trust: discarding %d-byte payload from untrusted device %s", len(payload), device.DeviceID)
		return
	}

	m.startEnrollment(device, payload)
}

// handleTrustedMessage processes a payload from an enrolled device.
// Normally this is an unlock request; a raw token instead means the phone
// lost its handle and is re-enrolling.
func (m *Manager) handleTrustedMessage(device CompanionDevice, record *TrustedDevice, payload []byte) {
	creds, err := ParseCredentials(payload)
	if err != nil {
		if len(payload) == EscrowTokenLength {
			log.Printf("trust: trusted device %s sent a new escrow token, re-enrolling", device.DeviceID)
			m.startEnrollment(device, payload)
			return
		}
		// Unlike the untrusted case this is an anomaly: an enrolled
		// phone should only ever send credentials or a fresh token.
		log.Printf("trust: unparsable payload from trusted device %s: %v", device.DeviceID, err)
		return
	}

	if record.UserID != m.activeUser() {
		log.Printf("trust: credentials for user %d but active user is %d, rejecting", record.UserID, m.activeUser())
		return
	}

	if m.delegate == nil {
		log.Printf("trust: no delegate bound, buffering credentials from %s", device.DeviceID)
		m.pendingCreds = &pendingCredentials{deviceID: device.DeviceID, credentials: creds}
		return
	}

	m.unlockUser(device.DeviceID, creds)
}

// startEnrollment records the pending enrollment and submits the token to
// the delegate. Supersedes any earlier pending enrollment: only one token
// is ever in flight, so a stale token is never activated.
func (m *Manager) startEnrollment(device CompanionDevice, token []byte) {
	if m.pendingDevice != nil {
		log.Printf("trust: new enrollment for %s supersedes pending enrollment for %s", device.DeviceID, m.pendingDevice.DeviceID)
	}

	m.pendingDevice = &device
	m.pendingToken = token
	log.Printf("trust: starting enrollment for device %s", device.DeviceID)

	if m.onEnrollmentStarted != nil {
		m.onEnrollmentStarted(device)
	}

	if m.delegate == nil {
		// Token stays pending and is submitted when a delegate attaches.
		log.Printf("trust: no delegate bound, holding escrow token for %s", device.DeviceID)
		return
	}

	if err := m.delegate.AddEscrowToken(token, m.activeUser()); err != nil {
		log.Printf("trust: addEscrowToken failed: %v", err)
	}
}

// unlockUser asks the delegate to unlock the active user with the given
// credentials and acknowledges the phone on success. No automatic retry:
// unlock failures surface through the normal lock screen.
func (m *Manager) unlockUser(deviceID string, creds *PhoneCredentials) {
	handle, err := creds.HandleValue()
	if err != nil {
		log.Printf("trust: invalid handle in credentials from %s: %v", deviceID, err)
		return
	}

	userID := m.activeUser()
	if err := m.delegate.UnlockUserWithToken(creds.EscrowToken, handle, userID); err != nil {
		log.Printf("trust: unlock for user %d failed: %v", userID, err)
		return
	}

	log.Printf("trust: unlocked user %d via device %s", userID, deviceID)

	if err := m.channel.SendMessage(deviceID, AckPayload); err != nil {
		log.Printf("trust: failed to acknowledge unlock to %s: %v", deviceID, err)
	}
}

// --- Trust agent callbacks -------------------------------------------------

// OnEscrowTokenAdded is called by the agent once a submitted token is
// registered. The driver must now confirm their credentials on the lock
// screen; validation listeners are told to surface that prompt. If no
// listener is registered yet, the event is latched for the next one.
func (m *Manager) OnEscrowTokenAdded(userID int, handle int64) {
	m.post(func() {
		log.Printf("trust: escrow token added for user %d", userID)
		m.pendingToken = nil

		if m.validateListeners.size() == 0 {
			m.isWaitingForCredentials.Store(true)
			return
		}

		m.isWaitingForCredentials.Store(false)
		m.validateListeners.each(func(l ValidateCredentialsListener) error {
			return l.OnValidateCredentialsRequest()
		})
	})
}

// OnEscrowTokenActivated is called by the agent after the driver confirms
// their credentials. Completes the pending enrollment: the phone learns
// its handle, the trust record is persisted, and listeners are notified.
func (m *Manager) OnEscrowTokenActivated(userID int, handle int64) {
	m.post(func() {
		if m.pendingDevice == nil {
			log.Printf("trust: escrow token activated with no pending enrollment, ignoring (user %d)", userID)
			return
		}

		device := *m.pendingDevice

		// The phone must learn its handle to present credentials later.
		if err := m.channel.SendMessage(device.DeviceID, EncodeHandle(handle)); err != nil {
			log.Printf("trust: failed to send handle to %s: %v", device.DeviceID, err)
		}

		record := &TrustedDevice{
			DeviceID:   device.DeviceID,
			UserID:     userID,
			Handle:     handle,
			EnrolledAt: time.Now(),
		}
		if err := m.store.SaveTrustedDevice(record); err != nil {
			log.Printf("trust: failed to persist trust record for %s: %v", device.DeviceID, err)
			return
		}

		m.pendingDevice = nil
		log.Printf("trust: device %s enrolled for user %d", device.DeviceID, userID)

		m.trustedCallbacks.each(func(cb TrustedDeviceCallback) error {
			return cb.OnTrustedDeviceAdded(record)
		})
	})
}

// --- Public operation surface ----------------------------------------------

// SetTrustedDeviceAgentDelegate binds (or with nil, detaches) the trust
// agent delegate. Binding resumes pending work: a held token is submitted,
// or buffered credentials are delivered. Detaching has no side effects;
// all operations tolerate delegate absence indefinitely.
func (m *Manager) SetTrustedDeviceAgentDelegate(delegate AgentDelegate) {
	m.post(func() {
		m.delegate = delegate
		if delegate == nil {
			log.Printf("trust: agent delegate detached")
			return
		}
		log.Printf("trust: agent delegate attached")

		if m.pendingToken != nil {
			if err := delegate.AddEscrowToken(m.pendingToken, m.activeUser()); err != nil {
				log.Printf("trust: addEscrowToken for held token failed: %v", err)
			}
			return
		}

		if m.pendingCreds != nil {
			pending := m.pendingCreds
			m.pendingCreds = nil
			m.unlockUser(pending.deviceID, pending.credentials)
		}
	})
}

// RemoveTrustedDevice unenrolls a device. Requires a bound delegate so the
// agent-side token is invalidated in the same pass; without one the call
// is refused rather than leaving a live token behind. The trust record is
// deleted and listeners notified only after the agent call succeeds.
func (m *Manager) RemoveTrustedDevice(deviceID string) error {
	return m.postSync(func() error {
		return m.removeTrustedDevice(deviceID)
	})
}

// removeTrustedDevice runs on the worker.
func (m *Manager) removeTrustedDevice(deviceID string) error {
	if m.delegate == nil {
		log.Printf("trust: refusing to remove trusted device %s without a delegate", deviceID)
		return hostErrors.DelegateUnavailable("remove trusted device")
	}

	record, err := m.store.GetTrustedDevice(deviceID)
	if err != nil {
		return hostErrors.Wrap(hostErrors.CodeStorageQueryFailed, "failed to look up trust record", err)
	}
	if record == nil {
		return hostErrors.TrustedDeviceNotFound(deviceID)
	}

	if err := m.delegate.RemoveEscrowToken(record.Handle, record.UserID); err != nil {
		log.Printf("trust: removeEscrowToken for %s failed: %v", deviceID, err)
		return hostErrors.Wrap(hostErrors.CodeAgentRemoveTokenFailed, "trust agent failed to remove escrow token", err)
	}

	if err := m.store.DeleteTrustedDevice(deviceID); err != nil {
		return hostErrors.Wrap(hostErrors.CodeStorageSaveFailed, "failed to delete trust record", err)
	}

	log.Printf("trust: removed trusted device %s", deviceID)

	m.trustedCallbacks.each(func(cb TrustedDeviceCallback) error {
		return cb.OnTrustedDeviceRemoved(record)
	})
	return nil
}

// GetTrustedDevicesForActiveUser lists trust records for the active user.
// Reads the store directly; no worker round trip is needed for a query.
func (m *Manager) GetTrustedDevicesForActiveUser() ([]*TrustedDevice, error) {
	return m.store.ListTrustedDevicesForUser(m.activeUser())
}

// GetActiveUserConnectedDevices lists connected phones paired under the
// active user.
func (m *Manager) GetActiveUserConnectedDevices() []CompanionDevice {
	var devices []CompanionDevice
	m.postSync(func() error {
		userID := m.activeUser()
		for _, device := range m.connected {
			if device.UserID == userID {
				devices = append(devices, device)
			}
		}
		return nil
	})
	return devices
}

// --- Callback registration -------------------------------------------------

// RegisterTrustedDeviceCallback registers for enrollment/removal events.
func (m *Manager) RegisterTrustedDeviceCallback(callback TrustedDeviceCallback) {
	m.post(func() { m.trustedCallbacks.register(callback) })
}

// UnregisterTrustedDeviceCallback removes a registration. No-op if absent.
func (m *Manager) UnregisterTrustedDeviceCallback(callback TrustedDeviceCallback) {
	m.post(func() { m.trustedCallbacks.unregister(callback) })
}

// AddOnValidateCredentialsRequestListener registers for lock-screen
// validation prompts. If a token was added while zero listeners were
// registered, the latched event is delivered to this listener immediately
// and exactly once.
func (m *Manager) AddOnValidateCredentialsRequestListener(listener ValidateCredentialsListener) {
	m.post(func() {
		m.validateListeners.register(listener)

		if m.isWaitingForCredentials.CompareAndSwap(true, false) {
			if err := listener.OnValidateCredentialsRequest(); err != nil {
				log.Printf("trust: replaying validation request failed: %v", err)
			}
		}
	})
}

// RemoveOnValidateCredentialsRequestListener removes a registration.
func (m *Manager) RemoveOnValidateCredentialsRequestListener(listener ValidateCredentialsListener) {
	m.post(func() { m.validateListeners.unregister(listener) })
}

// RegisterAssociatedDeviceCallback registers for pairing events.
func (m *Manager) RegisterAssociatedDeviceCallback(callback AssociatedDeviceCallback) {
	m.post(func() { m.associatedCallbacks.register(callback) })
}

// UnregisterAssociatedDeviceCallback removes a registration.
func (m *Manager) UnregisterAssociatedDeviceCallback(callback AssociatedDeviceCallback) {
	m.post(func() { m.associatedCallbacks.unregister(callback) })
}

// --- Association lifecycle -------------------------------------------------

// OnAssociatedDeviceAdded notifies listeners that a phone completed
// pairing. Called by the pairing flow.
func (m *Manager) OnAssociatedDeviceAdded(device CompanionDevice) {
	m.post(func() {
		m.associatedCallbacks.each(func(cb AssociatedDeviceCallback) error {
			return cb.OnAssociatedDeviceAdded(device)
		})
	})
}

// OnAssociatedDeviceRemoved handles a pairing being revoked: the device's
// trust record, if any, is removed through the normal removal path (so
// the agent-side token is invalidated too), then pairing listeners are
// notified. A phone that is no longer paired must never retain unlock
// authority.
func (m *Manager) OnAssociatedDeviceRemoved(device CompanionDevice) {
	m.post(func() {
		record, err := m.store.GetTrustedDevice(device.DeviceID)
		if err != nil {
			log.Printf("trust: trust record lookup for removed device %s failed: %v", device.DeviceID, err)
		}
		if record != nil {
			if err := m.removeTrustedDevice(device.DeviceID); err != nil {
				log.Printf("trust: cascade removal for %s failed: %v", device.DeviceID, err)
			}
		}

		m.associatedCallbacks.each(func(cb AssociatedDeviceCallback) error {
			return cb.OnAssociatedDeviceRemoved(device)
		})
	})
}
