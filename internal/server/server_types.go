package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/storage"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/trust"
)

// channelBufferSize is the size of each client's send channel buffer.
// Messages beyond this buffer are dropped for slow clients rather than
// blocking the broadcaster.
const channelBufferSize = 256

// defaultAgentRequestTimeout bounds how long a correlated agent request
// (remove_escrow_token, unlock_user) waits for an agent.result reply.
// These requests run on the trust manager's serialized worker, so a
// stalled agent blocks every queued trust operation for this long; keep
// it short. A credential-store call on the agent side finishes in well
// under a second.
const defaultAgentRequestTimeout = 3 * time.Second

// DeviceIdentity describes an authenticated companion device.
// It is resolved from the bearer token during the WebSocket handshake.
type DeviceIdentity struct {
	DeviceID string
	Name     string
	UserID   int
}

// TokenValidator validates a device token and returns the device identity.
// Returns an error if the token is invalid or the device was revoked.
type TokenValidator func(token string) (DeviceIdentity, error)

// DeviceActivityTracker is called when a message is received from an
// authenticated client, allowing the application to update last_seen
// timestamps.
type DeviceActivityTracker func(deviceID string)

// TrustService is the trust manager surface the server drives.
// Implemented by *trust.Manager; tests substitute a mock.
type TrustService interface {
	OnMessageReceived(device trust.CompanionDevice, payload []byte)
	OnDeviceConnected(device trust.CompanionDevice)
	OnDeviceDisconnected(device trust.CompanionDevice)

	OnEscrowTokenAdded(userID int, handle int64)
	OnEscrowTokenActivated(userID int, handle int64)
	SetTrustedDeviceAgentDelegate(delegate trust.AgentDelegate)

	RemoveTrustedDevice(deviceID string) error
	GetTrustedDevicesForActiveUser() ([]*trust.TrustedDevice, error)
	GetActiveUserConnectedDevices() []trust.CompanionDevice

	OnAssociatedDeviceAdded(device trust.CompanionDevice)
	OnAssociatedDeviceRemoved(device trust.CompanionDevice)

	RegisterTrustedDeviceCallback(callback trust.TrustedDeviceCallback)
	UnregisterTrustedDeviceCallback(callback trust.TrustedDeviceCallback)
	AddOnValidateCredentialsRequestListener(listener trust.ValidateCredentialsListener)
	RemoveOnValidateCredentialsRequestListener(listener trust.ValidateCredentialsListener)
	RegisterAssociatedDeviceCallback(callback trust.AssociatedDeviceCallback)
	UnregisterAssociatedDeviceCallback(callback trust.AssociatedDeviceCallback)
}

// Server manages WebSocket connections from companion devices and the
// lock-screen agent, plus the HTTP endpoints for pairing and administration.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:7171")
	addr string

	// clients tracks all active connections
	clients map[*Client]bool

	// mu protects clients, stopped, agent state, and the handler fields
	mu sync.RWMutex

	// stopped indicates the server has been shut down
	stopped bool

	// broadcast is the channel for fanning messages out to all companion
	// clients
	broadcast chan Message

	// httpServer is the underlying HTTP server
	httpServer *http.Server

	// upgrader handles the HTTP -> WebSocket protocol upgrade
	upgrader websocket.Upgrader

	// trust is the trust manager driven by this server
	trust TrustService

	// requireAuth controls whether device authentication is enforced on
	// the /ws endpoint
	requireAuth bool

	// tokenValidator resolves bearer tokens to device identities
	tokenValidator TokenValidator

	// deviceActivityTracker updates last_seen on inbound messages
	deviceActivityTracker DeviceActivityTracker

	// agentAuthorizer validates the admin token presented by the agent
	// and by admin HTTP requests
	agentAuthorizer func(token string) bool

	// agent is the currently connected lock-screen agent, nil when detached
	agent *Client

	// agentPending maps request IDs to reply channels for correlated
	// agent requests
	agentPending map[string]chan AgentResultPayload

	// agentTimeout bounds correlated agent requests; set once in
	// NewServer, shortened in tests
	agentTimeout time.Duration

	// devices is the paired device directory used by the admin endpoints
	devices DeviceDirectory

	// HTTP handlers for pairing endpoints, set before Start
	pairHandler         http.Handler
	generateCodeHandler http.Handler
}

// DeviceDirectory is the paired device store surface the admin endpoints
// use. Implemented by *storage.SQLiteStore.
type DeviceDirectory interface {
	ListDevices() ([]*storage.Device, error)
	GetDevice(id string) (*storage.Device, error)
	DeleteDevice(id string) error
}

// Client represents a single WebSocket connection: either a companion
// phone or the lock-screen agent.
type Client struct {
	// conn is the underlying WebSocket connection
	conn *websocket.Conn

	// send is the buffered channel of outbound JSON messages
	send chan Message

	// sendBinary is the buffered channel of outbound escrow channel frames
	sendBinary chan []byte

	// done signals that the client is shutting down
	done chan struct{}

	// sendOnce ensures done is closed exactly once
	sendOnce sync.Once

	// server is a reference back to the parent server
	server *Server

	// registrantID identifies this connection in trust manager registries
	registrantID string

	// device is the authenticated identity; zero value when auth is
	// disabled or for the agent
	device DeviceIdentity

	// isAgent marks the lock-screen agent connection
	isAgent bool

	// inputLimiter bounds inbound escrow channel frames per connection
	inputLimiter *rate.Limiter
}
