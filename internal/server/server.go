package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/trust"
)

// NewServer creates a new WebSocket server listening on the given address,
// driving the given trust service. The server is not started until Start,
// StartAsync, or StartAsyncTLS is called.
func NewServer(addr string, trustSvc TrustService) *Server {
	return &Server{
		addr:         addr,
		clients:      make(map[*Client]bool),
		broadcast:    make(chan Message, channelBufferSize),
		trust:        trustSvc,
		agentPending: make(map[string]chan AgentResultPayload),
		agentTimeout: defaultAgentRequestTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Companion phones connect from arbitrary addresses on the
			// vehicle network; authentication happens via bearer token,
			// not origin checks.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// closeSend signals the client to shut down exactly once.
// It closes the done channel, which writePump interprets as a signal to
// send a close frame and exit. The send channels themselves are never
// closed, avoiding send-on-closed-channel panics from concurrent writers.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	mux := s.createMux()

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go s.runBroadcaster()

	log.Printf("WebSocket server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Companion device connections (JSON control protocol + binary
	// escrow channel frames on the same socket)
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Lock-screen agent connection
	mux.HandleFunc("/agent", s.handleAgentWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.mu.RLock()
	pairHandler := s.pairHandler
	generateCodeHandler := s.generateCodeHandler
	s.mu.RUnlock()

	if pairHandler != nil {
		mux.Handle("/pair", pairHandler)
		log.Printf("Pairing endpoint registered at /pair")
	}

	if generateCodeHandler != nil {
		mux.Handle("/pair/generate", generateCodeHandler)
		log.Printf("Generate code endpoint registered at /pair/generate")
	}

	// Admin endpoints: device listing/revocation and trusted device
	// management. Guarded by the admin token.
	mux.Handle("/devices", s.adminOnly(http.HandlerFunc(s.handleListDevices)))
	mux.Handle("/devices/", s.adminOnly(http.HandlerFunc(s.handleDeviceAction)))
	mux.Handle("/trusted", s.adminOnly(http.HandlerFunc(s.handleListTrusted)))
	mux.Handle("/trusted/", s.adminOnly(http.HandlerFunc(s.handleTrustedAction)))

	return mux
}

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	go s.runBroadcaster()

	go func() {
		log.Printf("WebSocket server listening on %s", s.addr)
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("WebSocket server error: %v", err)
		}
	}()

	return errCh
}

// TLSConfig holds the TLS configuration for the server.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file.
	CertPath string
	// KeyPath is the path to the TLS private key file.
	KeyPath string
}

// StartAsyncTLS starts the server with TLS in a goroutine and returns any
// startup errors. When TLS is configured, the server only accepts
// HTTPS/WSS connections, rejecting any plaintext HTTP/WS attempts.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		ln.Close()
		errCh <- fmt.Errorf("failed to load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}

	// MinVersion TLS 1.2 excludes older insecure protocol versions.
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	tlsLn := tls.NewListener(ln, tlsConfig)

	s.httpServer = &http.Server{
		Handler: mux,
	}

	go s.runBroadcaster()

	go func() {
		log.Printf("WebSocket server listening on %s (TLS enabled)", s.addr)
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			log.Printf("WebSocket server error: %v", err)
		}
	}()

	return errCh
}

// Stop gracefully shuts down the server.
// It sends close frames to all clients, closes connections, and stops
// accepting new ones. This also closes the broadcast channel to allow
// the runBroadcaster goroutine to exit cleanly.
func (s *Server) Stop() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil // Already stopped
	}
	s.stopped = true

	// Signal all clients to stop. writePump sends the close frame and
	// closes the connection when it sees done; we don't write directly
	// here to avoid racing with writePump.
	for client := range s.clients {
		client.closeSend()
	}

	// Clear the clients map
	s.clients = make(map[*Client]bool)
	s.agent = nil

	// Close the broadcast channel to allow runBroadcaster to exit.
	// This must happen after setting stopped=true to prevent panics
	// from concurrent Broadcast() calls.
	close(s.broadcast)

	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Broadcast sends a message to all connected companion clients.
// This method is non-blocking; messages are queued for delivery.
// If the server has been stopped, this method does nothing.
func (s *Server) Broadcast(msg Message) {
	// Hold RLock while checking stopped AND sending to avoid race with
	// Stop(), which takes the write lock before closing the channel.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- msg:
	default:
		log.Printf("Warning: broadcast channel full, dropping message")
	}
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseDeviceConnections closes all active WebSocket connections for the
// given device. This is called when a device is revoked to immediately
// terminate access. Returns the number of connections that were closed.
// Thread-safe.
func (s *Server) CloseDeviceConnections(deviceID string) int {
	if deviceID == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var closed int
	for client := range s.clients {
		if client.device.DeviceID == deviceID {
			client.closeSend()
			closed++
			log.Printf("Closed connection for revoked device %s", deviceID)
		}
	}

	return closed
}

// SetTokenValidator sets the token validation function for WebSocket auth.
// When requireAuth is true, connections without valid tokens are rejected.
func (s *Server) SetTokenValidator(validator TokenValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenValidator = validator
}

// SetRequireAuth controls whether authentication is required.
// When true, all companion WebSocket connections must provide a valid token.
func (s *Server) SetRequireAuth(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = require
}

// SetDeviceActivityTracker sets the callback for tracking device activity.
// This is called when a message is received from an authenticated client,
// allowing the application to update last_seen timestamps.
func (s *Server) SetDeviceActivityTracker(tracker DeviceActivityTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceActivityTracker = tracker
}

// SetAgentAuthorizer sets the validator for the admin token presented by
// the lock-screen agent and by admin HTTP requests.
func (s *Server) SetAgentAuthorizer(authorize func(token string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentAuthorizer = authorize
}

// SetPairHandler sets the HTTP handler for the /pair endpoint.
// This must be called before Start() or StartAsync().
func (s *Server) SetPairHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairHandler = handler
}

// SetGenerateCodeHandler sets the HTTP handler for the /pair/generate
// endpoint. This must be called before Start() or StartAsync().
func (s *Server) SetGenerateCodeHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generateCodeHandler = handler
}

// handleWebSocket upgrades an HTTP connection to a companion device
// WebSocket connection. This is called by the HTTP server for each new
// connection to /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	requireAuth := s.requireAuth
	tokenValidator := s.tokenValidator
	s.mu.RUnlock()

	var identity DeviceIdentity

	if requireAuth && tokenValidator != nil {
		token := extractBearerToken(r)
		if token == "" {
			log.Printf("WebSocket connection rejected: missing authorization token")
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}

		var err error
		identity, err = tokenValidator(token)
		if err != nil {
			log.Printf("WebSocket connection rejected: invalid token: %v", err)
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		log.Printf("WebSocket connection authenticated for device %s", identity.DeviceID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:         conn,
		send:         make(chan Message, channelBufferSize),
		sendBinary:   make(chan []byte, channelBufferSize),
		done:         make(chan struct{}),
		server:       s,
		registrantID: uuid.NewString(),
		device:       identity,
		// Escrow channel frames are rare (one per enrollment or unlock
		// attempt); anything faster is a misbehaving client.
		inputLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	s.mu.Unlock()

	log.Printf("Client connected (%d total)", s.ClientCount())

	// Register for trust manager notifications. The done channel doubles
	// as the registrant's Closed() signal, so the manager reclaims the
	// registrations even if unregister is never called.
	s.trust.RegisterTrustedDeviceCallback(client)
	s.trust.RegisterAssociatedDeviceCallback(client)
	s.trust.AddOnValidateCredentialsRequestListener(client)

	if identity.DeviceID != "" {
		s.trust.OnDeviceConnected(trust.CompanionDevice{
			DeviceID: identity.DeviceID,
			Name:     identity.Name,
			UserID:   identity.UserID,
		})
	}

	go client.writePump()
	go client.readPump()
}

// extractBearerToken extracts the token from an Authorization header.
// Returns empty string if no valid bearer token is found.
// Supports both "Bearer <token>" header and "token" query parameter as
// fallback (some WebSocket clients don't support custom headers).
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		const bearerPrefix = "Bearer "
		if len(auth) > len(bearerPrefix) {
			prefix := auth[:len(bearerPrefix)]
			if prefix == bearerPrefix || prefix == "bearer " {
				return auth[len(bearerPrefix):]
			}
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

// runBroadcaster reads from the broadcast channel and sends to all
// companion clients. This runs in its own goroutine started by Start().
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			if client.isAgent {
				continue
			}
			// Try to send to each client, but don't block if their buffer
			// is full or if the client is shutting down.
			select {
			case <-client.done:
				// Client is shutting down - skip
			case client.send <- msg:
			default:
				log.Printf("Warning: client send buffer full, dropping message")
			}
		}
		s.mu.RUnlock()
	}
}
