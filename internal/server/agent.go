package server

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/errors"
)

// The lock-screen agent is a privileged local process that performs the
// actual OS credential operations: registering escrow tokens, revoking
// handles, and unlocking users. It connects to /agent authenticated with
// the admin token. While an agent is connected, the trust manager's
// delegate routes token operations over this link; when it disconnects,
// the delegate is detached and the manager falls back to holding pending
// work.

// handleAgentWebSocket upgrades an HTTP connection to the agent WebSocket.
// Only one agent may be connected at a time; a new agent replaces the
// previous connection.
func (s *Server) handleAgentWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	authorize := s.agentAuthorizer
	s.mu.RUnlock()

	if authorize == nil {
		log.Printf("Agent connection rejected: no agent authorizer configured")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	token := extractBearerToken(r)
	if token == "" || !authorize(token) {
		log.Printf("Agent connection rejected: invalid admin token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Agent upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:         conn,
		send:         make(chan Message, channelBufferSize),
		sendBinary:   make(chan []byte, channelBufferSize),
		done:         make(chan struct{}),
		server:       s,
		registrantID: uuid.NewString(),
		isAgent:      true,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	previous := s.agent
	s.agent = client
	s.clients[client] = true
	s.mu.Unlock()

	if previous != nil {
		log.Printf("Replacing existing agent connection")
		previous.closeSend()
	}

	log.Printf("Lock-screen agent connected")

	go client.writePump()
	go client.readPump()

	// Attaching the delegate may immediately submit a held escrow token
	// or replay buffered credentials, so the pumps must be running first.
	s.trust.SetTrustedDeviceAgentDelegate(&agentDelegate{server: s})
}

// detachAgent clears the agent connection state after a disconnect.
// Pending correlated requests are failed so callers are not left waiting
// for a reply that will never arrive.
func (s *Server) detachAgent(c *Client) {
	s.mu.Lock()
	if s.agent != c {
		// A replacement agent already took over; nothing to detach.
		s.mu.Unlock()
		return
	}
	s.agent = nil
	pending := s.agentPending
	s.agentPending = make(map[string]chan AgentResultPayload)
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- AgentResultPayload{
			Success:      false,
			ErrorCode:    apperrors.CodeChannelNotConnected,
			ErrorMessage: "agent disconnected",
		}
		log.Printf("Failed pending agent request %s: agent disconnected", id)
	}

	log.Printf("Lock-screen agent disconnected")
	s.trust.SetTrustedDeviceAgentDelegate(nil)
}

// handleAgentMessage dispatches a JSON message received from the agent.
func (c *Client) handleAgentMessage(msg Message, data []byte) {
	switch msg.Type {
	case MessageTypeAgentTokenAdded:
		userID, handle, ok := parseAgentTokenEvent(data)
		if !ok {
			return
		}
		c.server.trust.OnEscrowTokenAdded(userID, handle)

	case MessageTypeAgentTokenActivated:
		userID, handle, ok := parseAgentTokenEvent(data)
		if !ok {
			return
		}
		c.server.trust.OnEscrowTokenActivated(userID, handle)

	case MessageTypeAgentResult:
		c.server.resolveAgentResult(msg.ID, data)

	case MessageTypeHeartbeat:
		c.sendMessage(Message{Type: MessageTypeHeartbeat, ID: msg.ID})

	default:
		log.Printf("Received agent message: type=%s", msg.Type)
	}
}

// parseAgentTokenEvent extracts the user and handle from an agent token
// event. Returns ok=false (with a log line) on malformed payloads.
func parseAgentTokenEvent(data []byte) (userID int, handle int64, ok bool) {
	var msg struct {
		Type    MessageType            `json:"type"`
		Payload AgentTokenEventPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse agent token event: %v", err)
		return 0, 0, false
	}

	handle, err := parseHandle(msg.Payload.Handle)
	if err != nil {
		log.Printf("Agent token event has invalid handle %q: %v", msg.Payload.Handle, err)
		return 0, 0, false
	}

	return msg.Payload.UserID, handle, true
}

// resolveAgentResult delivers an agent.result to the caller waiting on the
// matching request ID. Unmatched results (late replies after a timeout)
// are logged and dropped.
func (s *Server) resolveAgentResult(requestID string, data []byte) {
	if requestID == "" {
		log.Printf("Ignoring agent.result without request id")
		return
	}

	var msg struct {
		Type    MessageType        `json:"type"`
		Payload AgentResultPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse agent.result: %v", err)
		return
	}

	s.mu.Lock()
	ch, found := s.agentPending[requestID]
	if found {
		delete(s.agentPending, requestID)
	}
	s.mu.Unlock()

	if !found {
		log.Printf("Ignoring agent.result for unknown request %s", requestID)
		return
	}

	ch <- msg.Payload
}

// sendToAgent queues a message on the current agent connection.
func (s *Server) sendToAgent(msg Message) error {
	s.mu.RLock()
	agent := s.agent
	s.mu.RUnlock()

	if agent == nil {
		return apperrors.New(apperrors.CodeChannelNotConnected, "agent not connected")
	}

	select {
	case <-agent.done:
		return apperrors.New(apperrors.CodeChannelNotConnected, "agent disconnecting")
	case agent.send <- msg:
		return nil
	default:
		return apperrors.New(apperrors.CodeChannelSendFailed, "agent send buffer full")
	}
}

// requestAgent sends a correlated request to the agent and waits for the
// matching agent.result, up to the server's agent timeout. Callers run on
// the trust manager's worker and block it for the full wait on a hung
// agent, so the timeout must stay small.
func (s *Server) requestAgent(msg Message) (AgentResultPayload, error) {
	requestID := uuid.NewString()
	msg.ID = requestID

	// Buffered so a late resolve never blocks resolveAgentResult.
	reply := make(chan AgentResultPayload, 1)

	s.mu.Lock()
	s.agentPending[requestID] = reply
	s.mu.Unlock()

	if err := s.sendToAgent(msg); err != nil {
		s.mu.Lock()
		delete(s.agentPending, requestID)
		s.mu.Unlock()
		return AgentResultPayload{}, err
	}

	select {
	case result := <-reply:
		return result, nil
	case <-time.After(s.agentTimeout):
		s.mu.Lock()
		delete(s.agentPending, requestID)
		s.mu.Unlock()
		return AgentResultPayload{}, apperrors.New(apperrors.CodeChannelSendFailed,
			"timed out waiting for agent reply")
	}
}

// agentDelegate adapts the agent WebSocket link to the trust manager's
// delegate interface.
type agentDelegate struct {
	server *Server
}

// AddEscrowToken submits a token to the agent for registration. The call
// returns once the request is queued; the agent reports completion
// asynchronously via agent.token_added and agent.token_activated events.
func (d *agentDelegate) AddEscrowToken(token []byte, userID int) error {
	err := d.server.sendToAgent(Message{
		Type: MessageTypeAgentAddToken,
		Payload: AgentAddTokenPayload{
			Token:  base64.StdEncoding.EncodeToString(token),
			UserID: userID,
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAgentAddTokenFailed,
			"failed to submit escrow token to agent", err)
	}
	return nil
}

// RemoveEscrowToken revokes a token handle on the agent and waits for the
// result. A failure here means the token may still unlock the user, so the
// trust manager keeps its record.
func (d *agentDelegate) RemoveEscrowToken(handle int64, userID int) error {
	result, err := d.server.requestAgent(Message{
		Type: MessageTypeAgentRemoveToken,
		Payload: AgentRemoveTokenPayload{
			Handle: formatHandle(handle),
			UserID: userID,
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAgentRemoveTokenFailed,
			"failed to revoke escrow token", err)
	}
	if !result.Success {
		return apperrors.New(apperrors.CodeAgentRemoveTokenFailed, result.ErrorMessage)
	}
	return nil
}

// UnlockUserWithToken asks the agent to unlock a user and waits for the
// result. The trust manager only acknowledges the phone after success.
func (d *agentDelegate) UnlockUserWithToken(token []byte, handle int64, userID int) error {
	result, err := d.server.requestAgent(Message{
		Type: MessageTypeAgentUnlockUser,
		Payload: AgentUnlockPayload{
			Token:  base64.StdEncoding.EncodeToString(token),
			Handle: formatHandle(handle),
			UserID: userID,
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAgentUnlockFailed,
			"failed to unlock user", err)
	}
	if !result.Success {
		return apperrors.New(apperrors.CodeAgentUnlockFailed, result.ErrorMessage)
	}
	return nil
}

// formatHandle renders a token handle as a decimal string for JSON
// payloads. Handles are full 64-bit values; JSON numbers would lose
// precision past 2^53 in JavaScript clients.
func formatHandle(handle int64) string {
	return strconv.FormatInt(handle, 10)
}

// parseHandle parses a decimal handle string.
func parseHandle(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
