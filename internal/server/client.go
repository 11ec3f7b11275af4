package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/errors"
	"github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/trust"
)

// writePump continuously sends messages from the send channels to the
// WebSocket. JSON protocol messages and binary escrow channel frames share
// the connection; frame type tells the phone which is which. It also sends
// periodic pings to keep the connection alive.
func (c *Client) writePump() {
	// Pings help detect dead connections and keep NAT/firewalls happy.
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Write error: %v", err)
				return
			}

		case frame := <-c.sendBinary:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Printf("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket and handles them.
// Text frames carry the JSON control protocol; binary frames are escrow
// channel payloads handed to the trust manager. It exits when the client
// disconnects, which triggers unregistration everywhere.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		// Use closeSend() to safely signal shutdown. Stop() may have
		// already done so. This tells writePump to exit, which closes
		// the connection, and tells the trust manager registries that
		// this registrant is dead.
		c.closeSend()

		if c.isAgent {
			c.server.detachAgent(c)
		} else {
			c.server.trust.UnregisterTrustedDeviceCallback(c)
			c.server.trust.UnregisterAssociatedDeviceCallback(c)
			c.server.trust.RemoveOnValidateCredentialsRequestListener(c)

			if c.device.DeviceID != "" {
				c.server.trust.OnDeviceDisconnected(trust.CompanionDevice{
					DeviceID: c.device.DeviceID,
					Name:     c.device.Name,
					UserID:   c.device.UserID,
				})
			}
		}

		log.Printf("Client disconnected (%d remaining)", c.server.ClientCount())
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Pongs (responses to our pings) reset the read deadline.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		// Track device activity for authenticated clients.
		if c.device.DeviceID != "" {
			c.server.mu.RLock()
			tracker := c.server.deviceActivityTracker
			c.server.mu.RUnlock()

			if tracker != nil {
				tracker(c.device.DeviceID)
			}
		}

		if frameType == websocket.BinaryMessage {
			c.handleEscrowFrame(data)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		if c.isAgent {
			c.handleAgentMessage(msg, data)
			continue
		}

		switch msg.Type {
		case MessageTypeTrustedDeviceList:
			c.handleTrustedDeviceList(msg.ID)
		case MessageTypeTrustedDeviceRemove:
			c.handleTrustedDeviceRemove(msg.ID, data)
		case MessageTypeConnectedDeviceList:
			c.handleConnectedDeviceList(msg.ID)
		case MessageTypeHeartbeat:
			c.sendMessage(Message{Type: MessageTypeHeartbeat, ID: msg.ID})
		default:
			log.Printf("Received message: type=%s", msg.Type)
		}
	}
}

// handleEscrowFrame forwards a binary escrow channel payload to the trust
// manager. The manager classifies it (escrow token vs credentials) and runs
// the enrollment or unlock flow on its own worker.
func (c *Client) handleEscrowFrame(payload []byte) {
	if c.isAgent {
		log.Printf("Ignoring binary frame from agent connection")
		return
	}
	if c.device.DeviceID == "" {
		log.Printf("Ignoring escrow frame from unauthenticated connection")
		return
	}
	if !c.inputLimiter.Allow() {
		log.Printf("Rate limit exceeded for device %s, dropping escrow frame", c.device.DeviceID)
		c.sendMessage(NewErrorMessage(apperrors.CodeChannelRateLimited,
			"too many escrow channel messages"))
		return
	}

	c.server.trust.OnMessageReceived(trust.CompanionDevice{
		DeviceID: c.device.DeviceID,
		Name:     c.device.Name,
		UserID:   c.device.UserID,
	}, payload)
}

// handleTrustedDeviceList replies with the trusted devices enrolled for the
// active user.
func (c *Client) handleTrustedDeviceList(requestID string) {
	records, err := c.server.trust.GetTrustedDevicesForActiveUser()
	if err != nil {
		log.Printf("Failed to list trusted devices: %v", err)
		code, message := apperrors.ToCodeAndMessage(err)
		c.sendMessage(Message{Type: MessageTypeError, ID: requestID,
			Payload: ErrorPayload{Code: code, Message: message}})
		return
	}

	infos := make([]TrustedDeviceInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, trustedDeviceInfo(record))
	}

	c.sendMessage(Message{
		Type:    MessageTypeTrustedDeviceListResult,
		ID:      requestID,
		Payload: TrustedDeviceListPayload{Devices: infos},
	})
}

// handleTrustedDeviceRemove processes a trusted_device.remove request.
// The trust manager revokes the escrow token on the agent before deleting
// the record; failures leave the record intact and are reported back.
func (c *Client) handleTrustedDeviceRemove(requestID string, data []byte) {
	var msg struct {
		Type    MessageType                `json:"type"`
		ID      string                     `json:"id,omitempty"`
		Payload TrustedDeviceRemovePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse trusted_device.remove payload: %v", err)
		c.sendRemoveResult(requestID, "", false,
			apperrors.CodeServerInvalidMessage, "invalid message format")
		return
	}

	deviceID := msg.Payload.DeviceID
	if deviceID == "" {
		log.Printf("trusted_device.remove missing device_id")
		c.sendRemoveResult(requestID, "", false,
			apperrors.CodeServerInvalidMessage, "device_id is required")
		return
	}

	if err := c.server.trust.RemoveTrustedDevice(deviceID); err != nil {
		log.Printf("Trusted device removal failed for %s: %v", deviceID, err)
		code, message := apperrors.ToCodeAndMessage(err)
		c.sendRemoveResult(requestID, deviceID, false, code, message)
		return
	}

	log.Printf("Trusted device removed: %s", deviceID)
	c.sendRemoveResult(requestID, deviceID, true, "", "")
}

// sendRemoveResult sends a trusted_device.remove_result to this client.
// For failures, provide both errCode and errMsg. For success, both should
// be empty.
func (c *Client) sendRemoveResult(requestID, deviceID string, success bool, errCode, errMsg string) {
	c.sendMessage(Message{
		Type: MessageTypeTrustedDeviceRemoveResult,
		ID:   requestID,
		Payload: TrustedDeviceRemoveResultPayload{
			DeviceID:     deviceID,
			Success:      success,
			ErrorCode:    errCode,
			ErrorMessage: errMsg,
		},
	})
}

// handleConnectedDeviceList replies with the connected devices belonging to
// the active user.
func (c *Client) handleConnectedDeviceList(requestID string) {
	devices := c.server.trust.GetActiveUserConnectedDevices()

	infos := make([]ConnectedDeviceInfo, 0, len(devices))
	for _, device := range devices {
		infos = append(infos, ConnectedDeviceInfo{
			DeviceID: device.DeviceID,
			Name:     device.Name,
			UserID:   device.UserID,
		})
	}

	c.sendMessage(Message{
		Type:    MessageTypeConnectedDeviceListResult,
		ID:      requestID,
		Payload: ConnectedDeviceListPayload{Devices: infos},
	})
}

// sendMessage queues a JSON message to this client without blocking.
// Messages are dropped with a log line if the client's buffer is full.
func (c *Client) sendMessage(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("Warning: client send buffer full, dropping %s", msg.Type)
	}
}

// RegistrantID identifies this connection in trust manager registries.
func (c *Client) RegistrantID() string {
	return c.registrantID
}

// Closed reports connection shutdown to trust manager registries, letting
// them reclaim registrations for dead connections.
func (c *Client) Closed() <-chan struct{} {
	return c.done
}

// OnTrustedDeviceAdded forwards a trust manager enrollment event to the phone.
func (c *Client) OnTrustedDeviceAdded(device *trust.TrustedDevice) error {
	c.sendMessage(NewTrustedDeviceAddedMessage(trustedDeviceInfo(device)))
	return nil
}

// OnTrustedDeviceRemoved forwards a trust manager removal event to the phone.
func (c *Client) OnTrustedDeviceRemoved(device *trust.TrustedDevice) error {
	c.sendMessage(NewTrustedDeviceRemovedMessage(trustedDeviceInfo(device)))
	return nil
}

// OnValidateCredentialsRequest prompts the phone to send its stored
// credentials over the escrow channel.
func (c *Client) OnValidateCredentialsRequest() error {
	c.sendMessage(NewValidateCredentialsMessage())
	return nil
}

// OnAssociatedDeviceAdded forwards a pairing event to the phone.
func (c *Client) OnAssociatedDeviceAdded(device trust.CompanionDevice) error {
	c.sendMessage(NewAssociatedDeviceAddedMessage(device.DeviceID, device.Name, device.UserID))
	return nil
}

// OnAssociatedDeviceRemoved forwards an unpair event to the phone.
func (c *Client) OnAssociatedDeviceRemoved(device trust.CompanionDevice) error {
	c.sendMessage(NewAssociatedDeviceRemovedMessage(device.DeviceID, device.Name, device.UserID))
	return nil
}

// trustedDeviceInfo converts a stored record to its wire representation.
func trustedDeviceInfo(record *trust.TrustedDevice) TrustedDeviceInfo {
	return TrustedDeviceInfo{
		DeviceID:   record.DeviceID,
		UserID:     record.UserID,
		Handle:     formatHandle(record.Handle),
		EnrolledAt: record.EnrolledAt.UTC().Format(time.RFC3339Nano),
	}
}
