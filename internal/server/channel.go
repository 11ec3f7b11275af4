package server

import (
	"log"

	apperrors "github.com/Reloaded-Temp/platform-packages-apps-Car-CompanionDeviceSupport/internal/errors"
)

// SendMessage delivers a raw escrow channel payload to the named device as
// a binary WebSocket frame. The trust manager uses this to send handle
// confirmations during enrollment and unlock acknowledgments.
//
// If the device holds multiple connections, the frame goes to all of them;
// the phone deduplicates by content. Returns an error if no connection for
// the device is open or every open connection's buffer is full.
func (s *Server) SendMessage(deviceID string, payload []byte) error {
	if deviceID == "" {
		return apperrors.New(apperrors.CodeChannelSendFailed, "device id is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var connected, queued int
	for client := range s.clients {
		if client.isAgent || client.device.DeviceID != deviceID {
			continue
		}
		connected++

		select {
		case <-client.done:
		case client.sendBinary <- payload:
			queued++
		default:
			log.Printf("Warning: escrow channel buffer full for device %s", deviceID)
		}
	}

	if connected == 0 {
		return apperrors.ChannelNotConnected(deviceID)
	}
	if queued == 0 {
		return apperrors.New(apperrors.CodeChannelSendFailed,
			"all connections for device are backed up")
	}
	return nil
}
