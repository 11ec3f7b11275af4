// Package server provides the WebSocket server for companion device
// connections. It carries the JSON control protocol for paired phones
// (trusted device lists, enrollment prompts, removal requests), the
// binary escrow channel frames that feed the trust manager, and the
// agent link to the OS lock-screen agent.
package server

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeTrustedDeviceAdded notifies clients that a device finished
	// enrollment and is now trusted for its user.
	// Payload: TrustedDevicePayload
	MessageTypeTrustedDeviceAdded MessageType = "trusted_device.added"

	// MessageTypeTrustedDeviceRemoved notifies clients that a trusted device
	// record was removed (explicit removal or unpair cascade).
	// Payload: TrustedDevicePayload
	MessageTypeTrustedDeviceRemoved MessageType = "trusted_device.removed"

	// MessageTypeTrustedDeviceList is sent by clients to request the trusted
	// devices enrolled for the active user.
	// Payload: none
	MessageTypeTrustedDeviceList MessageType = "trusted_device.list"

	// MessageTypeTrustedDeviceListResult carries the trusted device list.
	// Payload: TrustedDeviceListPayload
	MessageTypeTrustedDeviceListResult MessageType = "trusted_device.list_result"

	// MessageTypeTrustedDeviceRemove is sent by clients to remove a trusted
	// device. The escrow token is revoked on the agent before the record is
	// deleted.
	// Payload: TrustedDeviceRemovePayload
	MessageTypeTrustedDeviceRemove MessageType = "trusted_device.remove"

	// MessageTypeTrustedDeviceRemoveResult confirms or rejects a removal.
	// Payload: TrustedDeviceRemoveResultPayload
	MessageTypeTrustedDeviceRemoveResult MessageType = "trusted_device.remove_result"

	// MessageTypeConnectedDeviceList is sent by clients to request the
	// currently connected devices belonging to the active user.
	// Payload: none
	MessageTypeConnectedDeviceList MessageType = "connected_device.list"

	// MessageTypeConnectedDeviceListResult carries the connected device list.
	// Payload: ConnectedDeviceListPayload
	MessageTypeConnectedDeviceListResult MessageType = "connected_device.list_result"

	// MessageTypeAssociatedDeviceAdded notifies clients that a new device
	// completed pairing with the head unit.
	// Payload: AssociatedDevicePayload
	MessageTypeAssociatedDeviceAdded MessageType = "associated_device.added"

	// MessageTypeAssociatedDeviceRemoved notifies clients that a paired
	// device was unpaired.
	// Payload: AssociatedDevicePayload
	MessageTypeAssociatedDeviceRemoved MessageType = "associated_device.removed"

	// MessageTypeEnrollmentStarted notifies clients that an escrow token was
	// received from a phone and enrollment is in progress.
	// Payload: EnrollmentStartedPayload
	MessageTypeEnrollmentStarted MessageType = "enrollment.started"

	// MessageTypeValidateCredentials prompts the phone to send its stored
	// credentials over the escrow channel. Sent when the agent has accepted
	// an escrow token and the host is waiting for confirmation.
	// Payload: none
	MessageTypeValidateCredentials MessageType = "enrollment.validate_credentials"

	// MessageTypeError sends error information to clients.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"

	// MessageTypeHeartbeat is used to keep the connection alive.
	// Payload: none (empty object)
	MessageTypeHeartbeat MessageType = "heartbeat"

	// Agent link messages. The agent is the privileged local process that
	// talks to the OS lock screen. Requests from the host carry an ID;
	// the agent echoes it back in agent.result so callers can correlate.

	// MessageTypeAgentAddToken asks the agent to register an escrow token
	// for a user. The agent answers asynchronously with agent.token_added
	// once the token exists, then agent.token_activated once the user has
	// confirmed their primary credential.
	// Payload: AgentAddTokenPayload
	MessageTypeAgentAddToken MessageType = "agent.add_escrow_token"

	// MessageTypeAgentRemoveToken asks the agent to revoke a token handle.
	// Payload: AgentRemoveTokenPayload
	MessageTypeAgentRemoveToken MessageType = "agent.remove_escrow_token"

	// MessageTypeAgentUnlockUser asks the agent to unlock a user with a
	// token and handle pair.
	// Payload: AgentUnlockPayload
	MessageTypeAgentUnlockUser MessageType = "agent.unlock_user"

	// MessageTypeAgentTokenAdded is sent by the agent when an escrow token
	// has been registered with the OS.
	// Payload: AgentTokenEventPayload
	MessageTypeAgentTokenAdded MessageType = "agent.token_added"

	// MessageTypeAgentTokenActivated is sent by the agent when the user has
	// activated a pending token by confirming their credential.
	// Payload: AgentTokenEventPayload
	MessageTypeAgentTokenActivated MessageType = "agent.token_activated"

	// MessageTypeAgentResult is the agent's reply to a correlated request
	// (remove_escrow_token, unlock_user).
	// Payload: AgentResultPayload
	MessageTypeAgentResult MessageType = "agent.result"
)

// Message is the envelope for all WebSocket messages.
// The ID field correlates requests with their results; it is copied
// verbatim into the matching *_result message when present.
type Message struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// TrustedDeviceInfo describes one enrolled trusted device.
// Handle is a decimal string: token handles are full 64-bit values and
// would lose precision as JSON numbers in JavaScript clients.
type TrustedDeviceInfo struct {
	DeviceID   string `json:"device_id"`
	UserID     int    `json:"user_id"`
	Handle     string `json:"handle"`
	EnrolledAt string `json:"enrolled_at"`
}

// TrustedDevicePayload accompanies trusted_device.added/removed events.
type TrustedDevicePayload struct {
	Device TrustedDeviceInfo `json:"device"`
}

// TrustedDeviceListPayload carries the enrolled devices for the active user.
type TrustedDeviceListPayload struct {
	Devices []TrustedDeviceInfo `json:"devices"`
}

// TrustedDeviceRemovePayload identifies the device to remove.
type TrustedDeviceRemovePayload struct {
	DeviceID string `json:"device_id"`
}

// TrustedDeviceRemoveResultPayload reports the outcome of a removal request.
// For failures, ErrorCode and ErrorMessage describe what went wrong.
type TrustedDeviceRemoveResultPayload struct {
	DeviceID     string `json:"device_id"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ConnectedDeviceInfo describes one currently connected companion device.
type ConnectedDeviceInfo struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	UserID   int    `json:"user_id"`
}

// ConnectedDeviceListPayload carries the connected devices for the active user.
type ConnectedDeviceListPayload struct {
	Devices []ConnectedDeviceInfo `json:"devices"`
}

// AssociatedDevicePayload accompanies associated_device.added/removed events.
type AssociatedDevicePayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	UserID   int    `json:"user_id"`
}

// EnrollmentStartedPayload announces that enrollment began for a device.
type EnrollmentStartedPayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	UserID   int    `json:"user_id"`
}

// ErrorPayload carries error information in error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentAddTokenPayload carries an escrow token for registration.
// Token is base64-encoded raw bytes.
type AgentAddTokenPayload struct {
	Token  string `json:"token"`
	UserID int    `json:"user_id"`
}

// AgentRemoveTokenPayload identifies the token handle to revoke.
// Handle is a decimal string (see TrustedDeviceInfo).
type AgentRemoveTokenPayload struct {
	Handle string `json:"handle"`
	UserID int    `json:"user_id"`
}

// AgentUnlockPayload carries the credentials for an unlock attempt.
type AgentUnlockPayload struct {
	Token  string `json:"token"`
	Handle string `json:"handle"`
	UserID int    `json:"user_id"`
}

// AgentTokenEventPayload accompanies agent.token_added and
// agent.token_activated events.
type AgentTokenEventPayload struct {
	Handle string `json:"handle"`
	UserID int    `json:"user_id"`
}

// AgentResultPayload is the agent's answer to a correlated request.
type AgentResultPayload struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewTrustedDeviceAddedMessage creates a trusted_device.added event.
func NewTrustedDeviceAddedMessage(device TrustedDeviceInfo) Message {
	return Message{
		Type:    MessageTypeTrustedDeviceAdded,
		Payload: TrustedDevicePayload{Device: device},
	}
}

// NewTrustedDeviceRemovedMessage creates a trusted_device.removed event.
func NewTrustedDeviceRemovedMessage(device TrustedDeviceInfo) Message {
	return Message{
		Type:    MessageTypeTrustedDeviceRemoved,
		Payload: TrustedDevicePayload{Device: device},
	}
}

// NewAssociatedDeviceAddedMessage creates an associated_device.added event.
func NewAssociatedDeviceAddedMessage(deviceID, name string, userID int) Message {
	return Message{
		Type:    MessageTypeAssociatedDeviceAdded,
		Payload: AssociatedDevicePayload{DeviceID: deviceID, Name: name, UserID: userID},
	}
}

// NewAssociatedDeviceRemovedMessage creates an associated_device.removed event.
func NewAssociatedDeviceRemovedMessage(deviceID, name string, userID int) Message {
	return Message{
		Type:    MessageTypeAssociatedDeviceRemoved,
		Payload: AssociatedDevicePayload{DeviceID: deviceID, Name: name, UserID: userID},
	}
}

// NewEnrollmentStartedMessage creates an enrollment.started event.
func NewEnrollmentStartedMessage(deviceID, name string, userID int) Message {
	return Message{
		Type:    MessageTypeEnrollmentStarted,
		Payload: EnrollmentStartedPayload{DeviceID: deviceID, Name: name, UserID: userID},
	}
}

// NewValidateCredentialsMessage creates an enrollment.validate_credentials
// prompt. It has no payload; the phone answers on the escrow channel.
func NewValidateCredentialsMessage() Message {
	return Message{Type: MessageTypeValidateCredentials}
}

// NewErrorMessage creates an error message with a standardized code.
func NewErrorMessage(code, message string) Message {
	return Message{
		Type:    MessageTypeError,
		Payload: ErrorPayload{Code: code, Message: message},
	}
}
