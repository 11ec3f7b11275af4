// Package errors provides standardized error codes for the companion host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (trust, storage, channel, auth, agent)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by client processes (settings UI,
// keyguard agent, mobile companion app) for programmatic error handling.
// Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that clients can rely on for error handling.
const (
	// Trust domain - enrollment and unlock protocol errors
	CodeTrustDelegateUnavailable = "trust.delegate_unavailable" // No trust agent delegate is bound
	CodeTrustNoPendingDevice     = "trust.no_pending_device"    // Activation arrived with no enrollment in flight
	CodeTrustInvalidToken        = "trust.invalid_token"        // Escrow token has the wrong length
	CodeTrustInvalidCredentials  = "trust.invalid_credentials"  // Credentials payload failed to parse
	CodeTrustInactiveUser        = "trust.inactive_user"        // Credentials reference a background user
	CodeTrustDeviceNotFound      = "trust.device_not_found"     // No trusted device record for the id
	CodeTrustStopped             = "trust.stopped"              // Manager has been stopped

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Record not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Channel domain - secure channel / companion transport errors
	CodeChannelNotConnected  = "channel.not_connected"  // Companion device has no open channel
	CodeChannelSendFailed    = "channel.send_failed"    // Failed to send a message to the device
	CodeChannelUpgradeFailed = "channel.upgrade_failed" // WebSocket upgrade failed
	CodeChannelRateLimited   = "channel.rate_limited"   // Too many messages from the device

	// Agent domain - trust agent delegate call failures
	CodeAgentAddTokenFailed    = "agent.add_token_failed"    // addEscrowToken call failed
	CodeAgentRemoveTokenFailed = "agent.remove_token_failed" // removeEscrowToken call failed
	CodeAgentUnlockFailed      = "agent.unlock_failed"       // unlockUserWithToken call failed

	// Auth domain - pairing and token validation
	CodeAuthRequired      = "auth.required"       // Authentication required
	CodeAuthInvalid       = "auth.invalid"        // Invalid token or credentials
	CodeAuthDeviceRevoked = "auth.device_revoked" // Device has been revoked

	// Auth pairing sub-domain - /pair endpoint failures
	CodeAuthPairMethodNotAllowed = "auth.pair_method_not_allowed"
	CodeAuthPairInvalidRequest   = "auth.pair_invalid_request"
	CodeAuthPairMissingCode      = "auth.pair_missing_code"
	CodeAuthPairInvalidCode      = "auth.pair_invalid_code"
	CodeAuthPairExpiredCode      = "auth.pair_expired_code"
	CodeAuthPairUsedCode         = "auth.pair_used_code"
	CodeAuthPairRateLimited      = "auth.pair_rate_limited"
	CodeAuthPairInternal         = "auth.pair_internal"

	// Auth pairing sub-domain - /pair/generate endpoint failures
	CodeAuthPairGenerateForbidden        = "auth.pair_generate_forbidden"
	CodeAuthPairGenerateMethodNotAllowed = "auth.pair_generate_method_not_allowed"
	CodeAuthPairGenerateInternal         = "auth.pair_generate_internal"

	// Server domain - client WebSocket errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerHandlerMissing = "server.handler_missing" // No handler for message type
	CodeServerSendFailed     = "server.send_failed"     // Failed to send message

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "trust.delegate_unavailable")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// nextActions maps failure codes that surface during onboarding and
// day-to-day operation to a single primary recovery action for the operator.
// Codes without an entry are internal and surface through logs only.
var nextActions = map[string]string{
	CodeAuthPairMethodNotAllowed:         "Use POST to submit a pairing code.",
	CodeAuthPairInvalidRequest:           "Resend the pairing request with a valid JSON body.",
	CodeAuthPairMissingCode:              "Enter the pairing code shown by 'companiond pair'.",
	CodeAuthPairInvalidCode:              "Check the code and try again, or generate a new one.",
	CodeAuthPairExpiredCode:              "Generate a fresh code with 'companiond pair'.",
	CodeAuthPairUsedCode:                 "Generate a fresh code with 'companiond pair'.",
	CodeAuthPairRateLimited:              "Wait a minute before retrying.",
	CodeAuthPairInternal:                 "Retry; if it persists, check the host logs.",
	CodeAuthPairGenerateForbidden:        "Run 'companiond pair' on the head unit itself.",
	CodeAuthPairGenerateMethodNotAllowed: "Use POST to generate a pairing code.",
	CodeAuthPairGenerateInternal:         "Retry; if it persists, check the host logs.",
	CodeAuthRequired:                     "Pair the device before connecting.",
	CodeAuthInvalid:                      "Re-pair the device to obtain a new token.",
	CodeAuthDeviceRevoked:                "Re-pair the device to restore access.",
	CodeTrustDelegateUnavailable:         "Wait for the keyguard agent to reconnect, then retry.",
}

// GetNextAction returns the primary recovery action for an error code.
// Returns an empty string when no action is defined.
func GetNextAction(code string) string {
	return nextActions[code]
}

// Common error constructors for frequently used error types.

// DelegateUnavailable creates a "trust.delegate_unavailable" error.
// Operations that cannot safely defer (explicit removal) refuse with this.
func DelegateUnavailable(operation string) *CodedError {
	return New(CodeTrustDelegateUnavailable,
		fmt.Sprintf("no trust agent delegate bound, cannot %s", operation))
}

// TrustedDeviceNotFound creates a "trust.device_not_found" error.
func TrustedDeviceNotFound(deviceID string) *CodedError {
	return New(CodeTrustDeviceNotFound,
		fmt.Sprintf("no trusted device record for %s", deviceID))
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// ChannelNotConnected creates a "channel.not_connected" error.
func ChannelNotConnected(deviceID string) *CodedError {
	return New(CodeChannelNotConnected,
		fmt.Sprintf("device %s has no open secure channel", deviceID))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
