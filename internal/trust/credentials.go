package trust

// credentials.go defines the wire format for escrow tokens and phone
// credentials. A phone sends exactly one of two payload shapes over its
// secure channel:
//
//   - a raw escrow token: exactly 8 opaque bytes (enrollment)
//   - phone credentials: a CBOR map {1: escrow token, 2: handle} (unlock)
//
// The handle travels as 8 big-endian bytes so the phone never needs to
// understand the host's integer representation.

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EscrowTokenLength is the required length of a raw escrow token in bytes.
// Payloads of any other length from an unenrolled device are discarded.
const EscrowTokenLength = 8

// handleLength is the encoded length of a token handle in bytes.
const handleLength = 8

// AckPayload is sent back over the secure channel after a successful unlock.
var AckPayload = []byte("ACK")

// PhoneCredentials is the unlock payload presented by a trusted phone.
// Integer keys keep the encoding compact for constrained transports.
type PhoneCredentials struct {
	// EscrowToken is the 8-byte secret provisioned during enrollment.
	EscrowToken []byte `cbor:"1,keyasint"`

	// Handle is the token handle as 8 big-endian bytes.
	Handle []byte `cbor:"2,keyasint"`
}

// HandleValue decodes the 64-bit handle from its wire encoding.
func (c *PhoneCredentials) HandleValue() (int64, error) {
	return DecodeHandle(c.Handle)
}

// EncodeCredentials serializes credentials for the wire.
// Used by tests and by phone-side tooling.
func EncodeCredentials(escrowToken []byte, handle int64) ([]byte, error) {
	if len(escrowToken) != EscrowTokenLength {
		return nil, fmt.Errorf("escrow token must be %d bytes, got %d", EscrowTokenLength, len(escrowToken))
	}
	return cbor.Marshal(&PhoneCredentials{
		EscrowToken: escrowToken,
		Handle:      EncodeHandle(handle),
	})
}

// ParseCredentials decodes and validates a credentials payload.
// Returns an error if the payload is not well-formed credentials; callers
// use that to classify the payload as a raw escrow token instead.
func ParseCredentials(payload []byte) (*PhoneCredentials, error) {
	var creds PhoneCredentials
	if err := cbor.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}

	// Well-formed credentials carry both fields at their fixed lengths.
	// CBOR will happily decode unrelated maps into an empty struct, so
	// the field checks do the real classification work.
	if len(creds.EscrowToken) != EscrowTokenLength {
		return nil, fmt.Errorf("credentials escrow token must be %d bytes, got %d", EscrowTokenLength, len(creds.EscrowToken))
	}
	if len(creds.Handle) != handleLength {
		return nil, fmt.Errorf("credentials handle must be %d bytes, got %d", handleLength, len(creds.Handle))
	}

	return &creds, nil
}

// EncodeHandle converts a handle to its 8-byte big-endian wire form.
// This is the payload sent to the phone when its token is activated.
func EncodeHandle(handle int64) []byte {
	buf := make([]byte, handleLength)
	binary.BigEndian.PutUint64(buf, uint64(handle))
	return buf
}

// DecodeHandle parses an 8-byte big-endian handle.
func DecodeHandle(b []byte) (int64, error) {
	if len(b) != handleLength {
		return 0, fmt.Errorf("handle must be %d bytes, got %d", handleLength, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
