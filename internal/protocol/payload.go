package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Error payload codes reported back to ground.
const (
	CodeDecode uint8 = iota + 1
	CodeInvalidCommand
	CodePhaseViolation
	CodeSensorTimeout
	CodeSubsystemFault
	CodeQueueOverflow
	CodeLinkLost
)

// Payload shapes are CBOR with integer keys to keep frames small on the
// constrained downlink.

// StatusRequest asks for reports on a set of sensors; empty means all.
type StatusRequest struct {
	Sensors []string `cbor:"1,keyasint,omitempty"`
}

// SubsystemReport is one subsystem's slice of a status report.
type SubsystemReport struct {
	Readings map[string]float64 `cbor:"1,keyasint,omitempty"`
	Status   string             `cbor:"2,keyasint"`
}

// StatusReport is the full health snapshot sent as a Status reply and as
// the final message before shutdown.
type StatusReport struct {
	Phase      string                     `cbor:"1,keyasint"`
	Subsystems map[string]SubsystemReport `cbor:"2,keyasint"`
	Overall    string                     `cbor:"3,keyasint"`
	UnixMS     int64                      `cbor:"4,keyasint"`
}

// DataPayload is one tagged telemetry value.
type DataPayload struct {
	Tag   string          `cbor:"1,keyasint"`
	Value cbor.RawMessage `cbor:"2,keyasint"`
}

// InitPayload requests a mission phase transition.
type InitPayload struct {
	Phase uint8 `cbor:"1,keyasint"`
}

// ResponsePayload acknowledges a command; OK=false means the command was
// rejected or failed.
type ResponsePayload struct {
	OK bool `cbor:"1,keyasint"`
}

// PhaseInfoPayload maps card index 0-9 to a position estimate (Phase 2).
type PhaseInfoPayload struct {
	Positions map[uint8]float64 `cbor:"1,keyasint"`
}

// PhaseCommandPayload carries the ordered target digits (Phase 2).
type PhaseCommandPayload struct {
	Targets []uint8 `cbor:"1,keyasint"`
}

// ImagePayload carries one captured frame.
type ImagePayload struct {
	Frame []byte `cbor:"1,keyasint"`
}

// OverridePayload toggles the live feed and manual control flags.
type OverridePayload struct {
	Live   bool `cbor:"1,keyasint"`
	Manual bool `cbor:"2,keyasint"`
}

// ShutdownPayload starts (or, with Abort set, cancels) the shutdown
// countdown.
type ShutdownPayload struct {
	Seconds uint32 `cbor:"1,keyasint"`
	Abort   bool   `cbor:"2,keyasint,omitempty"`
}

// ErrorPayload reports a recoverable fault to ground.
type ErrorPayload struct {
	Code   uint8  `cbor:"1,keyasint"`
	Detail string `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalPayload encodes a typed payload to CBOR bytes.
func MarshalPayload(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalPayload decodes CBOR payload bytes into a typed payload.
// Decode failures wrap ErrMalformed so callers can classify them.
func UnmarshalPayload(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
