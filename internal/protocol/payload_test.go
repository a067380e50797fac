package protocol

import (
	"errors"
	"testing"
)

func TestOverridePayloadRoundTrip(t *testing.T) {
	data, err := MarshalPayload(OverridePayload{Live: true, Manual: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got OverridePayload
	if err := UnmarshalPayload(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Live || !got.Manual {
		t.Fatalf("unexpected override payload: %+v", got)
	}
}

func TestPhaseInfoPayloadRoundTrip(t *testing.T) {
	in := PhaseInfoPayload{Positions: map[uint8]float64{0: 1.5, 9: -3.25}}
	data, err := MarshalPayload(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got PhaseInfoPayload
	if err := UnmarshalPayload(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Positions[0] != 1.5 || got.Positions[9] != -3.25 {
		t.Fatalf("unexpected positions: %+v", got.Positions)
	}
}

func TestUnmarshalGarbageIsMalformed(t *testing.T) {
	var p InitPayload
	err := UnmarshalPayload([]byte{0xff, 0x00, 0x13}, &p)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestStatusReportRoundTrip(t *testing.T) {
	in := StatusReport{
		Phase:   "phase1",
		Overall: "NOMINAL",
		Subsystems: map[string]SubsystemReport{
			"power": {Readings: map[string]float64{"battery_voltage": 3.9}, Status: "NOMINAL"},
		},
		UnixMS: 1700000000000,
	}
	data, err := MarshalPayload(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got StatusReport
	if err := UnmarshalPayload(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Phase != "phase1" || got.Subsystems["power"].Status != "NOMINAL" {
		t.Fatalf("unexpected report: %+v", got)
	}
}
