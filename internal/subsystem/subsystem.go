package subsystem

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSensorTimeout = errors.New("subsystem: sensor timeout")
	ErrFault         = errors.New("subsystem: fault")
)

// NeutralOutput is the safe actuator value forced on subsystem faults.
const NeutralOutput = 0.0

type Vector3 struct {
	X, Y, Z float64
}

// FrameBuffer is one captured camera frame, ownership passes to the caller.
type FrameBuffer []byte

// Pose is a fiducial-marker pose estimate.
type Pose struct {
	Position Vector3
	Yaw      float64
	Pitch    float64
	Roll     float64
}

// CardDetection is one recognized card cutout.
type CardDetection struct {
	Digit    uint8
	Position float64
}

// Report is one subsystem's health slice.
type Report struct {
	Readings map[string]float64
	Status   string
}

// The collaborator interfaces below are the full surface the core consumes.
// Real drivers (camera, IMU, PWM) and the vision algorithms live behind
// them; the core treats every call as fallible.

type Camera interface {
	CaptureFrame(ctx context.Context) (FrameBuffer, error)
	Release()
}

type IMU interface {
	ReadAngularVelocity(ctx context.Context) (Vector3, error)
}

type Actuator interface {
	SetOutput(ctx context.Context, value float64) error
	Release()
}

type Vision interface {
	DetectCards(ctx context.Context, frame FrameBuffer) ([]CardDetection, error)
	DetectMarker(ctx context.Context, frame FrameBuffer) (Pose, error)
}

// Controller computes the autonomous attitude-control output for one cycle.
type Controller interface {
	ComputeOutput(ctx context.Context, angularVelocity Vector3) (float64, error)
}

type Health interface {
	Report(ctx context.Context) (map[string]Report, error)
}

// Call runs one collaborator invocation under a deadline. A stalled
// subsystem yields ErrSensorTimeout instead of hanging the calling task;
// the invocation itself keeps running until it notices its context.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			var zero T
			return zero, ErrSensorTimeout
		}
		return r.value, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrSensorTimeout
	}
}
