package subsystem

import (
	"context"
	"sync"
	"time"
)

// Mock collaborators back the daemon's simulation mode and the core's
// tests. Each one can be primed with a delay or an error to exercise the
// timeout and fault paths.

type MockCamera struct {
	mu       sync.Mutex
	Delay    time.Duration
	Err      error
	Frame    FrameBuffer
	captures int
	released bool
}

func (c *MockCamera) CaptureFrame(ctx context.Context) (FrameBuffer, error) {
	if err := wait(ctx, c.Delay); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.captures++
	frame := c.Frame
	if frame == nil {
		frame = FrameBuffer{0x42, byte(c.captures)}
	}
	out := make(FrameBuffer, len(frame))
	copy(out, frame)
	return out, nil
}

func (c *MockCamera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

func (c *MockCamera) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *MockCamera) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

type MockIMU struct {
	mu       sync.Mutex
	Delay    time.Duration
	Err      error
	Velocity Vector3
}

func (i *MockIMU) ReadAngularVelocity(ctx context.Context) (Vector3, error) {
	if err := wait(ctx, i.Delay); err != nil {
		return Vector3{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Err != nil {
		return Vector3{}, i.Err
	}
	return i.Velocity, nil
}

func (i *MockIMU) SetVelocity(v Vector3) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Velocity = v
}

type MockActuator struct {
	mu       sync.Mutex
	Err      error
	outputs  []float64
	released bool
}

func (a *MockActuator) SetOutput(_ context.Context, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.outputs = append(a.outputs, value)
	return nil
}

func (a *MockActuator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
}

func (a *MockActuator) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func (a *MockActuator) Outputs() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float64, len(a.outputs))
	copy(out, a.outputs)
	return out
}

type MockVision struct {
	mu     sync.Mutex
	Delay  time.Duration
	Err    error
	Cards  []CardDetection
	Marker Pose
}

func (v *MockVision) DetectCards(ctx context.Context, _ FrameBuffer) ([]CardDetection, error) {
	if err := wait(ctx, v.Delay); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return nil, v.Err
	}
	out := make([]CardDetection, len(v.Cards))
	copy(out, v.Cards)
	return out, nil
}

func (v *MockVision) DetectMarker(ctx context.Context, _ FrameBuffer) (Pose, error) {
	if err := wait(ctx, v.Delay); err != nil {
		return Pose{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return Pose{}, v.Err
	}
	return v.Marker, nil
}

// MockController is a plain proportional damper on the spin axis.
type MockController struct {
	Gain float64
}

func (c *MockController) ComputeOutput(_ context.Context, w Vector3) (float64, error) {
	gain := c.Gain
	if gain == 0 {
		gain = 0.8
	}
	return -gain * w.Z, nil
}

type MockHealth struct {
	mu    sync.Mutex
	Delay time.Duration
	Err   error
}

func (h *MockHealth) Report(ctx context.Context) (map[string]Report, error) {
	if err := wait(ctx, h.Delay); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return nil, h.Err
	}
	return map[string]Report{
		"power": {
			Readings: map[string]float64{"battery_voltage": 3.9, "battery_current": 0.4},
			Status:   "NOMINAL",
		},
		"thermal": {
			Readings: map[string]float64{"cpu_temperature": 41.5},
			Status:   "OK",
		},
		"communication": {
			Readings: map[string]float64{"wifi_quality": 82},
			Status:   "OK",
		},
		"cdh": {
			Readings: map[string]float64{"cpu_usage": 23.0, "disk_usage": 11.0},
			Status:   "OK",
		},
		"payload": {
			Status: "OK",
		},
		"adcs": {
			Readings: map[string]float64{"reaction_wheel_rpm": 0},
			Status:   "OK",
		},
	}, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
