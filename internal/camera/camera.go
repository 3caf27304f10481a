package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Facing expresses which camera a session prefers when none is pinned by
// config. On a kiosk this maps to device selection: the built-in camera
// sits at the lowest index, an external scanning unit at the highest.
type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// ErrorKind classifies acquisition failures so the caller can offer the
// right retry affordance.
type ErrorKind string

const (
	KindCameraUnavailable       ErrorKind = "camera_unavailable"
	KindPermissionDenied        ErrorKind = "permission_denied"
	KindDeviceNotFound          ErrorKind = "device_not_found"
	KindDeviceBusy              ErrorKind = "device_busy"
	KindConstraintUnsatisfiable ErrorKind = "constraint_unsatisfiable"
)

// Error is an acquisition failure with its classification.
type Error struct {
	Kind  ErrorKind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("camera %s: %v", e.Kind, e.cause)
	}
	return "camera " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

const readyPollInterval = 50 * time.Millisecond

// Camera owns the capture device for the duration of a scan session. The
// handle is exclusive: only the decode loop reads frames, and only through
// this type.
type Camera struct {
	mu       sync.Mutex
	device   int
	width    int
	height   int
	cap      *gocv.VideoCapture
	frame    gocv.Mat
	acquired bool
	ready    bool
	lastErr  *Error
}

// New prepares a camera for the given device index. A negative index picks
// a device by facing preference.
func New(device int, facing Facing, width, height int) *Camera {
	if device < 0 {
		device = pickDevice(facing)
	}
	return &Camera{device: device, width: width, height: height}
}

// pickDevice scans /dev/video* and chooses per facing preference. When no
// device node is visible it falls back to index 0 and lets Acquire report
// the failure.
func pickDevice(facing Facing) int {
	found := -1
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(devicePath(i)); err != nil {
			continue
		}
		if found < 0 || facing == FacingEnvironment {
			found = i
		}
		if facing == FacingUser {
			break
		}
	}
	if found < 0 {
		return 0
	}
	return found
}

func devicePath(device int) string {
	return fmt.Sprintf("/dev/video%d", device)
}

// Acquire opens the capture device and requests the configured resolution.
// It does not wait for frames; readiness is a separate phase so the caller
// can compose the two with its own deadline. Failures are classified,
// stored as LastError, and leave the camera not ready.
func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return nil
	}

	cap, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return c.failLocked(classifyOpen(c.device, err))
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		return c.failLocked(classifyOpen(c.device, errors.New("device did not open")))
	}

	if c.width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
	}
	if c.height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	}

	c.cap = cap
	c.frame = gocv.NewMat()
	c.acquired = true
	c.lastErr = nil
	return nil
}

// AwaitReady blocks until the device delivers a frame with non-zero
// dimensions. A device that only ever produces zero-area frames before ctx
// expires cannot satisfy the requested mode and is reported as such.
func (c *Camera) AwaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		if !c.acquired {
			err := c.failLocked(&Error{Kind: KindCameraUnavailable, cause: errors.New("not acquired")})
			c.mu.Unlock()
			return err
		}
		if c.cap.Read(&c.frame) && c.frame.Cols() > 0 && c.frame.Rows() > 0 {
			c.ready = true
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.mu.Lock()
			err := c.failLocked(&Error{Kind: KindConstraintUnsatisfiable, cause: ctx.Err()})
			c.mu.Unlock()
			return err
		case <-ticker.C:
		}
	}
}

// Bounds reports the current frame dimensions, or zeros while the camera is
// warming up. The decode loop uses this as its skip guard.
func (c *Camera) Bounds() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return 0, 0
	}
	return c.frame.Cols(), c.frame.Rows()
}

// Frame reads the next frame into the reused pixel buffer and returns it as
// an image for decoding.
func (c *Camera) Frame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, errors.New("camera not acquired")
	}
	if !c.cap.Read(&c.frame) || c.frame.Empty() {
		return nil, errors.New("empty frame")
	}
	return c.frame.ToImage()
}

// Ready reports whether the camera has delivered a usable frame.
func (c *Camera) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// LastError returns the most recent acquisition failure, nil after a clean
// acquire.
func (c *Camera) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stop releases the device and resets readiness. Idempotent and safe even
// when Acquire never completed.
func (c *Camera) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		_ = c.frame.Close()
		_ = c.cap.Close()
		c.cap = nil
		c.acquired = false
	}
	c.ready = false
}

// failLocked records a classified failure; callers hold c.mu.
func (c *Camera) failLocked(e *Error) *Error {
	c.lastErr = e
	c.ready = false
	return e
}

// classifyOpen maps an open failure onto an ErrorKind using the device node
// as the main evidence: a missing node means no hardware, a node we cannot
// stat means the process lacks permission, and a node that exists but will
// not open is usually held by another process.
func classifyOpen(device int, err error) *Error {
	_, serr := os.Stat(devicePath(device))
	switch {
	case errors.Is(serr, os.ErrNotExist):
		return &Error{Kind: KindDeviceNotFound, cause: err}
	case errors.Is(serr, os.ErrPermission):
		return &Error{Kind: KindPermissionDenied, cause: err}
	case serr == nil:
		// The node exists and we can see it, yet the open failed: the
		// device is almost always held by another process.
		return &Error{Kind: KindDeviceBusy, cause: err}
	default:
		return &Error{Kind: KindCameraUnavailable, cause: err}
	}
}
