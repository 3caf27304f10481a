package camera

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOpenMissingDevice(t *testing.T) {
	// Device index far beyond anything a kiosk exposes.
	e := classifyOpen(97, errors.New("error opening device"))
	assert.Equal(t, KindDeviceNotFound, e.Kind)
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("v4l2: open failed")
	e := &Error{Kind: KindPermissionDenied, cause: cause}

	assert.Contains(t, e.Error(), "permission_denied")
	assert.ErrorIs(t, e, cause)

	bare := &Error{Kind: KindCameraUnavailable}
	assert.Equal(t, "camera camera_unavailable", bare.Error())
}

func TestStopBeforeAcquireIsSafe(t *testing.T) {
	c := New(97, FacingEnvironment, 0, 0)
	require.NotPanics(t, func() {
		c.Stop()
		c.Stop()
	})
	assert.False(t, c.Ready())

	w, h := c.Bounds()
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestAcquireMissingDeviceReportsNotFound(t *testing.T) {
	c := New(97, FacingEnvironment, 0, 0)
	err := c.Acquire()
	require.Error(t, err)

	var camErr *Error
	require.ErrorAs(t, err, &camErr)
	assert.Equal(t, KindDeviceNotFound, camErr.Kind)
	assert.False(t, c.Ready())
	assert.NotNil(t, c.LastError())
}
