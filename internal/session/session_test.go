package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin-scanner/internal/attendance"
	"checkin-scanner/internal/feed"
	"checkin-scanner/internal/scan"
)

const (
	rawA = `{"type":"attendance","record_id":42,"full_name":"Jane Doe"}`
	rawB = `{"type":"attendance","record_id":43,"full_name":"John Roe"}`
)

type fakeCamera struct {
	mu         sync.Mutex
	acquireErr error
	stops      int
}

func (f *fakeCamera) Bounds() (int, int) { return 0, 0 }

func (f *fakeCamera) Frame() (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 1, 1)), nil
}

func (f *fakeCamera) Acquire() error { return f.acquireErr }

func (f *fakeCamera) AwaitReady(context.Context) error { return nil }

func (f *fakeCamera) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeCamera) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeBackend struct {
	mu        sync.Mutex
	outcome   attendance.Outcome
	delay     time.Duration
	stopErr   error
	startGate chan struct{} // when set, StartScanning blocks until closed
	startedCh chan struct{} // when set, signals StartScanning was entered
	submits   []scan.Payload
	started   []int64
	stoppedT  []int64
}

func (f *fakeBackend) SubmitScan(_ context.Context, p scan.Payload, _ int64) (attendance.Outcome, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.submits = append(f.submits, p)
	out := f.outcome
	f.mu.Unlock()
	return out, nil
}

func (f *fakeBackend) StartScanning(_ context.Context, id int64) error {
	if f.startedCh != nil {
		close(f.startedCh)
	}
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) StopScanning(_ context.Context, id int64) error {
	f.mu.Lock()
	f.stoppedT = append(f.stoppedT, id)
	f.mu.Unlock()
	return f.stopErr
}

func (f *fakeBackend) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func newTestSession(cam *fakeCamera, backend *fakeBackend) (*Session, *feed.Memory) {
	outFeed := feed.NewMemory(10)
	cfg := Config{
		ActivityTrackID: 17,
		Cooldown:        2 * time.Second,
		ScanPause:       2 * time.Second,
		DecodeFPS:       30,
	}
	return New(cfg, cam, backend, outFeed, zerolog.Nop()), outFeed
}

func TestHandleDecodeSubmitsAcceptedScan(t *testing.T) {
	backend := &fakeBackend{outcome: attendance.Outcome{
		Kind:           attendance.OutcomeRecorded,
		DisplayName:    "Jane Doe",
		AttendanceType: "beneficiary",
	}}
	s, outFeed := newTestSession(&fakeCamera{}, backend)

	s.handleDecode(rawA)
	s.submits.Wait()

	require.Equal(t, 1, backend.submitCount())
	assert.Equal(t, int64(42), backend.submits[0].RecordID)

	assert.True(t, s.loop.Paused(), "a recorded check-in pauses scanning briefly")

	events, err := outFeed.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(attendance.OutcomeRecorded), events[0].Kind)
	assert.Equal(t, "Jane Doe", events[0].DisplayName)
	assert.Equal(t, "beneficiary", events[0].Detail)

	st := s.Status()
	require.NotNil(t, st.LastOutcome)
	assert.Equal(t, attendance.OutcomeRecorded, st.LastOutcome.Kind)
}

func TestHandleDecodeSuppressesDuplicate(t *testing.T) {
	backend := &fakeBackend{outcome: attendance.Outcome{Kind: attendance.OutcomeRecorded, DisplayName: "Jane Doe"}}
	s, _ := newTestSession(&fakeCamera{}, backend)

	s.handleDecode(rawA)
	s.handleDecode(rawA)
	s.submits.Wait()

	assert.Equal(t, 1, backend.submitCount())
}

func TestHandleDecodeIgnoresNoise(t *testing.T) {
	backend := &fakeBackend{}
	s, outFeed := newTestSession(&fakeCamera{}, backend)

	s.handleDecode("https://example.com")
	s.handleDecode("not json at all")
	s.submits.Wait()

	assert.Zero(t, backend.submitCount())
	events, err := outFeed.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleDecodeHandoffGuard(t *testing.T) {
	backend := &fakeBackend{
		outcome: attendance.Outcome{Kind: attendance.OutcomeRecorded, DisplayName: "Jane Doe"},
		delay:   50 * time.Millisecond,
	}
	s, _ := newTestSession(&fakeCamera{}, backend)

	// Distinct payloads pass the deduplicator back to back, but the
	// second arrives while the first handoff is still held.
	s.handleDecode(rawA)
	s.handleDecode(rawB)
	s.submits.Wait()

	assert.Equal(t, 1, backend.submitCount())
}

func TestUnauthorizedOutcomeRequiresReauth(t *testing.T) {
	backend := &fakeBackend{outcome: attendance.Outcome{Kind: attendance.OutcomeUnauthorized}}
	cam := &fakeCamera{}
	s, _ := newTestSession(cam, backend)

	s.handleDecode(rawA)

	require.Eventually(t, func() bool {
		return s.Status().State == StateReauthRequired && cam.stopCount() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestStartAndStopLifecycle(t *testing.T) {
	backend := &fakeBackend{}
	cam := &fakeCamera{}
	s, _ := newTestSession(cam, backend)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateScanning, s.Status().State)
	assert.Equal(t, []int64{17}, backend.started)

	s.Stop()
	assert.Equal(t, StateStopped, s.Status().State)
	assert.Equal(t, []int64{17}, backend.stoppedT)
	assert.Equal(t, 1, cam.stopCount())

	// Stop is idempotent.
	s.Stop()
	assert.Equal(t, 1, cam.stopCount())
}

func TestStopProceedsWhenToggleFails(t *testing.T) {
	backend := &fakeBackend{stopErr: errors.New("backend down")}
	cam := &fakeCamera{}
	s, _ := newTestSession(cam, backend)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Equal(t, StateStopped, s.Status().State)
	assert.Equal(t, 1, cam.stopCount(), "a failed stop-scanning call still stops the camera")
}

func TestStopDuringStartAbortsLaunch(t *testing.T) {
	backend := &fakeBackend{
		startGate: make(chan struct{}),
		startedCh: make(chan struct{}),
	}
	cam := &fakeCamera{}
	s, _ := newTestSession(cam, backend)

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start(context.Background()) }()

	// Stop lands while Start is blocked on the start-scanning toggle.
	<-backend.startedCh
	s.Stop()
	close(backend.startGate)

	err := <-startErr
	require.ErrorIs(t, err, ErrStopped)

	assert.Equal(t, StateStopped, s.Status().State)
	assert.GreaterOrEqual(t, cam.stopCount(), 1, "the aborted start must release the camera")

	// The session stays stoppable and stopped, never wedged in scanning.
	s.Stop()
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStopWaitsForInFlightSubmitOutcome(t *testing.T) {
	backend := &fakeBackend{
		outcome: attendance.Outcome{Kind: attendance.OutcomeRecorded, DisplayName: "Jane Doe"},
		delay:   100 * time.Millisecond,
	}
	s, outFeed := newTestSession(&fakeCamera{}, backend)

	s.handleDecode(rawA)
	s.Stop()

	// Stop returned, so the submission that was in flight has completed
	// and its outcome is already surfaced.
	require.Equal(t, 1, backend.submitCount())

	events, err := outFeed.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(attendance.OutcomeRecorded), events[0].Kind)

	st := s.Status()
	require.NotNil(t, st.LastOutcome)
	assert.Equal(t, attendance.OutcomeRecorded, st.LastOutcome.Kind)
}

func TestStartFailureLeavesSessionStopped(t *testing.T) {
	cam := &fakeCamera{acquireErr: errors.New("device busy")}
	s, _ := newTestSession(cam, &fakeBackend{})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, s.Status().State)
}
