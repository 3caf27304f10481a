package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"checkin-scanner/internal/attendance"
	"checkin-scanner/internal/decode"
	"checkin-scanner/internal/feed"
	"checkin-scanner/internal/metrics"
	"checkin-scanner/internal/scan"
)

// State of a scan session as surfaced by the status API.
type State string

const (
	StateStarting       State = "starting"
	StateScanning       State = "scanning"
	StateStopped        State = "stopped"
	StateReauthRequired State = "reauth_required"
)

// Camera is the slice of the camera the session needs: acquisition
// lifecycle plus the frame source handed to the decode loop.
type Camera interface {
	decode.FrameSource
	Acquire() error
	AwaitReady(ctx context.Context) error
	Stop()
}

// Backend is the reconciliation client surface.
type Backend interface {
	SubmitScan(ctx context.Context, p scan.Payload, activityTrackID int64) (attendance.Outcome, error)
	StartScanning(ctx context.Context, activityTrackID int64) error
	StopScanning(ctx context.Context, activityTrackID int64) error
}

// Config tunes one scan session.
type Config struct {
	ActivityTrackID int64
	Cooldown        time.Duration
	ScanPause       time.Duration
	DecodeFPS       int
}

const (
	// How long the handoff guard is held after dispatching a submit. The
	// cool-down, not this guard, covers the network round-trip.
	handoffHold = 300 * time.Millisecond

	readyTimeout  = 10 * time.Second
	submitTimeout = 15 * time.Second
	toggleTimeout = 5 * time.Second
)

// Session wires camera, decode loop, deduplicator and backend client into
// one scanning pipeline for a single activity track.
type Session struct {
	ID string

	cfg     Config
	cam     Camera
	backend Backend
	dedup   *scan.Deduplicator
	loop    *decode.Loop
	outFeed feed.Feed
	log     zerolog.Logger

	submits  sync.WaitGroup
	stopOnce sync.Once

	mu          sync.Mutex
	cancel      context.CancelFunc
	loopDone    chan struct{}
	stopped     bool
	state       State
	startedAt   time.Time
	lastOutcome *attendance.Outcome
}

// ErrStopped is returned by Start when Stop won the race against a start
// still in flight; the session is already torn down.
var ErrStopped = errors.New("session stopped before start completed")

// New assembles a session. Nothing is acquired until Start.
func New(cfg Config, cam Camera, backend Backend, outFeed feed.Feed, log zerolog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		cfg:     cfg,
		cam:     cam,
		backend: backend,
		dedup:   scan.NewDeduplicator(cfg.Cooldown),
		outFeed: outFeed,
		log:     log.With().Str("session_id", id).Int64("activity_track_id", cfg.ActivityTrackID).Logger(),
		state:   StateStarting,
	}
	s.loop = decode.NewLoop(cam, cfg.DecodeFPS, s.log)
	return s
}

// Start acquires the camera, waits for usable frames, flips the server-side
// scanning flag (best effort) and launches the decode loop. On any
// acquisition failure the camera is released and the error returned for the
// caller's retry affordance; nothing is retried here.
func (s *Session) Start(ctx context.Context) error {
	if err := s.cam.Acquire(); err != nil {
		s.setState(StateStopped)
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.cam.AwaitReady(readyCtx); err != nil {
		s.cam.Stop()
		s.setState(StateStopped)
		return err
	}

	if err := s.backend.StartScanning(ctx, s.cfg.ActivityTrackID); err != nil {
		s.log.Warn().Err(err).Msg("start-scanning toggle failed, scanning locally anyway")
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	// Stop may have won the race while we were acquiring the camera or
	// round-tripping the toggle; in that case the teardown already ran and
	// the loop must never launch.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		loopCancel()
		s.cam.Stop()
		return ErrStopped
	}
	s.cancel = loopCancel
	s.loopDone = make(chan struct{})
	loopDone := s.loopDone
	s.state = StateScanning
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	metrics.SessionActive.Set(1)
	s.log.Info().Msg("scan session started")

	go func() {
		defer close(loopDone)
		s.loop.Run(loopCtx, s.handleDecode)
	}()
	return nil
}

// handleDecode runs on the decode loop goroutine for every decoded text.
// Decode order is preserved: suppression and handoff both happen here
// before anything is dispatched.
func (s *Session) handleDecode(text string) {
	now := time.Now()
	p, ok := s.dedup.Accept(text, now)
	if !ok {
		metrics.ScansSuppressed.Inc()
		return
	}
	if !s.dedup.TryBeginHandoff() {
		metrics.ScansSuppressed.Inc()
		return
	}
	time.AfterFunc(handoffHold, s.dedup.EndHandoff)

	metrics.ScansAccepted.Inc()
	evt := scan.Event{Payload: p, At: now}
	s.submits.Add(1)
	go s.submit(evt)
}

// submit runs detached from the session context: stopping the session must
// not cancel a request already sent, and its outcome is still surfaced.
func (s *Session) submit(evt scan.Event) {
	defer s.submits.Done()

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	out, err := s.backend.SubmitScan(ctx, evt.Payload, s.cfg.ActivityTrackID)
	if err != nil {
		out = attendance.Outcome{Kind: attendance.OutcomeServerError, Message: err.Error()}
	}
	s.surface(out)
}

func (s *Session) surface(out attendance.Outcome) {
	metrics.Outcomes.WithLabelValues(string(out.Kind)).Inc()

	s.mu.Lock()
	s.lastOutcome = &out
	s.mu.Unlock()

	detail := out.Reason
	switch {
	case out.Message != "":
		detail = out.Message
	case out.AttendanceType != "":
		detail = out.AttendanceType
	}

	switch out.Kind {
	case attendance.OutcomeRecorded:
		s.loop.Pause(s.cfg.ScanPause)
		s.log.Info().Str("name", out.DisplayName).Msg("attendance recorded")
	case attendance.OutcomeAlreadyRecorded:
		s.log.Info().Str("reason", out.Reason).Msg("attendance already recorded")
	case attendance.OutcomeRecordNotFound:
		s.log.Warn().Msg("scanned record not known to the backend")
	case attendance.OutcomeUnauthorized:
		s.log.Warn().Msg("backend rejected the session token, re-auth required")
		s.setState(StateReauthRequired)
		go s.Stop()
	default:
		s.log.Error().Str("message", out.Message).Msg("attendance submission failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.outFeed.Publish(ctx, feed.NewEvent(string(out.Kind), out.DisplayName, detail)); err != nil {
		s.log.Warn().Err(err).Msg("outcome feed publish failed")
	}
}

// Stop tears the session down: server-side flag (best effort), decode loop,
// camera, then waits for any in-flight submission so its outcome is
// surfaced before the session reports stopped. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		loopCancel := s.cancel
		loopDone := s.loopDone
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), toggleTimeout)
		defer cancel()
		if err := s.backend.StopScanning(ctx, s.cfg.ActivityTrackID); err != nil {
			s.log.Warn().Err(err).Msg("stop-scanning toggle failed, stopping locally anyway")
		}

		if loopCancel != nil {
			loopCancel()
		}
		if loopDone != nil {
			<-loopDone
		}
		s.cam.Stop()
		s.submits.Wait()

		s.mu.Lock()
		if s.state != StateReauthRequired {
			s.state = StateStopped
		}
		s.mu.Unlock()
		metrics.SessionActive.Set(0)
		s.log.Info().Msg("scan session stopped")
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Status is a point-in-time snapshot for the control API.
type Status struct {
	ID              string              `json:"id"`
	ActivityTrackID int64               `json:"activity_track_id"`
	State           State               `json:"state"`
	StartedAt       time.Time           `json:"started_at"`
	LastOutcome     *attendance.Outcome `json:"last_outcome,omitempty"`
}

// Status reports the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:              s.ID,
		ActivityTrackID: s.cfg.ActivityTrackID,
		State:           s.state,
		StartedAt:       s.startedAt,
		LastOutcome:     s.lastOutcome,
	}
}
