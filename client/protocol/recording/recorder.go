package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/adwski/huddle/client/transport"
	"github.com/rs/zerolog"
)

const (
	Topic = "recording-status"

	ActionStarted = "recording-started"
	ActionPaused  = "recording-paused"
	ActionResumed = "recording-resumed"
	ActionStopped = "recording-stopped"
)

var (
	ErrInvalidState = errors.New("invalid recording state transition")
	ErrMetadata     = errors.New("recording metadata store failed")
	ErrCapture      = errors.New("media capture failed")
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MetadataStore keeps the authoritative record of room recordings.
type MetadataStore interface {
	CreateRecording(ctx context.Context, roomName string) (string, error)
	FinalizeRecording(ctx context.Context, recordingID string) error
	ListRecordings(ctx context.Context) ([]model.Recording, error)
	StoreRecordingBlob(ctx context.Context, recordingID string, data []byte) error
}

// Capture produces the recorded media.
type Capture interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	// Stop ends capture and returns the recorded media, possibly empty.
	Stop(ctx context.Context) ([]byte, error)
}

// NopCapture records nothing.
type NopCapture struct{}

func (NopCapture) Start(context.Context) error { return nil }

func (NopCapture) Pause() error { return nil }

func (NopCapture) Resume() error { return nil }

func (NopCapture) Stop(context.Context) ([]byte, error) { return nil, nil }

type Sender interface {
	Send(ctx context.Context, data []byte, opts transport.SendOptions) error
}

type status struct {
	RecordingID string `json:"recordingId"`
}

func (s status) Validate() error {
	if s.RecordingID == "" {
		return errors.New("recordingId is required")
	}
	return nil
}

type Config struct {
	Logger  *zerolog.Logger
	Channel Sender
	Store   MetadataStore
	// Capture defaults to NopCapture.
	Capture Capture
	Room    string
}

// Recorder drives the local recording. Every transition performs its local
// side effect first and announces it to the room after; failed announcements
// are only logged.
type Recorder struct {
	ch      Sender
	store   MetadataStore
	capture Capture
	room    string
	logger  zerolog.Logger

	mx          *sync.Mutex
	state       State
	recordingID string
	captured    bool
	blob        []byte
}

func NewRecorder(cfg Config) *Recorder {
	capture := cfg.Capture
	if capture == nil {
		capture = NopCapture{}
	}
	return &Recorder{
		ch:      cfg.Channel,
		store:   cfg.Store,
		capture: capture,
		room:    cfg.Room,
		logger:  cfg.Logger.With().Str("component", "recorder").Logger(),
		mx:      &sync.Mutex{},
	}
}

func (r *Recorder) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}

func (r *Recorder) RecordingID() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.recordingID
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, r.state)
	}
	id, err := r.store.CreateRecording(ctx, r.room)
	if err != nil {
		return errors.Join(ErrMetadata, err)
	}
	if err = r.capture.Start(ctx); err != nil {
		if errF := r.store.FinalizeRecording(ctx, id); errF != nil {
			r.logger.Error().Err(errF).Str("recordingId", id).Msg("failed to close aborted recording")
		}
		return errors.Join(ErrCapture, err)
	}

	r.state = StateRecording
	r.recordingID = id
	r.captured = false
	r.blob = nil
	r.logger.Info().Str("recordingId", id).Msg("recording started")
	r.announce(ctx, ActionStarted, id)
	return nil
}

func (r *Recorder) Pause(ctx context.Context) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.state != StateRecording {
		return fmt.Errorf("%w: pause while %s", ErrInvalidState, r.state)
	}
	if err := r.capture.Pause(); err != nil {
		return errors.Join(ErrCapture, err)
	}
	r.state = StatePaused
	r.announce(ctx, ActionPaused, r.recordingID)
	return nil
}

func (r *Recorder) Resume(ctx context.Context) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.state != StatePaused {
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, r.state)
	}
	if err := r.capture.Resume(); err != nil {
		return errors.Join(ErrCapture, err)
	}
	r.state = StateRecording
	r.announce(ctx, ActionResumed, r.recordingID)
	return nil
}

// Stop ends recording, uploads captured media and finalizes the metadata.
// If the store fails the recorder stays in its state and Stop can be retried
// without capturing again.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.state == StateIdle {
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, r.state)
	}
	id := r.recordingID
	logger := r.logger.With().Str("recordingId", id).Logger()

	if !r.captured {
		blob, err := r.capture.Stop(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("capture did not stop cleanly, media is lost")
		}
		r.blob = blob
		r.captured = true
	}
	if len(r.blob) > 0 {
		if err := r.store.StoreRecordingBlob(ctx, id, r.blob); err != nil {
			return errors.Join(ErrMetadata, err)
		}
		logger.Debug().Int("size", len(r.blob)).Msg("media stored")
		r.blob = nil
	}
	if err := r.store.FinalizeRecording(ctx, id); err != nil {
		return errors.Join(ErrMetadata, err)
	}

	r.state = StateIdle
	r.recordingID = ""
	r.captured = false
	logger.Info().Msg("recording stopped")
	r.announce(ctx, ActionStopped, id)
	return nil
}

func (r *Recorder) announce(ctx context.Context, action, id string) {
	b, err := codec.Encode(Topic, action, status{RecordingID: id})
	if err == nil {
		err = r.ch.Send(ctx, b, transport.SendOptions{Reliable: true, Topic: Topic})
	}
	if err != nil {
		r.logger.Warn().Err(err).
			Str("action", action).
			Str("recordingId", id).
			Msg("failed to announce recording status")
	}
}
