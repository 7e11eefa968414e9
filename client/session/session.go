// Package session owns everything a participant holds while in a room.
//
// A Session is built on join and torn down on leave: it registers the room
// protocols on one router, feeds them from the transport channel and keeps
// the roster derived state (waiting room, recorders, spotlight) current.
// Nothing outlives it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/admission"
	"github.com/adwski/huddle/client/protocol/chat"
	"github.com/adwski/huddle/client/protocol/control"
	"github.com/adwski/huddle/client/protocol/filetransfer"
	"github.com/adwski/huddle/client/protocol/recording"
	"github.com/adwski/huddle/client/protocol/router"
	"github.com/adwski/huddle/client/protocol/spotlight"
	"github.com/adwski/huddle/client/transport"
	"github.com/rs/zerolog"
)

var (
	ErrKicked = errors.New("removed from the room")
	ErrDenied = errors.New("admission denied")
	ErrLeft   = errors.New("left the room")
)

// Notice is a message for the local user.
type Notice struct {
	Level zerolog.Level
	Text  string
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

type Config struct {
	Logger   *zerolog.Logger
	Channel  transport.Channel
	Notifier Notifier
	Room     string
	Name     string

	Store recording.MetadataStore
	// Capture is optional, recordings carry no media without it.
	Capture recording.Capture

	SettleDelay time.Duration
	MaxFileSize int64
	ChunkDelay  time.Duration
	// OnFile receives completed incoming files.
	OnFile func(filetransfer.File)
}

type Session struct {
	ch       transport.Channel
	notifier Notifier
	logger   zerolog.Logger
	name     string

	router    *router.Router
	admission *admission.Protocol
	control   *control.Protocol
	sender    *filetransfer.Sender
	receiver  *filetransfer.Receiver
	recorder  *recording.Recorder
	indicator *recording.Indicator
	spotlight *spotlight.Selection
	chat      *chat.Room

	ejectOnce *sync.Once
	done      chan struct{}
	mx        *sync.Mutex
	reason    error
}

func New(cfg Config) (*Session, error) {
	s := &Session{
		ch:        cfg.Channel,
		notifier:  cfg.Notifier,
		name:      cfg.Name,
		logger:    cfg.Logger.With().Str("component", "session").Str("room", cfg.Room).Logger(),
		router:    router.New(cfg.Logger),
		ejectOnce: &sync.Once{},
		done:      make(chan struct{}),
		mx:        &sync.Mutex{},
	}
	if s.notifier == nil {
		s.notifier = NotifierFunc(func(Notice) {})
	}
	onFile := cfg.OnFile
	if onFile == nil {
		onFile = func(filetransfer.File) {}
	}

	s.admission = admission.New(admission.Config{
		Logger:      cfg.Logger,
		Channel:     cfg.Channel,
		SettleDelay: cfg.SettleDelay,
		OnRequest: func(e admission.Entry) {
			s.notify(zerolog.InfoLevel, "%s (%s) is waiting to join", e.Name, e.Identity)
		},
		OnApproved: func() {
			s.notify(zerolog.InfoLevel, "you were admitted to the room")
		},
		OnDenied: func() {
			s.Eject(ErrDenied)
		},
	})
	s.control = control.New(control.Config{
		Logger:  cfg.Logger,
		Channel: cfg.Channel,
		OnKicked: func(by string) {
			s.Eject(fmt.Errorf("%w by %s", ErrKicked, by))
		},
	})

	var err error
	s.sender, err = filetransfer.NewSender(filetransfer.SenderConfig{
		Logger:     cfg.Logger,
		Channel:    cfg.Channel,
		MaxSize:    cfg.MaxFileSize,
		ChunkDelay: cfg.ChunkDelay,
	})
	if err != nil {
		return nil, err
	}
	s.receiver = filetransfer.NewReceiver(filetransfer.ReceiverConfig{
		Logger: cfg.Logger,
		OnFile: func(f filetransfer.File) {
			s.notify(zerolog.InfoLevel, "file received from %s: %s (%d bytes)", f.Sender, f.Name, len(f.Data))
			onFile(f)
		},
	})

	s.recorder = recording.NewRecorder(recording.Config{
		Logger:  cfg.Logger,
		Channel: cfg.Channel,
		Store:   cfg.Store,
		Capture: cfg.Capture,
		Room:    cfg.Room,
	})
	s.indicator = recording.NewIndicator(func(a recording.Activity) {
		s.notify(zerolog.InfoLevel, "%s recording: %s", a.Identity, a.State)
	})
	s.spotlight = spotlight.New(func(pinned string) {
		s.logger.Debug().Str("pinned", pinned).Msg("spotlight changed")
	})
	s.chat = chat.New(chat.Config{
		Logger:  cfg.Logger,
		Channel: cfg.Channel,
		OnMessage: func(m chat.Message) {
			s.notify(zerolog.InfoLevel, "[%s] %s", m.From, m.Text)
		},
	})

	for topic, h := range map[string]router.Handler{
		admission.TopicRequest:  s.admission,
		admission.TopicResponse: s.admission,
		control.Topic:           s.control,
		filetransfer.Topic:      s.receiver,
		recording.Topic:         s.indicator,
		chat.Topic:              s.chat,
	} {
		if err = s.router.Register(topic, h); err != nil {
			return nil, err
		}
	}

	cfg.Channel.OnRoster(s.handleRoster)
	cfg.Channel.OnData(func(data []byte, sender, _ string) {
		s.router.Dispatch(sender, data)
	})
	s.handleRoster(cfg.Channel.Roster())
	return s, nil
}

func (s *Session) Admission() *admission.Protocol { return s.admission }

func (s *Session) Control() *control.Protocol { return s.control }

func (s *Session) Recorder() *recording.Recorder { return s.recorder }

func (s *Session) Indicator() *recording.Indicator { return s.indicator }

func (s *Session) Spotlight() *spotlight.Selection { return s.spotlight }

func (s *Session) Chat() *chat.Room { return s.chat }

func (s *Session) Receiver() *filetransfer.Receiver { return s.receiver }

func (s *Session) LocalIdentity() string {
	return s.ch.LocalIdentity()
}

func (s *Session) Roster() []model.Participant {
	return s.ch.Roster()
}

// Join asks for admission when the room is occupied. It blocks for the
// settling delay.
func (s *Session) Join(ctx context.Context) error {
	sent, err := s.admission.Submit(ctx, s.name)
	if err != nil {
		s.notify(zerolog.ErrorLevel, "could not ask to join: %v", err)
		return err
	}
	if sent {
		s.notify(zerolog.InfoLevel, "waiting for the host to let you in")
	}
	return nil
}

// SendFile sends a file and posts a chat line about it.
func (s *Session) SendFile(ctx context.Context, name, mimeType string, data []byte) error {
	if _, err := s.sender.Send(ctx, name, mimeType, data); err != nil {
		s.notify(zerolog.ErrorLevel, "failed to send %s: %v", name, err)
		return err
	}
	if _, err := s.chat.Say(ctx, "📎 Sent file: "+name); err != nil {
		s.logger.Warn().Err(err).Msg("failed to announce sent file")
	}
	return nil
}

// Eject ends the session with reason. Only the first call has effect.
func (s *Session) Eject(reason error) {
	s.ejectOnce.Do(func() {
		s.mx.Lock()
		s.reason = reason
		s.mx.Unlock()

		s.receiver.Reset()
		if err := s.ch.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			s.logger.Error().Err(err).Msg("failed to close channel")
		}
		if errors.Is(reason, ErrLeft) {
			s.logger.Info().Msg("left the room")
		} else {
			s.notify(zerolog.WarnLevel, "session ended: %v", reason)
		}
		close(s.done)
	})
}

// Leave stops an ongoing recording and ends the session.
func (s *Session) Leave(ctx context.Context) {
	if s.recorder.State() != recording.StateIdle {
		if err := s.recorder.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to stop recording on leave")
		}
	}
	s.Eject(ErrLeft)
}

// Done is closed when session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason reports why session has ended, nil while it is running.
func (s *Session) Reason() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reason
}

func (s *Session) handleRoster(roster []model.Participant) {
	s.admission.Prune(roster)
	s.indicator.Prune(roster)
	s.spotlight.SetTracks(spotlight.Tracks(roster))
	s.logger.Trace().Int("participants", len(roster)).Msg("roster updated")
}

func (s *Session) notify(level zerolog.Level, format string, args ...any) {
	s.notifier.Notify(Notice{Level: level, Text: fmt.Sprintf(format, args...)})
}
