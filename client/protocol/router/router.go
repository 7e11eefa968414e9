package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/rs/zerolog"
)

var (
	ErrTopicTaken = errors.New("topic already has a handler")
	ErrNoHandler  = errors.New("nil handler")
)

// Handler processes one decoded datagram of its topic.
type Handler interface {
	Handle(sender string, msg codec.Message) error
}

type HandlerFunc func(sender string, msg codec.Message) error

func (f HandlerFunc) Handle(sender string, msg codec.Message) error {
	return f(sender, msg)
}

// Router demultiplexes inbound datagrams by topic. Dispatch runs handlers one
// at a time, so a handler never observes another datagram mid-flight.
type Router struct {
	logger   zerolog.Logger
	mx       *sync.RWMutex
	dispatch *sync.Mutex
	handlers map[string]Handler
}

func New(logger *zerolog.Logger) *Router {
	return &Router{
		logger:   logger.With().Str("component", "router").Logger(),
		mx:       &sync.RWMutex{},
		dispatch: &sync.Mutex{},
		handlers: make(map[string]Handler),
	}
}

func (r *Router) Register(topic string, h Handler) error {
	if h == nil {
		return ErrNoHandler
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.handlers[topic]; ok {
		return fmt.Errorf("%w: %s", ErrTopicTaken, topic)
	}
	r.handlers[topic] = h
	return nil
}

func (r *Router) Topics() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Dispatch decodes raw and hands it to the handler of its topic.
// Undecodable datagrams and unknown topics are dropped.
func (r *Router) Dispatch(sender string, raw []byte) {
	msg, err := codec.Decode(raw)
	if err != nil {
		r.logger.Debug().Err(err).
			Str("sender", sender).
			Int("size", len(raw)).
			Msg("dropping undecodable datagram")
		return
	}

	r.mx.RLock()
	h, ok := r.handlers[msg.Topic]
	r.mx.RUnlock()
	if !ok {
		r.logger.Debug().
			Str("sender", sender).
			Str("topic", msg.Topic).
			Msg("no handler for topic")
		return
	}

	r.dispatch.Lock()
	defer r.dispatch.Unlock()
	r.handle(h, sender, msg)
}

func (r *Router) handle(h Handler, sender string, msg codec.Message) {
	logger := r.logger.With().
		Str("sender", sender).
		Str("topic", msg.Topic).
		Str("action", msg.Action).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Any("panic", p).Msg("handler panicked")
		}
	}()

	logger.Trace().Msg("dispatching")
	if err := h.Handle(sender, msg); err != nil {
		logger.Debug().Err(err).Msg("handler rejected datagram")
	}
}
