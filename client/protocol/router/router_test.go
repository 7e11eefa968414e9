package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx   sync.Mutex
	seen []string
}

func (rec *recorder) Handle(sender string, msg codec.Message) error {
	rec.mx.Lock()
	defer rec.mx.Unlock()
	rec.seen = append(rec.seen, sender+":"+msg.Topic+"/"+msg.Action)
	return nil
}

func encode(t *testing.T, topic, action string) []byte {
	t.Helper()
	b, err := codec.Encode(topic, action, nil)
	require.NoError(t, err)
	return b
}

func TestRouter_Dispatch(t *testing.T) {
	logger := zerolog.Nop()
	r := New(&logger)

	chat, ctl := &recorder{}, &recorder{}
	require.NoError(t, r.Register("chat", chat))
	require.NoError(t, r.Register("participant-control", ctl))
	assert.ErrorIs(t, r.Register("chat", &recorder{}), ErrTopicTaken)
	assert.ErrorIs(t, r.Register("x", nil), ErrNoHandler)
	assert.ElementsMatch(t, []string{"chat", "participant-control"}, r.Topics())

	r.Dispatch("alice", encode(t, "chat", "message"))
	r.Dispatch("bob", []byte("{not json"))
	r.Dispatch("bob", encode(t, "unknown-topic", "noop"))
	r.Dispatch("bob", encode(t, "participant-control", "kick"))
	r.Dispatch("alice", encode(t, "chat", "message"))

	assert.Equal(t, []string{"alice:chat/message", "alice:chat/message"}, chat.seen)
	assert.Equal(t, []string{"bob:participant-control/kick"}, ctl.seen)
}

func TestRouter_FailingHandlersDoNotStopDispatch(t *testing.T) {
	logger := zerolog.Nop()
	r := New(&logger)

	ok := &recorder{}
	require.NoError(t, r.Register("panics", HandlerFunc(func(string, codec.Message) error {
		panic("boom")
	})))
	require.NoError(t, r.Register("fails", HandlerFunc(func(string, codec.Message) error {
		return errors.New("bad payload")
	})))
	require.NoError(t, r.Register("ok", ok))

	assert.NotPanics(t, func() {
		r.Dispatch("a", encode(t, "panics", "x"))
		r.Dispatch("a", encode(t, "fails", "x"))
		r.Dispatch("a", encode(t, "ok", "x"))
	})
	assert.Equal(t, []string{"a:ok/x"}, ok.seen)
}

func TestRouter_SerializedDispatch(t *testing.T) {
	logger := zerolog.Nop()
	r := New(&logger)

	var (
		inFlight int
		overlap  bool
	)
	require.NoError(t, r.Register("t", HandlerFunc(func(string, codec.Message) error {
		// guarded by the router's dispatch lock only
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		inFlight--
		return nil
	})))

	raw := encode(t, "t", "x")
	wg := &sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch("s", raw)
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
}
