package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/storage/recordings"
	"github.com/adwski/huddle/client/session"
	"github.com/adwski/huddle/client/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubPublisher struct {
	hub  *transporttest.Hub
	id   string
	done chan struct{}
}

func (p *hubPublisher) PublishSources(_ context.Context, sources ...string) error {
	p.hub.SetSources(p.id, sources...)
	return nil
}

func (p *hubPublisher) Done() <-chan struct{} {
	return p.done
}

type testApp struct {
	*app
	buf *bytes.Buffer
}

// output returns and clears what was printed so far.
func (ta *testApp) output() string {
	ta.out.mx.Lock()
	defer ta.out.mx.Unlock()
	s := ta.buf.String()
	ta.buf.Reset()
	return s
}

func newApp(t *testing.T, hub *transporttest.Hub, store *recordings.FileStore, id string) *testApp {
	t.Helper()
	logger := zerolog.Nop()
	buf := &bytes.Buffer{}
	out := newConsole(buf)
	sess, err := session.New(session.Config{
		Logger:      &logger,
		Channel:     hub.Join(id, strings.Split(id, "__")[0]),
		Notifier:    out,
		Room:        "abcd-1234",
		Name:        id,
		Store:       store,
		SettleDelay: time.Millisecond,
		ChunkDelay:  -1,
	})
	require.NoError(t, err)
	return &testApp{
		app: &app{
			sess:   sess,
			relay:  &hubPublisher{hub: hub, id: id, done: make(chan struct{})},
			store:  store,
			out:    out,
			logger: logger,
			room:   "abcd-1234",
		},
		buf: buf,
	}
}

func TestApp_Commands(t *testing.T) {
	hub := transporttest.NewHub()
	logger := zerolog.Nop()
	store := recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
	alice := newApp(t, hub, store, "alice__aaaa")
	bob := newApp(t, hub, store, "bob__bbbb")
	ctx := context.Background()

	assert.False(t, bob.exec(ctx, "say hello there"))
	assert.Contains(t, alice.output(), "* [bob__bbbb] hello there")
	assert.Equal(t, 1, alice.sess.Chat().Unread())

	alice.exec(ctx, "chat")
	assert.Contains(t, alice.output(), "[bob] hello there")
	assert.Zero(t, alice.sess.Chat().Unread())

	alice.exec(ctx, "share on")
	assert.Equal(t, "alice__aaaa", bob.sess.Spotlight().Pinned())
	alice.exec(ctx, "who")
	who := alice.output()
	assert.Contains(t, who, "alice (alice__aaaa) you,")
	assert.Contains(t, who, "sharing")
	assert.Contains(t, who, "bob (bob__bbbb)")

	bob.exec(ctx, "unpin")
	assert.Empty(t, bob.sess.Spotlight().Pinned())
	bob.exec(ctx, "pin alice")
	assert.Equal(t, "alice__aaaa", bob.sess.Spotlight().Pinned())
	bob.exec(ctx, "pin nobody")
	assert.Contains(t, bob.output(), "! no such participant: nobody")

	alice.exec(ctx, "state")
	assert.Contains(t, alice.output(), "Authority: (bool) true")

	alice.exec(ctx, "record start")
	assert.Contains(t, alice.output(), "recorder is recording")
	assert.True(t, bob.sess.Indicator().Recording())
	alice.exec(ctx, "record stop")
	assert.Contains(t, alice.output(), "recorder is idle")
	alice.exec(ctx, "recordings")
	assert.Contains(t, alice.output(), "abcd-1234 completed")

	bob.exec(ctx, "kick alice")
	assert.Contains(t, bob.output(), "! only the room authority")
	alice.exec(ctx, "kick bob")
	select {
	case <-bob.sess.Done():
	default:
		t.Fatal("kicked participant is still in session")
	}
	assert.ErrorIs(t, bob.sess.Reason(), session.ErrKicked)

	alice.exec(ctx, "dance")
	assert.Contains(t, alice.output(), `! unknown command "dance"`)
	assert.True(t, alice.exec(ctx, "leave"))
}

func TestApp_SendFile(t *testing.T) {
	hub := transporttest.NewHub()
	logger := zerolog.Nop()
	store := recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
	alice := newApp(t, hub, store, "alice__aaaa")
	bob := newApp(t, hub, store, "bob__bbbb")

	path := filepath.Join(t.TempDir(), "agenda.md")
	require.NoError(t, os.WriteFile(path, []byte("# agenda\n"), 0o600))

	alice.exec(context.Background(), "send "+path)
	assert.Contains(t, alice.output(), "sent agenda.md (9 bytes)")
	assert.Contains(t, bob.output(), "file received from alice__aaaa: agenda.md (9 bytes)")

	alice.exec(context.Background(), "send")
	assert.Contains(t, alice.output(), "! usage: send <path>")
}

func TestApp_Run(t *testing.T) {
	hub := transporttest.NewHub()
	logger := zerolog.Nop()
	store := recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
	alice := newApp(t, hub, store, "alice__aaaa")

	done := make(chan struct{})
	go func() {
		defer close(done)
		alice.run(context.Background(), strings.NewReader("help\nwaiting\nleave\nsay too late\n"))
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("command loop did not stop on leave")
	}
	out := alice.output()
	assert.Contains(t, out, "commands:")
	assert.Contains(t, out, "nobody is waiting")
	assert.Empty(t, alice.sess.Chat().History())
}

func TestApp_RunStopsOnEject(t *testing.T) {
	hub := transporttest.NewHub()
	logger := zerolog.Nop()
	store := recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
	alice := newApp(t, hub, store, "alice__aaaa")
	alice.sess.Eject(session.ErrDenied)

	r, w := io.Pipe()
	defer func() { _ = w.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		alice.run(context.Background(), r)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("command loop did not stop after eject")
	}
}

// endless is stdin of a user who never stops typing.
type endless struct{}

func (endless) Read(p []byte) (int, error) {
	return copy(p, "say again\n"), nil
}

func TestApp_ReaderStopsAfterRun(t *testing.T) {
	hub := transporttest.NewHub()
	logger := zerolog.Nop()
	store := recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
	alice := newApp(t, hub, store, "alice__aaaa")

	done := make(chan struct{})
	lines := alice.readLines(endless{}, done)
	assert.Equal(t, "say again", <-lines)

	// command loop is gone, nobody receives lines anymore
	close(done)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond, "input reader is stuck after command loop returned")
	assert.Empty(t, alice.sess.Chat().History())
}
