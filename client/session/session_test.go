package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/storage/recordings"
	"github.com/adwski/huddle/client/protocol/control"
	"github.com/adwski/huddle/client/protocol/filetransfer"
	"github.com/adwski/huddle/client/protocol/recording"
	"github.com/adwski/huddle/client/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mx      sync.Mutex
	notices []Notice
	files   []filetransfer.File
}

func (in *inbox) Notify(n Notice) {
	in.mx.Lock()
	defer in.mx.Unlock()
	in.notices = append(in.notices, n)
}

func (in *inbox) onFile(f filetransfer.File) {
	in.mx.Lock()
	defer in.mx.Unlock()
	in.files = append(in.files, f)
}

func (in *inbox) has(text string) bool {
	in.mx.Lock()
	defer in.mx.Unlock()
	for _, n := range in.notices {
		if strings.Contains(n.Text, text) {
			return true
		}
	}
	return false
}

func (in *inbox) warnings() int {
	in.mx.Lock()
	defer in.mx.Unlock()
	count := 0
	for _, n := range in.notices {
		if n.Level == zerolog.WarnLevel {
			count++
		}
	}
	return count
}

type participant struct {
	*Session
	ch    *transporttest.Channel
	inbox *inbox
}

func join(t *testing.T, hub *transporttest.Hub, store recording.MetadataStore, id string) *participant {
	t.Helper()
	logger := zerolog.Nop()
	ch := hub.Join(id, id)
	in := &inbox{}
	s, err := New(Config{
		Logger:      &logger,
		Channel:     ch,
		Notifier:    in,
		Room:        "standup",
		Name:        id,
		Store:       store,
		SettleDelay: time.Millisecond,
		ChunkDelay:  -1,
		OnFile:      in.onFile,
	})
	require.NoError(t, err)
	return &participant{Session: s, ch: ch, inbox: in}
}

func fileStore(t *testing.T) *recordings.FileStore {
	t.Helper()
	logger := zerolog.Nop()
	return recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
}

func TestSession_Admission(t *testing.T) {
	hub := transporttest.NewHub()
	store := fileStore(t)
	alice := join(t, hub, store, "alice")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx))
	assert.False(t, alice.Admission().Waiting())

	bob := join(t, hub, store, "bob")
	require.NoError(t, bob.Join(ctx))
	assert.True(t, bob.Admission().Waiting())
	assert.True(t, bob.inbox.has("waiting for the host"))
	assert.True(t, alice.inbox.has("bob (bob) is waiting to join"))
	require.Len(t, alice.Admission().Pending(), 1)

	require.NoError(t, alice.Admission().Approve(ctx, "bob"))
	assert.True(t, bob.inbox.has("you were admitted"))
	assert.False(t, bob.Admission().Waiting())
	assert.Empty(t, alice.Admission().Pending())

	select {
	case <-bob.Done():
		t.Fatal("admitted participant was ejected")
	default:
	}
}

func TestSession_Denied(t *testing.T) {
	hub := transporttest.NewHub()
	store := fileStore(t)
	alice := join(t, hub, store, "alice")
	bob := join(t, hub, store, "bob")
	ctx := context.Background()

	require.NoError(t, bob.Join(ctx))
	require.NoError(t, alice.Admission().Deny(ctx, "bob"))

	select {
	case <-bob.Done():
	default:
		t.Fatal("denied participant is still in session")
	}
	assert.ErrorIs(t, bob.Reason(), ErrDenied)
	assert.Equal(t, 1, bob.ch.Closes())
	assert.Equal(t, 1, bob.inbox.warnings())
	assert.Len(t, alice.Roster(), 1)
}

func TestSession_Kicked(t *testing.T) {
	hub := transporttest.NewHub()
	store := fileStore(t)
	alice := join(t, hub, store, "alice")
	bob := join(t, hub, store, "bob")
	carol := join(t, hub, store, "carol")
	ctx := context.Background()

	assert.ErrorIs(t, bob.Control().Kick(ctx, "carol"), control.ErrNotAuthority)
	require.NoError(t, alice.Control().Kick(ctx, "bob"))

	<-bob.Done()
	assert.ErrorIs(t, bob.Reason(), ErrKicked)
	assert.Contains(t, bob.Reason().Error(), "alice")
	assert.Equal(t, 1, bob.ch.Closes())
	assert.Equal(t, 1, bob.inbox.warnings())

	// a late eject has no effect
	bob.Eject(ErrLeft)
	assert.ErrorIs(t, bob.Reason(), ErrKicked)
	assert.Equal(t, 1, bob.ch.Closes())

	assert.ErrorIs(t, alice.Control().Kick(ctx, "bob"), control.ErrUnknown)
	select {
	case <-carol.Done():
		t.Fatal("bystander was ejected")
	default:
	}
	assert.Len(t, carol.Roster(), 2)
}

func TestSession_SendFile(t *testing.T) {
	hub := transporttest.NewHub()
	hub.SetMaxDatagramSize(4096)
	store := fileStore(t)
	alice := join(t, hub, store, "alice")
	bob := join(t, hub, store, "bob")

	payload := []byte(strings.Repeat("minutes of the meeting\n", 1000))
	require.NoError(t, alice.SendFile(context.Background(), "notes.txt", "text/plain", payload))

	require.Len(t, bob.inbox.files, 1)
	f := bob.inbox.files[0]
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, "alice", f.Sender)
	assert.Equal(t, payload, f.Data)
	assert.True(t, bob.inbox.has("file received from alice: notes.txt"))

	history := bob.Chat().History()
	require.Len(t, history, 1)
	assert.Equal(t, "📎 Sent file: notes.txt", history[0].Text)
	assert.Equal(t, 1, bob.Chat().Unread())
	assert.Zero(t, bob.Receiver().Sessions())
}

func TestSession_Spotlight(t *testing.T) {
	hub := transporttest.NewHub()
	store := fileStore(t)
	alice := join(t, hub, store, "alice")
	join(t, hub, store, "bob")

	hub.SetSources("bob", model.SourceCamera)
	assert.Empty(t, alice.Spotlight().Pinned())

	hub.SetSources("bob", model.SourceCamera, model.SourceScreenShare)
	assert.Equal(t, "bob", alice.Spotlight().Pinned())
	assert.True(t, alice.Spotlight().Auto())

	hub.SetSources("bob", model.SourceCamera)
	assert.Empty(t, alice.Spotlight().Pinned())
}

func TestSession_LeaveStopsRecording(t *testing.T) {
	hub := transporttest.NewHub()
	store := fileStore(t)
	alice := join(t, hub, store, "alice")
	bob := join(t, hub, store, "bob")
	ctx := context.Background()

	require.NoError(t, alice.Recorder().Start(ctx))
	assert.True(t, bob.Indicator().Recording())
	assert.True(t, bob.inbox.has("alice recording: recording"))

	alice.Leave(ctx)
	<-alice.Done()
	assert.ErrorIs(t, alice.Reason(), ErrLeft)
	assert.Zero(t, alice.inbox.warnings())
	assert.Equal(t, recording.StateIdle, alice.Recorder().State())
	assert.False(t, bob.Indicator().Recording())

	recs, err := store.ListRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordingStatusCompleted, recs[0].Status)
	assert.Equal(t, "standup", recs[0].RoomName)
}
