package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/recording"
	"github.com/adwski/huddle/client/roomid"
	"github.com/adwski/huddle/client/session"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const usage = `commands:
  say <text>                      post chat message
  send <path>                     send file to the room
  chat                            show chat history
  who                             list participants
  waiting                         list admission requests
  approve <who> | deny <who>      decide admission request
  kick <who>                      remove participant
  record start|pause|resume|stop  control recording
  recordings                      list stored recordings
  pin <who> | unpin               spotlight participant
  share on|off                    toggle screen share
  state                           dump session state
  leave                           leave the room`

var errUnknownParticipant = errors.New("no such participant")

// console serializes output of notices and command results.
type console struct {
	mx *sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{mx: &sync.Mutex{}, w: w}
}

func (c *console) Printf(format string, args ...any) {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, _ = fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *console) Notify(n session.Notice) {
	switch n.Level {
	case zerolog.WarnLevel, zerolog.ErrorLevel:
		c.Printf("! %s", n.Text)
	default:
		c.Printf("* %s", n.Text)
	}
}

// publisher is the relay connection of the participant.
type publisher interface {
	PublishSources(ctx context.Context, sources ...string) error
	Done() <-chan struct{}
}

type app struct {
	sess   *session.Session
	relay  publisher
	store  recording.MetadataStore
	out    *console
	logger zerolog.Logger
	room   string
}

func (a *app) run(ctx context.Context, in io.Reader) {
	done := make(chan struct{})
	defer close(done)
	lines := a.readLines(in, done)

	a.out.Printf("type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.sess.Done():
			return
		case <-a.relay.Done():
			a.out.Printf("! connection to relay lost")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if a.exec(ctx, line) {
				return
			}
		}
	}
}

// readLines scans in until EOF or until done is closed. A blocked read of in
// is only abandoned once it returns.
func (a *app) readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Error().Err(err).Msg("failed to read input")
		}
	}()
	return lines
}

// exec runs one command line and reports whether the user wants to leave.
func (a *app) exec(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "":
	case "help":
		a.out.Printf("%s", usage)
	case "leave", "quit", "exit":
		return true
	case "say":
		_, err = a.sess.Chat().Say(ctx, arg)
	case "send":
		err = a.sendFile(ctx, arg)
	case "chat":
		a.showChat()
	case "who":
		a.showRoster()
	case "waiting":
		a.showWaiting()
	case "approve":
		err = a.withParticipant(arg, func(id string) error {
			return a.sess.Admission().Approve(ctx, id)
		})
	case "deny":
		err = a.withParticipant(arg, func(id string) error {
			return a.sess.Admission().Deny(ctx, id)
		})
	case "kick":
		err = a.withParticipant(arg, func(id string) error {
			return a.sess.Control().Kick(ctx, id)
		})
	case "record":
		err = a.record(ctx, arg)
	case "recordings":
		err = a.showRecordings(ctx)
	case "pin":
		err = a.withParticipant(arg, func(id string) error {
			a.sess.Spotlight().Pin(id)
			return nil
		})
	case "unpin":
		a.sess.Spotlight().Unpin()
	case "share":
		err = a.share(ctx, arg)
	case "state":
		a.dumpState()
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		a.out.Printf("! %v", err)
	}
	return false
}

func (a *app) sendFile(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: send <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if err = a.sess.SendFile(ctx, filepath.Base(path), mimeType, data); err != nil {
		return err
	}
	a.out.Printf("sent %s (%d bytes)", filepath.Base(path), len(data))
	return nil
}

func (a *app) record(ctx context.Context, action string) error {
	rec := a.sess.Recorder()
	var err error
	switch action {
	case "start":
		err = rec.Start(ctx)
	case "pause":
		err = rec.Pause(ctx)
	case "resume":
		err = rec.Resume(ctx)
	case "stop":
		id := rec.RecordingID()
		if err = rec.Stop(ctx); err == nil {
			a.out.Printf("recording %s saved", id)
		}
	default:
		return errors.New("usage: record start|pause|resume|stop")
	}
	if err == nil {
		a.out.Printf("recorder is %s", rec.State())
	}
	return err
}

func (a *app) share(ctx context.Context, arg string) error {
	switch arg {
	case "on":
		return a.relay.PublishSources(ctx, model.SourceCamera, model.SourceScreenShare)
	case "off":
		return a.relay.PublishSources(ctx, model.SourceCamera)
	}
	return errors.New("usage: share on|off")
}

func (a *app) showChat() {
	self := a.sess.LocalIdentity()
	chat := a.sess.Chat()
	chat.SetOpen(true)
	defer chat.SetOpen(false)
	history := chat.History()
	if len(history) == 0 {
		a.out.Printf("no messages")
		return
	}
	for _, m := range history {
		from := roomid.StripPostfix(m.From)
		if m.From == self {
			from = "me"
		}
		a.out.Printf("%s [%s] %s", m.Time().Format(time.TimeOnly), from, m.Text)
	}
}

func (a *app) showRoster() {
	self := a.sess.LocalIdentity()
	pinned := a.sess.Spotlight().Pinned()
	for _, p := range a.sess.Roster() {
		var marks []string
		if p.ID == self {
			marks = append(marks, "you")
		}
		if p.ID == pinned {
			marks = append(marks, "pinned")
		}
		if p.HasSource(model.SourceScreenShare) {
			marks = append(marks, "sharing")
		}
		a.out.Printf("%s (%s) %s", roomid.StripPostfix(p.ID), p.ID, strings.Join(marks, ","))
	}
	if a.sess.Indicator().Recording() {
		a.out.Printf("! this room is being recorded")
	}
}

func (a *app) showWaiting() {
	pending := a.sess.Admission().Pending()
	if len(pending) == 0 {
		a.out.Printf("nobody is waiting")
		return
	}
	for _, e := range pending {
		a.out.Printf("%s (%s) since %s", e.Name, e.Identity, e.RequestedAt.Format(time.TimeOnly))
	}
}

func (a *app) showRecordings(ctx context.Context) error {
	recs, err := a.store.ListRecordings(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		a.out.Printf("no recordings")
		return nil
	}
	for _, r := range recs {
		a.out.Printf("%s %s %s %s %s", r.RecordingID, r.RoomName, r.Status,
			r.StartTime.Format(time.DateTime), time.Duration(r.Duration)*time.Millisecond)
	}
	return nil
}

func (a *app) dumpState() {
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true}
	a.out.Printf("%s", cfg.Sdump(struct {
		Room       string
		Identity   string
		Authority  bool
		Waiting    bool
		Roster     []model.Participant
		Pending    any
		Recorder   string
		Recordings []recording.Activity
		Pinned     string
		AutoPinned bool
		Unread     int
		Transfers  int
	}{
		Room:       a.room,
		Identity:   a.sess.LocalIdentity(),
		Authority:  a.sess.Admission().IsAuthority(),
		Waiting:    a.sess.Admission().Waiting(),
		Roster:     a.sess.Roster(),
		Pending:    a.sess.Admission().Pending(),
		Recorder:   a.sess.Recorder().State().String(),
		Recordings: a.sess.Indicator().Active(),
		Pinned:     a.sess.Spotlight().Pinned(),
		AutoPinned: a.sess.Spotlight().Auto(),
		Unread:     a.sess.Chat().Unread(),
		Transfers:  a.sess.Receiver().Sessions(),
	}))
}

// withParticipant resolves arg as identity or display name.
func (a *app) withParticipant(arg string, fn func(id string) error) error {
	if arg == "" {
		return errors.New("participant is required")
	}
	candidates := make([]string, 0, 1)
	for _, p := range a.sess.Roster() {
		if p.ID == arg {
			return fn(p.ID)
		}
		if roomid.StripPostfix(p.ID) == arg {
			candidates = append(candidates, p.ID)
		}
	}
	for _, e := range a.sess.Admission().Pending() {
		if e.Identity == arg {
			return fn(e.Identity)
		}
		if e.Name == arg && !slices.Contains(candidates, e.Identity) {
			candidates = append(candidates, e.Identity)
		}
	}
	switch len(candidates) {
	case 0:
		return fmt.Errorf("%w: %s", errUnknownParticipant, arg)
	case 1:
		return fn(candidates[0])
	}
	return fmt.Errorf("%q is ambiguous: %s", arg, strings.Join(candidates, ", "))
}
