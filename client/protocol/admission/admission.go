// Package admission implements the waiting room.
//
// A participant joining an occupied room asks to be let in with a
// join-request. The admission authority, the participant who joined
// earliest, approves or denies it. Every client derives the authority from
// its own roster snapshot, so two clients may briefly both act as
// authority; responses are idempotent per identity which makes that harmless.
package admission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/adwski/huddle/client/transport"
	"github.com/rs/zerolog"
)

const (
	TopicRequest  = "waiting-room-request"
	TopicResponse = "waiting-room-response"

	ActionJoinRequest = "join-request"
	ActionApproved    = "approved"
	ActionDenied      = "denied"

	DefaultSettleDelay = time.Second
)

var (
	ErrAlreadySubmitted = errors.New("join request already submitted")
	ErrNotPending       = errors.New("identity has no pending request")
	ErrSend             = errors.New("unable to send admission message")
)

// Channel is the part of transport.Channel admission needs.
type Channel interface {
	Send(ctx context.Context, data []byte, opts transport.SendOptions) error
	Roster() []model.Participant
	LocalIdentity() string
}

// Entry is a pending join request.
type Entry struct {
	Identity    string
	Name        string
	RequestedAt time.Time
}

type joinRequest struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

func (joinRequest) Required() []string {
	return []string{"identity", "name"}
}

func (r joinRequest) Validate() error {
	if r.Identity == "" {
		return errors.New("identity is required")
	}
	return nil
}

type response struct {
	Identity string `json:"identity"`
}

func (r response) Validate() error {
	if r.Identity == "" {
		return errors.New("identity is required")
	}
	return nil
}

// Authority returns identity of the participant with the earliest join time.
// Ties are broken by identity. Empty roster has no authority.
func Authority(roster []model.Participant) string {
	var first *model.Participant
	for i := range roster {
		p := &roster[i]
		if first == nil ||
			p.JoinedAt.Before(first.JoinedAt) ||
			(p.JoinedAt.Equal(first.JoinedAt) && p.ID < first.ID) {
			first = p
		}
	}
	if first == nil {
		return ""
	}
	return first.ID
}

type Config struct {
	Logger      *zerolog.Logger
	Channel     Channel
	SettleDelay time.Duration

	// OnRequest is called on the authority for every new pending entry.
	OnRequest func(Entry)
	// OnApproved is called on the requester once its request is approved.
	OnApproved func()
	// OnDenied is called on the requester when its request is denied.
	OnDenied func()
}

type Protocol struct {
	ch     Channel
	logger zerolog.Logger
	settle time.Duration
	now    func() time.Time

	onRequest  func(Entry)
	onApproved func()
	onDenied   func()

	mx        *sync.Mutex
	pending   map[string]Entry
	waiting   bool
	submitted bool
}

func New(cfg Config) *Protocol {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	p := &Protocol{
		ch:         cfg.Channel,
		logger:     cfg.Logger.With().Str("component", "admission").Logger(),
		settle:     settle,
		now:        time.Now,
		onRequest:  cfg.OnRequest,
		onApproved: cfg.OnApproved,
		onDenied:   cfg.OnDenied,
		mx:         &sync.Mutex{},
		pending:    make(map[string]Entry),
	}
	if p.onRequest == nil {
		p.onRequest = func(Entry) {}
	}
	if p.onApproved == nil {
		p.onApproved = func() {}
	}
	if p.onDenied == nil {
		p.onDenied = func() {}
	}
	return p
}

// IsAuthority reports whether local participant currently is the authority.
func (p *Protocol) IsAuthority() bool {
	return Authority(p.ch.Roster()) == p.ch.LocalIdentity()
}

// Waiting reports whether local participant awaits a decision.
func (p *Protocol) Waiting() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.waiting
}

// Submit asks to be admitted. It waits for the settling delay so the roster
// can fill in, then sends a join-request if anybody else is present.
// It reports whether a request was sent. Only the first call does anything.
func (p *Protocol) Submit(ctx context.Context, name string) (bool, error) {
	p.mx.Lock()
	if p.submitted {
		p.mx.Unlock()
		return false, ErrAlreadySubmitted
	}
	p.submitted = true
	p.mx.Unlock()

	t := time.NewTimer(p.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
	}

	self := p.ch.LocalIdentity()
	others := 0
	for _, participant := range p.ch.Roster() {
		if participant.ID != self {
			others++
		}
	}
	if others == 0 {
		p.logger.Debug().Msg("room is empty, no admission needed")
		return false, nil
	}

	p.mx.Lock()
	p.waiting = true
	p.mx.Unlock()

	err := p.send(ctx, TopicRequest, ActionJoinRequest, joinRequest{Identity: self, Name: name})
	if err != nil {
		p.mx.Lock()
		p.waiting = false
		p.mx.Unlock()
		return false, err
	}
	p.logger.Debug().Int("others", others).Msg("join request sent")
	return true, nil
}

// Approve lets identity in. The entry is removed even if sending fails.
func (p *Protocol) Approve(ctx context.Context, identity string) error {
	return p.decide(ctx, identity, ActionApproved)
}

// Deny turns identity away. The entry is removed even if sending fails.
func (p *Protocol) Deny(ctx context.Context, identity string) error {
	return p.decide(ctx, identity, ActionDenied)
}

func (p *Protocol) decide(ctx context.Context, identity, action string) error {
	p.mx.Lock()
	_, ok := p.pending[identity]
	delete(p.pending, identity)
	p.mx.Unlock()
	if !ok {
		return ErrNotPending
	}

	if err := p.send(ctx, TopicResponse, action, response{Identity: identity}); err != nil {
		return err
	}
	p.logger.Debug().Str("identity", identity).Str("decision", action).Msg("admission decided")
	return nil
}

// Pending returns pending entries, oldest first.
func (p *Protocol) Pending() []Entry {
	p.mx.Lock()
	entries := make([]Entry, 0, len(p.pending))
	for _, e := range p.pending {
		entries = append(entries, e)
	}
	p.mx.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RequestedAt.Equal(entries[j].RequestedAt) {
			return entries[i].Identity < entries[j].Identity
		}
		return entries[i].RequestedAt.Before(entries[j].RequestedAt)
	})
	return entries
}

// Prune drops entries of participants who are no longer in roster.
func (p *Protocol) Prune(roster []model.Participant) {
	present := make(map[string]struct{}, len(roster))
	for _, participant := range roster {
		present[participant.ID] = struct{}{}
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	for id := range p.pending {
		if _, ok := present[id]; !ok {
			delete(p.pending, id)
			p.logger.Debug().Str("identity", id).Msg("requester left, entry dropped")
		}
	}
}

// Handle processes both admission topics.
func (p *Protocol) Handle(sender string, msg codec.Message) error {
	switch msg.Topic {
	case TopicRequest:
		return p.handleRequest(sender, msg)
	case TopicResponse:
		return p.handleResponse(sender, msg)
	}
	return nil
}

func (p *Protocol) handleRequest(sender string, msg codec.Message) error {
	if msg.Action != ActionJoinRequest {
		return nil
	}
	var req joinRequest
	if err := msg.Bind(&req); err != nil {
		return err
	}
	if req.Identity == p.ch.LocalIdentity() {
		return nil
	}
	if !p.IsAuthority() {
		p.logger.Trace().Str("identity", req.Identity).Msg("not the authority, ignoring join request")
		return nil
	}

	p.mx.Lock()
	if _, ok := p.pending[req.Identity]; ok {
		p.mx.Unlock()
		return nil
	}
	entry := Entry{
		Identity:    req.Identity,
		Name:        req.Name,
		RequestedAt: p.now(),
	}
	p.pending[req.Identity] = entry
	p.mx.Unlock()

	p.logger.Debug().
		Str("sender", sender).
		Str("identity", entry.Identity).
		Str("name", entry.Name).
		Msg("join request pending")
	p.onRequest(entry)
	return nil
}

func (p *Protocol) handleResponse(sender string, msg codec.Message) error {
	var resp response
	if err := msg.Bind(&resp); err != nil {
		return err
	}

	if resp.Identity != p.ch.LocalIdentity() {
		// decided by another authority
		p.mx.Lock()
		delete(p.pending, resp.Identity)
		p.mx.Unlock()
		return nil
	}

	p.mx.Lock()
	wasWaiting := p.waiting
	p.waiting = false
	p.mx.Unlock()

	switch msg.Action {
	case ActionApproved:
		if wasWaiting {
			p.logger.Info().Str("by", sender).Msg("admitted")
			p.onApproved()
		}
	case ActionDenied:
		p.logger.Warn().Str("by", sender).Msg("admission denied")
		p.onDenied()
	}
	return nil
}

func (p *Protocol) send(ctx context.Context, topic, action string, payload any) error {
	b, err := codec.Encode(topic, action, payload)
	if err != nil {
		return err
	}
	if err = p.ch.Send(ctx, b, transport.SendOptions{Reliable: true, Topic: topic}); err != nil {
		return errors.Join(ErrSend, err)
	}
	return nil
}
