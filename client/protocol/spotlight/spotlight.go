// Package spotlight decides whose video is pinned. The selection is local to
// one client and is never sent to the room.
package spotlight

import (
	"sync"

	"github.com/adwski/huddle/backend/model"
)

// Track is an active video track.
type Track struct {
	Identity string
	Source   string
}

func (t Track) ScreenShare() bool {
	return t.Source == model.SourceScreenShare
}

// Tracks lists published video tracks of the roster in roster order.
func Tracks(roster []model.Participant) []Track {
	var tracks []Track
	for _, p := range roster {
		for _, src := range p.Sources {
			tracks = append(tracks, Track{Identity: p.ID, Source: src})
		}
	}
	return tracks
}

// Selection is the pin state of one client.
//
// A screen share is pinned automatically unless the user pinned someone
// by hand. The automatic pin goes away with its screen share; a manual pin
// stays until the user changes it.
type Selection struct {
	onChange func(pinned string)

	mx     *sync.Mutex
	pinned string
	autoBy string
}

// New returns an empty selection. onChange, if not nil, is called with the
// new pinned identity whenever it changes.
func New(onChange func(pinned string)) *Selection {
	if onChange == nil {
		onChange = func(string) {}
	}
	return &Selection{
		onChange: onChange,
		mx:       &sync.Mutex{},
	}
}

// SetTracks applies the automatic pin rule to the current track set.
func (s *Selection) SetTracks(tracks []Track) string {
	var sharing []string
	for _, t := range tracks {
		if t.ScreenShare() {
			sharing = append(sharing, t.Identity)
		}
	}

	s.mx.Lock()
	before := s.pinned
	switch {
	case len(sharing) > 0 && (s.pinned == "" || s.pinned == s.autoBy):
		pick := sharing[0]
		for _, id := range sharing {
			if id == s.autoBy {
				pick = id
				break
			}
		}
		s.pinned = pick
		s.autoBy = pick
	case len(sharing) == 0 && s.autoBy != "" && s.pinned == s.autoBy:
		s.pinned = ""
		s.autoBy = ""
	}
	pinned := s.pinned
	s.mx.Unlock()

	if pinned != before {
		s.onChange(pinned)
	}
	return pinned
}

// Pin spotlights identity by hand.
func (s *Selection) Pin(identity string) {
	s.set(identity)
}

func (s *Selection) Unpin() {
	s.set("")
}

// Toggle unpins identity if it is pinned and pins it otherwise.
func (s *Selection) Toggle(identity string) string {
	s.mx.Lock()
	next := identity
	if s.pinned == identity {
		next = ""
	}
	s.mx.Unlock()

	s.set(next)
	return next
}

func (s *Selection) Pinned() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.pinned
}

// Auto reports whether current pin was made by the screen share rule.
func (s *Selection) Auto() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.pinned != "" && s.pinned == s.autoBy
}

func (s *Selection) set(identity string) {
	s.mx.Lock()
	changed := s.pinned != identity
	s.pinned = identity
	s.autoBy = ""
	s.mx.Unlock()

	if changed {
		s.onChange(identity)
	}
}
