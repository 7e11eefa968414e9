package spotlight

import (
	"testing"

	"github.com/adwski/huddle/backend/model"
	"github.com/stretchr/testify/assert"
)

var (
	camP   = Track{Identity: "p", Source: model.SourceCamera}
	shareP = Track{Identity: "p", Source: model.SourceScreenShare}
	camQ   = Track{Identity: "q", Source: model.SourceCamera}
	shareQ = Track{Identity: "q", Source: model.SourceScreenShare}
)

func TestSelection_AutoPin(t *testing.T) {
	var changes []string
	s := New(func(p string) { changes = append(changes, p) })

	assert.Equal(t, "", s.SetTracks([]Track{camP, camQ}))
	assert.Equal(t, "p", s.SetTracks([]Track{camP, shareP, camQ}))
	assert.True(t, s.Auto())

	assert.Equal(t, "", s.SetTracks([]Track{camP, camQ}))
	assert.False(t, s.Auto())
	assert.Equal(t, []string{"p", ""}, changes)
}

func TestSelection_ManualPinWins(t *testing.T) {
	s := New(nil)

	s.Pin("q")
	assert.Equal(t, "q", s.SetTracks([]Track{camP, shareP, camQ}))
	assert.False(t, s.Auto())
	assert.Equal(t, "q", s.SetTracks([]Track{camP, camQ}))

	// manual pin over an auto pin survives the share going away
	s.Unpin()
	assert.Equal(t, "p", s.SetTracks([]Track{shareP, camQ}))
	s.Pin("p")
	assert.Equal(t, "p", s.SetTracks([]Track{camQ}))
}

func TestSelection_KeepsCurrentShare(t *testing.T) {
	s := New(nil)

	assert.Equal(t, "q", s.SetTracks([]Track{shareQ}))
	assert.Equal(t, "q", s.SetTracks([]Track{shareP, shareQ}))
	assert.Equal(t, "p", s.SetTracks([]Track{shareP}))
	assert.True(t, s.Auto())
}

func TestSelection_Toggle(t *testing.T) {
	s := New(nil)

	assert.Equal(t, "p", s.Toggle("p"))
	assert.Equal(t, "q", s.Toggle("q"))
	assert.Equal(t, "", s.Toggle("q"))
	assert.Equal(t, "", s.Pinned())

	s.SetTracks([]Track{shareP})
	assert.Equal(t, "", s.Toggle("p"))
	assert.False(t, s.Auto())
}

func TestTracks(t *testing.T) {
	roster := []model.Participant{
		{ID: "p", Sources: []string{model.SourceCamera, model.SourceScreenShare}},
		{ID: "x"},
		{ID: "q", Sources: []string{model.SourceCamera}},
	}
	assert.Equal(t, []Track{camP, shareP, camQ}, Tracks(roster))
}
