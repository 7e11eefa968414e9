package recording

import (
	"sort"
	"sync"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/codec"
)

// Activity is what a remote participant is recording.
type Activity struct {
	Identity    string
	RecordingID string
	State       State
}

// Indicator tracks recordings announced by other participants.
type Indicator struct {
	onChange func(Activity)

	mx     *sync.Mutex
	active map[string]Activity
}

func NewIndicator(onChange func(Activity)) *Indicator {
	if onChange == nil {
		onChange = func(Activity) {}
	}
	return &Indicator{
		onChange: onChange,
		mx:       &sync.Mutex{},
		active:   make(map[string]Activity),
	}
}

func (ind *Indicator) Handle(sender string, msg codec.Message) error {
	var st status
	if err := msg.Bind(&st); err != nil {
		return err
	}
	a := Activity{Identity: sender, RecordingID: st.RecordingID}
	switch msg.Action {
	case ActionStarted, ActionResumed:
		a.State = StateRecording
	case ActionPaused:
		a.State = StatePaused
	case ActionStopped:
		a.State = StateIdle
	default:
		return nil
	}

	ind.mx.Lock()
	if a.State == StateIdle {
		delete(ind.active, sender)
	} else {
		ind.active[sender] = a
	}
	ind.mx.Unlock()

	ind.onChange(a)
	return nil
}

// Recording reports whether anyone in the room is recording, paused or not.
func (ind *Indicator) Recording() bool {
	ind.mx.Lock()
	defer ind.mx.Unlock()
	return len(ind.active) > 0
}

// Active lists ongoing remote recordings by identity.
func (ind *Indicator) Active() []Activity {
	ind.mx.Lock()
	list := make([]Activity, 0, len(ind.active))
	for _, a := range ind.active {
		list = append(list, a)
	}
	ind.mx.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Identity < list[j].Identity })
	return list
}

// Prune forgets recorders who left the room.
func (ind *Indicator) Prune(roster []model.Participant) {
	present := make(map[string]struct{}, len(roster))
	for _, p := range roster {
		present[p.ID] = struct{}{}
	}

	ind.mx.Lock()
	var gone []Activity
	for id, a := range ind.active {
		if _, ok := present[id]; !ok {
			delete(ind.active, id)
			a.State = StateIdle
			gone = append(gone, a)
		}
	}
	ind.mx.Unlock()

	for _, a := range gone {
		ind.onChange(a)
	}
}
