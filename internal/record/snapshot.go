package record

import (
	"encoding/json"
	"errors"
	"time"

	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Snapshot is an immutable copy of a Record.
type Snapshot struct {
	RunID      string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageRecord
}

// Stage returns the named stage's record.
func (s Snapshot) Stage(name string) (StageRecord, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageRecord{}, false
}

// State returns the named stage's state; unknown stages read as Pending.
func (s Snapshot) State(name string) State {
	st, _ := s.Stage(name)
	return st.State
}

// Counts tallies stages per state.
func (s Snapshot) Counts() map[State]int {
	counts := make(map[State]int)
	for _, st := range s.Stages {
		counts[st.State]++
	}
	return counts
}

// Err joins the last error of every failed or timed-out stage. It is nil when
// no stage failed.
func (s Snapshot) Err() error {
	var errs []error
	for _, st := range s.Stages {
		if st.State.Failure() && st.LastError != nil {
			errs = append(errs, st.LastError)
		}
	}
	return errors.Join(errs...)
}

type stageDocument struct {
	Name       string          `json:"name"`
	State      State           `json:"state"`
	Critical   bool            `json:"critical"`
	Attempts   int             `json:"attempts"`
	Cached     bool            `json:"cached,omitempty"`
	SkipReason SkipReason      `json:"skip_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

type snapshotDocument struct {
	RunID      string          `json:"run_id"`
	Status     RunStatus       `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Stages     []stageDocument `json:"stages"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// MarshalJSON renders the snapshot for archives and status endpoints. Stage
// outputs are encoded with their cty JSON representation.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	doc := snapshotDocument{
		RunID:      s.RunID,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		FinishedAt: timePtr(s.FinishedAt),
		Stages:     make([]stageDocument, 0, len(s.Stages)),
	}
	for _, st := range s.Stages {
		sd := stageDocument{
			Name:       st.Name,
			State:      st.State,
			Critical:   st.Critical,
			Attempts:   st.Attempts,
			Cached:     st.Cached,
			SkipReason: st.SkipReason,
			StartedAt:  timePtr(st.StartedAt),
			FinishedAt: timePtr(st.FinishedAt),
		}
		if st.LastError != nil {
			sd.Error = st.LastError.Error()
		}
		if !st.Output.IsNull() && st.Output.IsWhollyKnown() {
			raw, err := ctyjson.Marshal(st.Output, st.Output.Type())
			if err != nil {
				return nil, err
			}
			sd.Output = raw
		}
		doc.Stages = append(doc.Stages, sd)
	}
	return json.Marshal(doc)
}
