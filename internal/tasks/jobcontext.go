package tasks

import (
	"log/slog"
	"sync"
	"time"

	"georeg/internal/logging"
)

// State is a step of the co-registration state machine.
type State string

const (
	StateStart              State = "start"
	StateAOIParsed          State = "aoi_parsed"
	StateAClipped           State = "a_clipped"
	StateAWritten           State = "a_written"
	StateBFootprintComputed State = "b_footprint_computed"
	StateBClipped           State = "b_clipped"
	StateBWrittenInitial    State = "b_written_initial"
	StateShiftEstimated     State = "shift_estimated"
	StateBTransformed       State = "b_transformed"
	StateBWrittenFinal      State = "b_written_final"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// milestones maps the states that complete a reported stage to their
// percentage. States not listed emit nothing.
var milestones = map[State]int{
	StateStart:           5,
	StateAWritten:        25,
	StateBWrittenInitial: 45,
	StateShiftEstimated:  65,
	StateBWrittenFinal:   90,
	StateDone:            100,
	StateFailed:          100,
}

// Milestone returns the progress percentage emitted on entering s.
func Milestone(s State) (int, bool) {
	p, ok := milestones[s]
	return p, ok
}

// Progress is one emitted milestone.
type Progress struct {
	JobID   string    `json:"job_id"`
	State   State     `json:"state"`
	Percent int       `json:"percent"`
	Time    time.Time `json:"time"`
}

// ProgressFunc receives milestones in order. It is called synchronously
// from the job's goroutine.
type ProgressFunc func(Progress)

// JobContext tracks one run: its identity, output directory, current state
// and the milestones already emitted.
type JobContext struct {
	ID        string
	OutputDir string

	log      *slog.Logger
	notify   ProgressFunc
	mu       sync.Mutex
	state    State
	emitted  []int
	lastPerc int
}

// NewJobContext starts a context in no state; the first call to Enter is
// expected to be StateStart.
func NewJobContext(id, outputDir string, logger *slog.Logger, notify ProgressFunc) *JobContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobContext{ID: id, OutputDir: outputDir, log: logger, notify: notify}
}

// Enter moves to s, logging the step and emitting its milestone. Percent
// values only increase; a milestone at or below the last one is dropped.
func (jc *JobContext) Enter(s State, details map[string]any) {
	jc.mu.Lock()
	if jc.state.Terminal() {
		jc.mu.Unlock()
		return
	}
	jc.state = s
	perc, ok := milestones[s]
	emit := ok && perc > jc.lastPerc
	if emit {
		jc.lastPerc = perc
		jc.emitted = append(jc.emitted, perc)
	}
	jc.mu.Unlock()

	status := "ok"
	if s == StateFailed {
		status = "failed"
	}
	logging.LogProcessingStep(jc.log, jc.ID, string(s), status, details)

	if emit && jc.notify != nil {
		jc.notify(Progress{JobID: jc.ID, State: s, Percent: perc, Time: time.Now()})
	}
}

// Fail moves to StateFailed. It is a no-op once the run is terminal.
func (jc *JobContext) Fail(err error) {
	jc.Enter(StateFailed, map[string]any{"error": err.Error(), "after": string(jc.State())})
}

// State is the current state.
func (jc *JobContext) State() State {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.state
}

// Milestones returns the percentages emitted so far.
func (jc *JobContext) Milestones() []int {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return append([]int(nil), jc.emitted...)
}
