package loader

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const maxSampleFailures = 10

// Progress is a point-in-time view of a run, safe to read from any
// goroutine through Aggregator.Snapshot.
type Progress struct {
	RunID      string        `json:"run_id"`
	Total      int           `json:"total"`
	Queued     int           `json:"queued"`
	Unchanged  int           `json:"unchanged"`
	Duplicates int           `json:"duplicates"`
	Attempted  int           `json:"attempted"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Rate       float64       `json:"records_per_second"`
	Done       bool          `json:"done"`
}

// Aggregator is the single consumer of the outcome stream. Only its own
// goroutine mutates the counters; other goroutines read published
// snapshots.
type Aggregator struct {
	logger   zerolog.Logger
	every    int
	interval time.Duration
	now      func() time.Time

	start       time.Time
	progress    Progress
	reasons     map[Reason]int
	depsCreated map[string]int
	samples     []Outcome
	succeeded   FingerprintTable
	lastReport  int

	snapshot atomic.Pointer[Progress]
}

// NewAggregator reports progress every `every` records and every interval,
// whichever comes first. Zero disables that trigger.
func NewAggregator(runID string, every int, interval time.Duration, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		logger:      logger,
		every:       every,
		interval:    interval,
		now:         time.Now,
		reasons:     make(map[Reason]int),
		depsCreated: make(map[string]int),
		succeeded:   FingerprintTable{},
	}
	a.start = a.now()
	a.progress.RunID = runID
	a.publish()
	return a
}

// SetPlan records what the resolver produced. It must be called before Run.
func (a *Aggregator) SetPlan(total, queued, unchanged, duplicates int) {
	a.progress.Total = total
	a.progress.Queued = queued
	a.progress.Unchanged = unchanged
	a.progress.Duplicates = duplicates
	a.publish()
}

// Run consumes outcomes until the channel is closed.
func (a *Aggregator) Run(outcomes <-chan Outcome) {
	var tick <-chan time.Time
	if a.interval > 0 {
		t := time.NewTicker(a.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				a.progress.Done = true
				a.publish()
				return
			}
			a.Record(o)
			if a.every > 0 && a.progress.Attempted+a.progress.Skipped-a.lastReport >= a.every {
				a.report()
			}
		case <-tick:
			if a.progress.Attempted+a.progress.Skipped != a.lastReport {
				a.report()
			}
		}
	}
}

// Record folds one outcome into the counters. It is not safe for
// concurrent use; Run is the only caller once the run has started.
func (a *Aggregator) Record(o Outcome) {
	switch o.Kind {
	case OutcomeCreated:
		a.progress.Created++
	case OutcomeUpdated:
		a.progress.Updated++
	case OutcomeFailed:
		a.progress.Failed++
		a.reasons[o.Reason]++
		if len(a.samples) < maxSampleFailures {
			a.samples = append(a.samples, o)
		}
	case OutcomeSkipped:
		a.progress.Skipped++
	}
	if o.Kind != OutcomeSkipped {
		a.progress.Attempted++
	}
	for _, kind := range o.CreatedDeps {
		a.depsCreated[kind]++
	}
	if o.Succeeded() && o.ExternalID != "" {
		a.succeeded[o.ExternalID] = o.Hash
	}
	a.publish()
}

func (a *Aggregator) publish() {
	p := a.progress
	p.Elapsed = a.now().Sub(a.start)
	if secs := p.Elapsed.Seconds(); secs > 0 {
		p.Rate = float64(p.Attempted) / secs
	}
	a.snapshot.Store(&p)
}

func (a *Aggregator) report() {
	p := a.Snapshot()
	a.lastReport = p.Attempted + p.Skipped
	a.logger.Info().
		Int("done", p.Attempted+p.Skipped).
		Int("queued", p.Queued).
		Int("created", p.Created).
		Int("updated", p.Updated).
		Int("failed", p.Failed).
		Int("skipped", p.Skipped).
		Dur("elapsed", p.Elapsed).
		Float64("rate", p.Rate).
		Msg("progress")
}

// Snapshot returns the latest published progress.
func (a *Aggregator) Snapshot() Progress {
	return *a.snapshot.Load()
}

// Commit returns prior merged with the hashes of every CREATED or UPDATED
// record. Failed and skipped records keep their prior entry, if any.
func (a *Aggregator) Commit(prior FingerprintTable) FingerprintTable {
	merged := make(FingerprintTable, len(prior)+len(a.succeeded))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range a.succeeded {
		merged[k] = v
	}
	return merged
}

// Summary builds the final report. Call it after Run has returned.
func (a *Aggregator) Summary() *Summary {
	a.publish()
	p := a.Snapshot()
	s := &Summary{
		Progress:            p,
		FailedByReason:      make(map[Reason]int, len(a.reasons)),
		DependenciesCreated: make(map[string]int, len(a.depsCreated)),
		SampleFailures:      append([]Outcome(nil), a.samples...),
	}
	for k, v := range a.reasons {
		s.FailedByReason[k] = v
	}
	for k, v := range a.depsCreated {
		s.DependenciesCreated[k] = v
	}
	return s
}
