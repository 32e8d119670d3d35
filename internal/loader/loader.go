// Package loader uploads generated FHIR claims to a FHIR server in parallel,
// skipping records whose content has not changed since the last run.
//
// A run normalizes every input document, classifies it against the stored
// fingerprint table, partitions the work into batches consumed by a pool of
// workers, and aggregates per-record outcomes. Only records the server
// accepted are written back to the table.
package loader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize        = 100
	DefaultWorkers          = 4
	DefaultProgressEvery    = 1000
	DefaultProgressInterval = 5 * time.Second

	outcomeBuffer = 256
)

// Options configures a Loader.
type Options struct {
	BatchSize int
	Workers   int
	Delta     bool
	Method    SubmitMethod
	Retry     RetryPolicy
	// Extractor interprets input documents; defaults to ClaimExtractor.
	Extractor        Extractor
	ProgressEvery    int
	ProgressInterval time.Duration
	RunID            string
}

// Loader runs one load. It is not reusable.
type Loader struct {
	sink   Sink
	store  FingerprintStore
	opts   Options
	agg    *Aggregator
	logger zerolog.Logger
}

// New returns a Loader writing to sink and keeping fingerprints in store.
func New(sink Sink, store FingerprintStore, opts Options, logger zerolog.Logger) *Loader {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.Method == "" {
		opts.Method = SubmitPut
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	logger = logger.With().Str("run_id", opts.RunID).Logger()
	return &Loader{
		sink:   sink,
		store:  store,
		opts:   opts,
		agg:    NewAggregator(opts.RunID, opts.ProgressEvery, opts.ProgressInterval, logger),
		logger: logger,
	}
}

// Progress returns live counters; safe to call while Run is in progress.
func (l *Loader) Progress() Progress {
	return l.agg.Snapshot()
}

// Run loads docs. Per-record failures only show up in the summary; the
// returned error is a *FatalConfigurationError raised before any upload,
// or a failure to persist the fingerprint table at the end.
//
// Cancelling ctx stops dispatching, lets in-flight records finish, marks
// the rest SKIPPED and still saves the fingerprints of what succeeded.
func (l *Loader) Run(ctx context.Context, docs []interface{}) (*Summary, error) {
	table, err := l.store.Load(ctx)
	if err != nil {
		if l.opts.Delta {
			return nil, &FatalConfigurationError{Op: "load fingerprint table", Err: err}
		}
		l.logger.Warn().Err(err).Msg("ignoring unreadable fingerprint table, delta mode is off")
		table = FingerprintTable{}
	}

	normalizer := NewNormalizer(l.opts.Extractor)
	records := make([]*Record, 0, len(docs))
	for i, doc := range docs {
		rec, err := normalizer.Normalize(i, doc)
		if err != nil {
			l.logger.Warn().Err(err).Int("index", i).Msg("invalid record")
			l.agg.Record(Outcome{Kind: OutcomeFailed, Reason: ReasonInvalid, Detail: err.Error(), Batch: -1})
			continue
		}
		records = append(records, rec)
	}

	res := Resolve(records, table, l.opts.Delta, l.logger)
	batches := Partition(res.Items, l.opts.BatchSize)
	l.agg.SetPlan(len(docs), len(res.Items), res.Unchanged, res.Duplicates)
	l.logger.Info().
		Int("records", len(docs)).
		Int("queued", len(res.Items)).
		Int("unchanged", res.Unchanged).
		Int("duplicates", res.Duplicates).
		Int("batches", len(batches)).
		Int("workers", l.opts.Workers).
		Bool("delta", l.opts.Delta).
		Msg("starting upload")

	outcomes := make(chan Outcome, outcomeBuffer)
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		l.agg.Run(outcomes)
	}()

	queue := make(chan Batch, QueueCapacity(l.opts.Workers))
	deps := NewDependencyCache()
	sent := 0

	// Only the dispatcher reports an error, and only on cancellation; record
	// failures travel as outcomes.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		sent, err = Dispatch(ctx, batches, queue)
		return err
	})
	for i := 0; i < l.opts.Workers; i++ {
		w := NewWorker(i, l.sink, deps, l.opts.Retry, l.opts.Method, outcomes, l.logger)
		g.Go(func() error {
			w.Run(ctx, queue)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.logger.Warn().Err(err).Int("dispatched", sent).Int("batches", len(batches)).Msg("dispatch stopped early")
	}

	for _, b := range batches[sent:] {
		for _, item := range b.Items {
			outcomes <- skippedOutcome(item, b.Seq, -1)
		}
	}
	close(outcomes)
	<-aggDone

	summary := l.agg.Summary()
	summary.Batches = len(batches)
	summary.Interrupted = ctx.Err() != nil

	merged := l.agg.Commit(table)
	summary.FingerprintEntries = len(merged)
	if err := l.store.Save(context.WithoutCancel(ctx), merged); err != nil {
		return summary, err
	}
	l.logger.Info().
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("dependencies", deps.Len()).
		Dur("elapsed", summary.Elapsed).
		Float64("rate", summary.Rate).
		Bool("interrupted", summary.Interrupted).
		Msg("load finished")
	return summary, nil
}
