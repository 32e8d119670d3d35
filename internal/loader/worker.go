package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/claimloader/internal/platform/fhir"
	"github.com/ehr/claimloader/internal/platform/fhirclient"
)

// Sink is the remote FHIR endpoint. *fhirclient.Client implements it.
type Sink interface {
	Read(ctx context.Context, resourceType, id string) (*fhirclient.Response, error)
	Update(ctx context.Context, resourceType, id string, body []byte) (*fhirclient.Response, error)
	Create(ctx context.Context, resourceType string, body []byte) (*fhirclient.Response, error)
}

// SubmitMethod selects how primary records are sent.
type SubmitMethod string

const (
	// SubmitPut upserts each record under an id derived from its external id,
	// so re-running a changed record updates it in place.
	SubmitPut SubmitMethod = "put"
	// SubmitPost lets the server assign ids; every success is a creation.
	SubmitPost SubmitMethod = "post"
)

// DerivedID maps an external id to a stable FHIR-safe logical id.
func DerivedID(externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return "claim-" + hex.EncodeToString(sum[:])[:32]
}

// Worker uploads the records of the batches it takes from the queue.
type Worker struct {
	id       int
	sink     Sink
	deps     *DependencyCache
	retry    RetryPolicy
	method   SubmitMethod
	outcomes chan<- Outcome
	logger   zerolog.Logger
}

// NewWorker returns a worker that reports to outcomes.
func NewWorker(id int, sink Sink, deps *DependencyCache, retry RetryPolicy, method SubmitMethod, outcomes chan<- Outcome, logger zerolog.Logger) *Worker {
	if method == "" {
		method = SubmitPut
	}
	return &Worker{
		id:       id,
		sink:     sink,
		deps:     deps,
		retry:    retry,
		method:   method,
		outcomes: outcomes,
		logger:   logger.With().Int("worker", id).Logger(),
	}
}

// Run processes batches until the queue is closed. After ctx is cancelled
// the remaining batches are drained and reported as skipped.
func (w *Worker) Run(ctx context.Context, queue <-chan Batch) {
	for b := range queue {
		w.ProcessBatch(ctx, b)
	}
}

// ProcessBatch uploads the batch's records in order, emitting one Outcome
// per record. A cancelled ctx lets the current record finish; the records
// after it are skipped.
func (w *Worker) ProcessBatch(ctx context.Context, b Batch) {
	w.logger.Debug().Int("batch", b.Seq).Int("size", len(b.Items)).Msg("batch started")
	for _, item := range b.Items {
		if ctx.Err() != nil {
			w.outcomes <- skippedOutcome(item, b.Seq, w.id)
			continue
		}
		w.outcomes <- w.process(ctx, b.Seq, item)
	}
}

func (w *Worker) process(ctx context.Context, batch int, item WorkItem) Outcome {
	start := time.Now()
	rec := item.Record
	out := Outcome{
		ExternalID: rec.ExternalID,
		Hash:       rec.Hash,
		Class:      item.Class,
		Batch:      batch,
		Worker:     w.id,
	}

	payload, _ := deepCopy(rec.Payload).(map[string]interface{})
	for _, dep := range rec.Dependencies {
		id, created, err := w.deps.Resolve(ctx, dep.Key, func(ctx context.Context) (string, bool, error) {
			return w.resolveDependency(ctx, dep)
		})
		if created {
			out.CreatedDeps = append(out.CreatedDeps, dep.Kind)
		}
		if err != nil {
			return w.failed(out, start, &DependencyResolutionError{Key: dep.Key, Err: err})
		}
		setReference(payload, dep.RefPath, fhir.FormatReference(dep.Key.ResourceType, id))
	}

	kind, attempts, err := w.submit(ctx, rec, payload)
	out.Attempts = attempts
	if err != nil {
		return w.failed(out, start, err)
	}
	out.Kind = kind
	out.Elapsed = time.Since(start)
	return out
}

// resolveDependency looks the entity up by its client id and creates it on
// 404/410. Creation uses PUT with the same id, so a repeated attempt after
// an ambiguous failure cannot produce a second entity.
func (w *Worker) resolveDependency(ctx context.Context, dep Dependency) (string, bool, error) {
	body, err := json.Marshal(dep.Body)
	if err != nil {
		return "", false, fmt.Errorf("encode %s: %w", dep.Key, err)
	}

	id := dep.Key.ID
	created := false
	_, err = w.retry.Do(ctx, func(ctx context.Context) error {
		netCtx := context.WithoutCancel(ctx)
		resp, err := w.sink.Read(netCtx, dep.Key.ResourceType, dep.Key.ID)
		if err == nil {
			if resp.ID != "" {
				id = resp.ID
			}
			return nil
		}
		if !fhirclient.IsNotFound(err) {
			return err
		}
		resp, err = w.sink.Update(netCtx, dep.Key.ResourceType, dep.Key.ID, body)
		if err != nil {
			return err
		}
		if resp.ID != "" {
			id = resp.ID
		}
		created = resp.Created()
		w.logger.Debug().Str("kind", dep.Kind).Str("key", dep.Key.String()).Msg("dependency created")
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func (w *Worker) submit(ctx context.Context, rec *Record, payload map[string]interface{}) (OutcomeKind, int, error) {
	var id string
	if w.method == SubmitPut {
		id = DerivedID(rec.ExternalID)
		payload["id"] = id
	} else {
		delete(payload, "id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, &PermanentSinkError{Err: fmt.Errorf("encode payload: %w", err)}
	}

	kind := OutcomeCreated
	attempts, err := w.retry.Do(ctx, func(ctx context.Context) error {
		netCtx := context.WithoutCancel(ctx)
		if w.method == SubmitPut {
			resp, err := w.sink.Update(netCtx, rec.ResourceType, id, body)
			if err != nil {
				return err
			}
			if !resp.Created() {
				kind = OutcomeUpdated
			}
			return nil
		}
		_, err := w.sink.Create(netCtx, rec.ResourceType, body)
		return err
	})
	if err != nil {
		switch err.(type) {
		case *TransientSinkError, *CancelledError:
			return "", attempts, err
		default:
			return "", attempts, &PermanentSinkError{Err: err}
		}
	}
	return kind, attempts, nil
}

func (w *Worker) failed(out Outcome, start time.Time, err error) Outcome {
	out.Kind = OutcomeFailed
	out.Reason = FailureReason(err)
	out.Detail = err.Error()
	out.Elapsed = time.Since(start)
	w.logger.Warn().
		Str("external_id", out.ExternalID).
		Str("reason", string(out.Reason)).
		Int("attempts", out.Attempts).
		Str("detail", out.Detail).
		Msg("record failed")
	return out
}

// setReference writes {"reference": ref} at path, creating missing objects
// (never array elements) and keeping any other fields of the target.
func setReference(doc map[string]interface{}, path []string, ref string) {
	if len(path) == 0 {
		return
	}
	var cur interface{} = doc
	for i, seg := range path {
		last := i == len(path)-1
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok || next == nil {
				if !last {
					if _, err := strconv.Atoi(path[i+1]); err == nil {
						return
					}
				}
				next = map[string]interface{}{}
				node[seg] = next
			}
			if last {
				target, ok := next.(map[string]interface{})
				if !ok {
					target = map[string]interface{}{}
					node[seg] = target
				}
				target["reference"] = ref
				return
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return
			}
			if last {
				target, ok := node[idx].(map[string]interface{})
				if !ok {
					target = map[string]interface{}{}
					node[idx] = target
				}
				target["reference"] = ref
				return
			}
			if node[idx] == nil {
				node[idx] = map[string]interface{}{}
			}
			cur = node[idx]
		default:
			return
		}
	}
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}
