package loader

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ehr/claimloader/internal/platform/fhirclient"
)

// fakeSink is an in-memory Sink that counts calls per method and resource.
type fakeSink struct {
	mu       sync.Mutex
	existing map[string]bool
	calls    map[string]int
	puts     map[string]int
	nextID   int
	delay    time.Duration

	// hook may return an error to inject for a call.
	hook func(method, resourceType, id string) error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		existing: make(map[string]bool),
		calls:    make(map[string]int),
		puts:     make(map[string]int),
	}
}

func (s *fakeSink) before(method, resourceType, id string) error {
	s.mu.Lock()
	s.calls[method+" "+resourceType]++
	hook, delay := s.hook, s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		return hook(method, resourceType, id)
	}
	return nil
}

func (s *fakeSink) Read(_ context.Context, resourceType, id string) (*fhirclient.Response, error) {
	if err := s.before(http.MethodGet, resourceType, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existing[resourceType+"/"+id] {
		return nil, &fhirclient.StatusError{Method: http.MethodGet, URL: resourceType + "/" + id, StatusCode: http.StatusNotFound}
	}
	return &fhirclient.Response{StatusCode: http.StatusOK, ID: id}, nil
}

func (s *fakeSink) Update(_ context.Context, resourceType, id string, _ []byte) (*fhirclient.Response, error) {
	if err := s.before(http.MethodPut, resourceType, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resourceType + "/" + id
	s.puts[key]++
	status := http.StatusOK
	if !s.existing[key] {
		status = http.StatusCreated
		s.existing[key] = true
	}
	return &fhirclient.Response{StatusCode: status, ID: id}, nil
}

func (s *fakeSink) Create(_ context.Context, resourceType string, _ []byte) (*fhirclient.Response, error) {
	if err := s.before(http.MethodPost, resourceType, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprint(s.nextID)
	s.existing[resourceType+"/"+id] = true
	return &fhirclient.Response{StatusCode: http.StatusCreated, ID: id}, nil
}

func (s *fakeSink) seed(resourceType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existing[resourceType+"/"+id] = true
}

func (s *fakeSink) count(method, resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+resourceType]
}

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *fakeSink) putsFor(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *fakeSink) setHook(h func(method, resourceType, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// fakeSleeper records requested delays without waiting.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleeper) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = noSleep
	return p
}

// claimDoc builds a bare claim with no dependencies.
func claimDoc(i int) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Claim",
		"id":           fmt.Sprintf("c-%d", i),
		"status":       "active",
		"created":      "2024-03-01",
		"total":        map[string]interface{}{"value": float64(100 + i), "currency": "USD"},
	}
}

// claimWithPatient adds a patient reference and metadata.
func claimWithPatient(i int, patientID string) map[string]interface{} {
	doc := claimDoc(i)
	doc["patient"] = map[string]interface{}{"reference": "Patient/" + patientID, "display": "Jane Q Doe"}
	doc[MetadataField] = map[string]interface{}{"gender": "F", "city": "Austin", "state": "TX"}
	return doc
}

func makeDocs(n int, build func(i int) map[string]interface{}) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = build(i)
	}
	return out
}
