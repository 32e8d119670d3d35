package loader

import (
	"encoding/json"
	"fmt"
	"io"
)

// DependencyKey identifies a dependency entity on the sink.
type DependencyKey struct {
	ResourceType string
	ID           string
}

func (k DependencyKey) String() string {
	return k.ResourceType + "/" + k.ID
}

// Dependency is an entity that must exist on the sink before the primary
// record referencing it can be submitted.
type Dependency struct {
	// Kind is the role the entity plays for the record ("patient",
	// "coverage", "provider").
	Kind string
	Key  DependencyKey
	// RefPath locates the reference object inside the payload whose
	// "reference" is rewritten to the resolved id. Numeric segments index
	// into arrays.
	RefPath []string
	// Body is the resource to create when the entity is absent.
	Body interface{}
}

// Record is one unit of upload work. It is not modified after
// normalization; workers copy Payload before substituting references.
type Record struct {
	ExternalID   string
	ResourceType string
	Payload      map[string]interface{}
	Dependencies []Dependency

	// Canonical is the stable serialization of Payload and Hash its
	// hex-encoded SHA-256 digest.
	Canonical []byte
	Hash      string
}

// DecodeDocuments reads a JSON array of documents. Numbers are kept as
// json.Number so canonicalization sees the original text.
func DecodeDocuments(r io.Reader) ([]interface{}, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var docs []interface{}
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode input: expected a JSON array of records: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode input: trailing data after JSON array")
	}
	return docs, nil
}

// Slice applies the start/limit window used to resume or sample an input.
// A zero limit means no limit.
func Slice(docs []interface{}, start, limit int) []interface{} {
	if start < 0 {
		start = 0
	}
	if start >= len(docs) {
		return nil
	}
	end := len(docs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return docs[start:end]
}
