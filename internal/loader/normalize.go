package loader

import (
	"fmt"
)

// MetadataField holds generator bookkeeping. It is stripped from the payload
// before hashing and submission.
const MetadataField = "_metadata"

// Extractor derives a record's identity and dependencies from a raw
// document. meta is the document's _metadata object, or nil.
type Extractor interface {
	ResourceType(doc map[string]interface{}) string
	ExternalID(doc, meta map[string]interface{}) (string, error)
	Dependencies(doc, meta map[string]interface{}) []Dependency
}

// Normalizer turns raw documents into Records with a canonical form and a
// content fingerprint.
type Normalizer struct {
	extractor Extractor
}

// NewNormalizer returns a Normalizer using ex, or ClaimExtractor when ex is nil.
func NewNormalizer(ex Extractor) *Normalizer {
	if ex == nil {
		ex = ClaimExtractor{}
	}
	return &Normalizer{extractor: ex}
}

// Normalize validates one document. It never repairs input: anything it
// cannot use is reported as *InvalidRecordError.
func (n *Normalizer) Normalize(index int, raw interface{}) (*Record, error) {
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &InvalidRecordError{Index: index, Reason: fmt.Sprintf("expected a JSON object, got %s", jsonKind(raw))}
	}

	meta, _ := doc[MetadataField].(map[string]interface{})
	payload := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k != MetadataField {
			payload[k] = v
		}
	}

	id, err := n.extractor.ExternalID(payload, meta)
	if err != nil {
		return nil, &InvalidRecordError{Index: index, Reason: err.Error()}
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, &InvalidRecordError{Index: index, Reason: err.Error()}
	}

	return &Record{
		ExternalID:   id,
		ResourceType: n.extractor.ResourceType(payload),
		Payload:      payload,
		Dependencies: n.extractor.Dependencies(payload, meta),
		Canonical:    canonical,
		Hash:         Fingerprint(canonical),
	}, nil
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	default:
		return "number"
	}
}
