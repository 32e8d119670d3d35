package loader

import (
	"github.com/rs/zerolog"
)

// Classification is the delta status of a record.
type Classification string

const (
	ClassNew       Classification = "NEW"
	ClassChanged   Classification = "CHANGED"
	ClassUnchanged Classification = "UNCHANGED"
)

// WorkItem is a record queued for upload.
type WorkItem struct {
	Record *Record
	Class  Classification
}

// Resolution is the resolver's output.
type Resolution struct {
	Items      []WorkItem
	Unchanged  int
	Duplicates int
}

// Resolve classifies records against table. With delta disabled every
// record is NEW and the table is not consulted. When an external id occurs
// more than once the last occurrence wins and earlier ones are dropped with
// a warning, so no id can land in two batches.
func Resolve(records []*Record, table FingerprintTable, delta bool, logger zerolog.Logger) Resolution {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.ExternalID] = i
	}

	res := Resolution{Items: make([]WorkItem, 0, len(last))}
	for i, r := range records {
		if last[r.ExternalID] != i {
			res.Duplicates++
			logger.Warn().
				Str("external_id", r.ExternalID).
				Int("position", i).
				Int("kept_position", last[r.ExternalID]).
				Msg("duplicate external id, keeping last occurrence")
			continue
		}

		class := ClassNew
		if delta {
			class = Classify(table, r)
		}
		if class == ClassUnchanged {
			res.Unchanged++
			continue
		}
		res.Items = append(res.Items, WorkItem{Record: r, Class: class})
	}
	return res
}

// Classify compares one record's hash with the table entry.
func Classify(table FingerprintTable, r *Record) Classification {
	prev, ok := table[r.ExternalID]
	switch {
	case !ok:
		return ClassNew
	case prev != r.Hash:
		return ClassChanged
	default:
		return ClassUnchanged
	}
}
