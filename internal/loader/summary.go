package loader

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Summary is the final report of a run.
type Summary struct {
	Progress
	FailedByReason      map[Reason]int
	DependenciesCreated map[string]int
	SampleFailures      []Outcome
	Batches             int
	Interrupted         bool
	FingerprintEntries  int
}

// Print writes the human-readable summary block.
func (s *Summary) Print(w io.Writer) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "LOAD SUMMARY")
	fmt.Fprintln(w, line)
	if s.Interrupted {
		fmt.Fprintln(w, "Run interrupted; partial results were saved.")
	}
	fmt.Fprintf(w, "Input records:     %d\n", s.Total)
	fmt.Fprintf(w, "Unchanged:         %d\n", s.Unchanged)
	fmt.Fprintf(w, "Duplicates:        %d\n", s.Duplicates)
	fmt.Fprintf(w, "Batches:           %d\n", s.Batches)
	fmt.Fprintf(w, "Attempted:         %d\n", s.Attempted)
	fmt.Fprintf(w, "Created:           %d\n", s.Created)
	fmt.Fprintf(w, "Updated:           %d\n", s.Updated)
	fmt.Fprintf(w, "Failed:            %d\n", s.Failed)
	for _, r := range sortedKeys(s.FailedByReason) {
		fmt.Fprintf(w, "  %-22s %d\n", r+":", s.FailedByReason[Reason(r)])
	}
	fmt.Fprintf(w, "Skipped:           %d\n", s.Skipped)
	if len(s.DependenciesCreated) > 0 {
		fmt.Fprintln(w, "Dependencies created:")
		for _, k := range sortedKeys(s.DependenciesCreated) {
			fmt.Fprintf(w, "  %-22s %d\n", k+":", s.DependenciesCreated[k])
		}
	}
	fmt.Fprintf(w, "Elapsed:           %s\n", s.Elapsed.Round(1e6))
	fmt.Fprintf(w, "Rate:              %.1f records/s\n", s.Rate)
	fmt.Fprintf(w, "Fingerprints:      %d\n", s.FingerprintEntries)
	if len(s.SampleFailures) > 0 {
		fmt.Fprintln(w, "Sample failures:")
		for _, o := range s.SampleFailures {
			fmt.Fprintf(w, "  %s [%s] %s\n", o.ExternalID, o.Reason, o.Detail)
		}
	}
	fmt.Fprintln(w, line)
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
