package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehr/claimloader/internal/loader"
	"github.com/ehr/claimloader/internal/platform/fhir/fhirtest"
)

func writeClaims(t *testing.T, dir string, n int) string {
	t.Helper()
	claims := make([]map[string]interface{}, n)
	for i := range claims {
		claims[i] = map[string]interface{}{
			"resourceType": "Claim",
			"id":           fmt.Sprintf("claim-%03d", i),
			"status":       "active",
			"created":      "2024-05-01",
			"patient":      map[string]interface{}{"reference": fmt.Sprintf("Patient/p%d", i%3), "display": "Sam Roe"},
			"provider":     map[string]interface{}{"reference": "Practitioner/prov-2"},
			"total":        map[string]interface{}{"value": 125.5, "currency": "USD"},
			"_metadata":    map[string]interface{}{"gender": "M", "state": "OH"},
		}
	}
	data, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(dir, "claims.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestLoad_EndToEnd(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	dir := t.TempDir()
	input := writeClaims(t, dir, 10)

	code, out, errOut := runCLI(t, "load", input, "--fhir-base", srv.URL(), "--batch-size", "4", "--workers", "2", "--delta")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Created:           10") || !strings.Contains(out, "Batches:           3") {
		t.Errorf("unexpected summary:\n%s", out)
	}
	if srv.Count("Claim") != 10 || srv.Count("Patient") != 3 || srv.Count("Practitioner") != 1 {
		t.Errorf("unexpected server contents: %d claims, %d patients, %d practitioners",
			srv.Count("Claim"), srv.Count("Patient"), srv.Count("Practitioner"))
	}

	data, err := os.ReadFile(filepath.Join(dir, "claims.hashes.json"))
	if err != nil {
		t.Fatalf("expected default fingerprint file: %v", err)
	}
	var table map[string]string
	if err := json.Unmarshal(data, &table); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table) != 10 {
		t.Errorf("expected 10 fingerprints, got %d", len(table))
	}

	puts := srv.Calls(http.MethodPut, "Claim")
	code, out, errOut = runCLI(t, "load", input, "--fhir-base", srv.URL(), "--delta")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Unchanged:         10") || !strings.Contains(out, "Created:           0") {
		t.Errorf("expected an all-unchanged second run:\n%s", out)
	}
	if srv.Calls(http.MethodPut, "Claim") != puts {
		t.Error("second run uploaded claims")
	}

	code, out, _ = runCLI(t, "fingerprints", "show", input)
	if code != exitOK || !strings.Contains(out, "10 fingerprint(s)") {
		t.Errorf("unexpected fingerprints show output (%d): %s", code, out)
	}
}

func TestLoad_StartAndLimit(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	input := writeClaims(t, t.TempDir(), 10)

	code, out, errOut := runCLI(t, "load", input, "--fhir-base", srv.URL(), "--start", "8", "--limit", "5", "--submit-method", "post")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Input records:     2") || srv.Calls(http.MethodPost, "Claim") != 2 {
		t.Errorf("expected 2 posted claims:\n%s", out)
	}
}

func TestLoad_RejectedRecordsStillExitZero(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.SetFailure(func(method, rt, id string) int {
		if method == http.MethodPut && rt == "Claim" {
			return http.StatusUnprocessableEntity
		}
		return 0
	})
	input := writeClaims(t, t.TempDir(), 3)

	code, out, errOut := runCLI(t, "load", input, "--fhir-base", srv.URL())
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Failed:            3") || !strings.Contains(out, "rejected:") {
		t.Errorf("expected rejected failures in summary:\n%s", out)
	}
}

func TestLoad_FatalConditions(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	dir := t.TempDir()
	input := writeClaims(t, dir, 2)

	malformed := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(malformed, []byte(`{"not": "an array"}`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	corrupt := filepath.Join(dir, "corrupt.hashes.json")
	if err := os.WriteFile(corrupt, []byte(`{oops`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing input", []string{"load", filepath.Join(dir, "nope.json"), "--fhir-base", srv.URL()}, exitFatal},
		{"malformed input", []string{"load", malformed, "--fhir-base", srv.URL()}, exitFatal},
		{"corrupt fingerprints in delta mode", []string{"load", input, "--fhir-base", srv.URL(), "--delta", "--hash-file", corrupt}, exitFatal},
		{"invalid batch size", []string{"load", input, "--fhir-base", srv.URL(), "--batch-size", "0"}, exitFatal},
		{"server not ready", []string{"load", input, "--fhir-base", "http://127.0.0.1:1/fhir", "--ready-timeout", "50ms", "--request-timeout", "50ms"}, exitNotReady},
		{"missing argument", []string{"load"}, exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.args...)
			if code != tt.want {
				t.Errorf("expected exit %d, got %d: %s", tt.want, code, errOut)
			}
		})
	}
	if srv.Calls(http.MethodPut, "Claim") != 0 {
		t.Error("fatal runs must not upload anything")
	}
}

func TestPing(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()

	if code, _, errOut := runCLI(t, "ping", "--fhir-base", srv.URL()); code != exitOK {
		t.Errorf("expected exit 0, got %d: %s", code, errOut)
	}
	if code, _, _ := runCLI(t, "ping", "--fhir-base", "http://127.0.0.1:1/fhir", "--ready-timeout", "50ms"); code != exitNotReady {
		t.Errorf("expected exit %d, got %d", exitNotReady, code)
	}
}

type countingStore struct {
	n int
}

func (s countingStore) Load(context.Context) (loader.FingerprintTable, error) {
	return nil, errors.New("full load not expected")
}

func (s countingStore) Save(context.Context, loader.FingerprintTable) error { return nil }

func (s countingStore) Count(context.Context) (int, error) { return s.n, nil }

func TestCountFingerprints_PrefersCount(t *testing.T) {
	n, err := countFingerprints(context.Background(), countingStore{n: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7, got %d", n)
	}
}

func TestCountFingerprints_FallsBackToLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.hashes.json")
	if err := os.WriteFile(path, []byte(`{"a":"h1","b":"h2"}`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := countFingerprints(context.Background(), loader.NewFileStore(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}

func TestFingerprintsInit_DefaultsToPostgres(t *testing.T) {
	t.Setenv("HASH_STORE", "")
	code, _, errOut := runCLI(t, "fingerprints", "init", "--database-url", "postgres://loader@127.0.0.1:1/claims")
	if code != exitFatal {
		t.Fatalf("expected exit %d from an unreachable database, got %d: %s", exitFatal, code, errOut)
	}
	if strings.Contains(errOut, "needs --hash-store") {
		t.Errorf("expected postgres to be the default store, got: %s", errOut)
	}
	if !strings.Contains(errOut, "ping database") {
		t.Errorf("expected a database connection error, got: %s", errOut)
	}
}

func TestFingerprintsInit_RequiresPostgres(t *testing.T) {
	code, _, errOut := runCLI(t, "fingerprints", "init", "--hash-store", "file")
	if code != exitFatal {
		t.Errorf("expected exit %d, got %d: %s", exitFatal, code, errOut)
	}
}
