package fhir

import (
	"encoding/json"
	"testing"
)

func TestResource_JSONSerialization(t *testing.T) {
	r := Resource{
		ResourceType: "Patient",
		ID:           "test-123",
		Meta:         &Meta{VersionID: "1"},
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if parsed["resourceType"] != "Patient" {
		t.Errorf("expected Patient, got %v", parsed["resourceType"])
	}
	if parsed["id"] != "test-123" {
		t.Errorf("expected test-123, got %v", parsed["id"])
	}
}

func TestFormatReference(t *testing.T) {
	ref := FormatReference("Patient", "abc-123")
	if ref != "Patient/abc-123" {
		t.Errorf("expected Patient/abc-123, got %s", ref)
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		name   string
		ref    string
		wantRT string
		wantID string
		wantOK bool
	}{
		{"relative", "Patient/patient-000001", "Patient", "patient-000001", true},
		{"absolute", "http://localhost:8080/fhir/Practitioner/prov-7", "Practitioner", "prov-7", true},
		{"versioned", "Coverage/cov-1/_history/3", "Coverage", "cov-1", true},
		{"no id", "Patient", "", "", false},
		{"empty", "", "", "", false},
		{"trailing slash", "Patient/", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, id, ok := ParseReference(tt.ref)
			if ok != tt.wantOK || rt != tt.wantRT || id != tt.wantID {
				t.Errorf("ParseReference(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.ref, rt, id, ok, tt.wantRT, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Premium PPO", "premium-ppo"},
		{"  Gold Plus Plan ", "gold-plus-plan"},
		{"Mary  O'Brien", "mary-o-brien"},
		{"already-slugged", "already-slugged"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidID(t *testing.T) {
	if !ValidID("claim-0a1b2c.3") {
		t.Error("expected claim-0a1b2c.3 to be valid")
	}
	for _, bad := range []string{"", "Patient/1", "a_b", "x y", string(make([]byte, 65))} {
		if ValidID(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}
