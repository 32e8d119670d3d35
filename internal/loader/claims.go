package loader

import (
	"fmt"
	"strings"

	"github.com/ehr/claimloader/internal/platform/fhir"
	"github.com/ehr/claimloader/pkg/fhirmodels"
)

// ClaimExtractor understands FHIR Claim documents as produced by the claims
// generator: a subject patient, an insurance coverage and a provider, each
// of which is created on demand with a deterministic client id.
type ClaimExtractor struct{}

// ResourceType returns the document's resourceType, defaulting to Claim.
func (ClaimExtractor) ResourceType(doc map[string]interface{}) string {
	if rt := stringAt(doc, "resourceType"); rt != "" {
		return rt
	}
	return fhirmodels.ResourceClaim
}

// ExternalID prefers an explicit _metadata.external_id, then the document
// id, then "<patient reference>_<created>".
func (ClaimExtractor) ExternalID(doc, meta map[string]interface{}) (string, error) {
	if id := stringAt(meta, "external_id"); id != "" {
		return id, nil
	}
	if id := stringAt(doc, "id"); id != "" {
		return id, nil
	}
	patient := stringAt(doc, "patient", "reference")
	created := stringAt(doc, "created")
	if patient != "" && created != "" {
		return patient + "_" + created, nil
	}
	return "", fmt.Errorf("missing identity: need _metadata.external_id, id, or patient.reference with created")
}

// Dependencies returns patient, coverage and provider, in that order, for
// whichever of them the claim references.
func (ClaimExtractor) Dependencies(doc, meta map[string]interface{}) []Dependency {
	var deps []Dependency

	patientID := claimPatientID(doc, meta)
	if patientID != "" {
		deps = append(deps, Dependency{
			Kind:    "patient",
			Key:     DependencyKey{ResourceType: fhirmodels.ResourcePatient, ID: patientID},
			RefPath: []string{"patient"},
			Body: fhir.NewPatient(patientID, fhir.PatientDemographics{
				Display:   stringAt(doc, "patient", "display"),
				Gender:    stringAt(meta, "gender"),
				BirthDate: stringAt(meta, "birth_date"),
				City:      stringAt(meta, "city"),
				State:     stringAt(meta, "state"),
			}),
		})
	}

	if coverage, ok := firstInsuranceCoverage(doc); ok {
		plan := stringAt(coverage, "display")
		covID := ""
		if rt, id, ok := fhir.ParseReference(stringAt(coverage, "reference")); ok && rt == fhirmodels.ResourceCoverage {
			covID = id
		} else if patientID != "" {
			covID = fhir.CoverageID(patientID, plan)
		}
		if covID != "" && patientID != "" {
			deps = append(deps, Dependency{
				Kind:    "coverage",
				Key:     DependencyKey{ResourceType: fhirmodels.ResourceCoverage, ID: covID},
				RefPath: []string{"insurance", "0", "coverage"},
				Body:    fhir.NewCoverage(covID, fhir.FormatReference(fhirmodels.ResourcePatient, patientID), plan),
			})
		}
	}

	if rt, id, ok := fhir.ParseReference(stringAt(doc, "provider", "reference")); ok && rt == fhirmodels.ResourcePractitioner {
		deps = append(deps, Dependency{
			Kind:    "provider",
			Key:     DependencyKey{ResourceType: fhirmodels.ResourcePractitioner, ID: id},
			RefPath: []string{"provider"},
			Body:    fhir.NewPractitioner(id),
		})
	}

	return deps
}

func claimPatientID(doc, meta map[string]interface{}) string {
	if rt, id, ok := fhir.ParseReference(stringAt(doc, "patient", "reference")); ok && rt == fhirmodels.ResourcePatient {
		return id
	}
	if id := stringAt(meta, "patient_id"); id != "" {
		return id
	}
	if name := strings.TrimSpace(stringAt(doc, "patient", "display")); name != "" {
		return fhir.PatientIDFromName(name)
	}
	return ""
}

func firstInsuranceCoverage(doc map[string]interface{}) (map[string]interface{}, bool) {
	insurance, _ := doc["insurance"].([]interface{})
	if len(insurance) == 0 {
		return nil, false
	}
	first, _ := insurance[0].(map[string]interface{})
	coverage, ok := first["coverage"].(map[string]interface{})
	return coverage, ok
}

// stringAt walks nested objects and returns the string at path, or "".
func stringAt(m map[string]interface{}, path ...string) string {
	var cur interface{} = m
	for _, p := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = obj[p]
	}
	s, _ := cur.(string)
	return s
}
