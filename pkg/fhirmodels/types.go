package fhirmodels

// Common FHIR value set constants used across the loader.

// Resource types the loader reads or writes.
const (
	ResourceClaim        = "Claim"
	ResourcePatient      = "Patient"
	ResourcePractitioner = "Practitioner"
	ResourceCoverage     = "Coverage"
)

// ClaimStatus values per FHIR R4 (financial resource status codes).
const (
	ClaimStatusActive         = "active"
	ClaimStatusCancelled      = "cancelled"
	ClaimStatusDraft          = "draft"
	ClaimStatusEnteredInError = "entered-in-error"
)

// CoverageStatus values per FHIR R4.
const (
	CoverageStatusActive = "active"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Code systems referenced by dependency resources.
const (
	SystemV2Degree   = "http://terminology.hl7.org/CodeSystem/v2-0360"
	SystemV3ActCode  = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	QualificationMD  = "MD"
	CoverageTypeHIP  = "HIP"
	DefaultCountry   = "USA"
	DefaultPlanName  = "Standard Health Plan"
	DefaultBirthDate = "1980-01-01"
)

// GenderFromCode maps the single-letter codes emitted by claim generators
// ("M", "F") and full FHIR codes to an AdministrativeGender value.
func GenderFromCode(code string) string {
	switch code {
	case "M", "m", GenderMale:
		return GenderMale
	case "F", "f", GenderFemale:
		return GenderFemale
	case GenderOther:
		return GenderOther
	default:
		return GenderUnknown
	}
}
