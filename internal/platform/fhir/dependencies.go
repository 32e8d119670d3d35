package fhir

import (
	"strings"

	"github.com/ehr/claimloader/pkg/fhirmodels"
)

// Patient is the minimal Patient resource the loader creates for claims whose
// subject does not yet exist on the server.
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         []HumanName `json:"name,omitempty"`
	Gender       string      `json:"gender,omitempty"`
	BirthDate    string      `json:"birthDate,omitempty"`
	Address      []Address   `json:"address,omitempty"`
}

// Practitioner is the minimal Practitioner resource created for claim providers.
type Practitioner struct {
	ResourceType  string                      `json:"resourceType"`
	ID            string                      `json:"id"`
	Name          []HumanName                 `json:"name,omitempty"`
	Qualification []PractitionerQualification `json:"qualification,omitempty"`
}

type PractitionerQualification struct {
	Code CodeableConcept `json:"code"`
}

// Coverage is the minimal Coverage resource created for claim insurance.
type Coverage struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Subscriber   *Reference       `json:"subscriber,omitempty"`
	Beneficiary  Reference        `json:"beneficiary"`
}

// PatientDemographics carries what a claim document knows about its subject.
type PatientDemographics struct {
	Display   string
	Gender    string
	BirthDate string
	City      string
	State     string
}

// NewPatient builds a Patient with an official name split from the display
// text ("First ... Last"), falling back to name.text for single-word names.
func NewPatient(id string, d PatientDemographics) *Patient {
	p := &Patient{
		ResourceType: fhirmodels.ResourcePatient,
		ID:           id,
		Gender:       fhirmodels.GenderFromCode(d.Gender),
		BirthDate:    d.BirthDate,
	}
	if p.BirthDate == "" {
		p.BirthDate = fhirmodels.DefaultBirthDate
	}
	if words := strings.Fields(d.Display); len(words) > 1 {
		p.Name = []HumanName{{
			Use:    "official",
			Family: words[len(words)-1],
			Given:  []string{words[0]},
		}}
	} else if len(words) == 1 {
		p.Name = []HumanName{{Use: "official", Text: words[0]}}
	}
	if d.City != "" || d.State != "" {
		p.Address = []Address{{
			Use:     "home",
			City:    d.City,
			State:   d.State,
			Country: fhirmodels.DefaultCountry,
		}}
	}
	return p
}

// NewPractitioner builds a Practitioner named after the numeric suffix of its
// id ("prov-12" becomes "Provider-12") with an MD qualification.
func NewPractitioner(id string) *Practitioner {
	family := id
	if i := strings.LastIndex(id, "-"); i >= 0 && i < len(id)-1 {
		family = "Provider-" + id[i+1:]
	}
	return &Practitioner{
		ResourceType: fhirmodels.ResourcePractitioner,
		ID:           id,
		Name:         []HumanName{{Family: family, Given: []string{"Dr."}}},
		Qualification: []PractitionerQualification{{
			Code: CodeableConcept{Coding: []Coding{{
				System: fhirmodels.SystemV2Degree,
				Code:   fhirmodels.QualificationMD,
			}}},
		}},
	}
}

// NewCoverage builds an active health insurance Coverage whose subscriber and
// beneficiary are the given patient reference.
func NewCoverage(id, patientRef, planName string) *Coverage {
	if planName == "" {
		planName = fhirmodels.DefaultPlanName
	}
	return &Coverage{
		ResourceType: fhirmodels.ResourceCoverage,
		ID:           id,
		Status:       fhirmodels.CoverageStatusActive,
		Type: &CodeableConcept{Coding: []Coding{{
			System:  fhirmodels.SystemV3ActCode,
			Code:    fhirmodels.CoverageTypeHIP,
			Display: planName,
		}}},
		Subscriber:  &Reference{Reference: patientRef},
		Beneficiary: Reference{Reference: patientRef},
	}
}

// CoverageID derives the deterministic coverage id used by the claims
// generator: "cov-<patient-id>-<plan-slug>".
func CoverageID(patientID, planName string) string {
	plan := Slug(planName)
	if plan == "" {
		plan = "unknown"
	}
	return "cov-" + patientID + "-" + plan
}

// PatientIDFromName derives a deterministic patient id from a display name.
func PatientIDFromName(name string) string {
	return "patient-" + Slug(name)
}
