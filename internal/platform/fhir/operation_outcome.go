package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes the loader reacts to.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeProcessing = "processing"
	IssueTypeNotFound   = "not-found"
	IssueTypeThrottled  = "throttled"
	IssueTypeTimeout    = "timeout"
	IssueTypeException  = "exception"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the diagnostics (or details text, or code) of every error and
// fatal issue with "; ". Warnings are included only when no error is present.
func (o *OperationOutcome) Summary() string {
	var errs, other []string
	for _, issue := range o.Issue {
		msg := issue.Diagnostics
		if msg == "" && issue.Details != nil {
			msg = issue.Details.Text
		}
		if msg == "" {
			msg = issue.Code
		}
		if msg == "" {
			continue
		}
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			errs = append(errs, msg)
		} else {
			other = append(other, msg)
		}
	}
	if len(errs) > 0 {
		return strings.Join(errs, "; ")
	}
	return strings.Join(other, "; ")
}

// DiagnosticsFromBody extracts a short human-readable reason from a FHIR
// error response body. OperationOutcome bodies are summarised; anything else
// is returned as trimmed text cut to limit bytes.
func DiagnosticsFromBody(body []byte, limit int) string {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err == nil && oo.ResourceType == "OperationOutcome" {
		if s := oo.Summary(); s != "" {
			return truncate(s, limit)
		}
	}
	return truncate(strings.TrimSpace(string(body)), limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
