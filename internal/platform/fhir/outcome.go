package fhir

import "net/http"

// OperationOutcome is the diagnostic document returned alongside every
// store-level result and every error response.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome builds a single-issue outcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// OkOutcome is the success diagnostic attached to successful operations.
func OkOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("information", "informational", diagnostics)
}

// ErrorOutcome is a generic processing-error outcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

// NotFoundOutcome reports a missing instance.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// Diagnostics returns the first issue's diagnostics, for log lines and tests.
func (o *OperationOutcome) Diagnostics() string {
	if o == nil || len(o.Issue) == 0 {
		return ""
	}
	return o.Issue[0].Diagnostics
}

// AsResource converts the outcome into the generic resource form so it can go
// through the wire codecs like any other resource.
func (o *OperationOutcome) AsResource() Resource {
	issues := make([]interface{}, len(o.Issue))
	for i, iss := range o.Issue {
		issue := map[string]interface{}{
			"severity": iss.Severity,
			"code":     iss.Code,
		}
		if iss.Diagnostics != "" {
			issue["diagnostics"] = iss.Diagnostics
		}
		issues[i] = issue
	}
	return Resource{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
}

// issueCodeForStatus maps HTTP statuses to outcome issue codes.
func issueCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusUnauthorized:
		return "security"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusConflict:
		return "duplicate"
	case http.StatusPreconditionFailed:
		return "conflict"
	case http.StatusUnsupportedMediaType:
		return "not-supported"
	case http.StatusUnprocessableEntity:
		return "invariant"
	case http.StatusNotImplemented:
		return "not-supported"
	default:
		return "processing"
	}
}

// StatusOutcome builds an error outcome whose issue code matches the HTTP status.
func StatusOutcome(status int, diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", issueCodeForStatus(status), diagnostics)
}
