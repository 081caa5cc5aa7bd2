package fhir

import (
	"fmt"
	"strings"
)

// SearchParamType enumerates the FHIR search parameter types the store
// executes in memory.
type SearchParamType string

const (
	SearchParamString    SearchParamType = "string"
	SearchParamToken     SearchParamType = "token"
	SearchParamReference SearchParamType = "reference"
	SearchParamDate      SearchParamType = "date"
	SearchParamNumber    SearchParamType = "number"
	SearchParamQuantity  SearchParamType = "quantity"
	SearchParamURI       SearchParamType = "uri"
	SearchParamComposite SearchParamType = "composite"
)

// SearchParamDef is one executable search parameter definition: a name, a
// path expression to extract candidate elements, and the type that selects
// the matching rules.
type SearchParamDef struct {
	Name          string
	Type          SearchParamType
	Expression    string
	Base          []string // resource types the parameter applies to
	Targets       []string // reference targets
	Components    []SearchParamComponent
	Documentation string
}

// SearchParamComponent is one leg of a composite parameter.
type SearchParamComponent struct {
	Expression string
	Type       SearchParamType
}

// SearchParamDefFromResource converts a SearchParameter resource into an
// executable definition. The code, type and expression fields are required.
func SearchParamDefFromResource(r Resource) (*SearchParamDef, error) {
	code, _ := r["code"].(string)
	typ, _ := r["type"].(string)
	expr, _ := r["expression"].(string)
	if code == "" || typ == "" {
		return nil, fmt.Errorf("SearchParameter requires code and type")
	}
	if expr == "" {
		return nil, fmt.Errorf("SearchParameter %q has no expression", code)
	}
	def := &SearchParamDef{
		Name:       code,
		Type:       SearchParamType(typ),
		Expression: expr,
	}
	switch def.Type {
	case SearchParamString, SearchParamToken, SearchParamReference, SearchParamDate,
		SearchParamNumber, SearchParamQuantity, SearchParamURI, SearchParamComposite:
	default:
		return nil, fmt.Errorf("SearchParameter %q has unsupported type %q", code, typ)
	}
	if bases, ok := r["base"].([]interface{}); ok {
		for _, b := range bases {
			if s, ok := b.(string); ok {
				def.Base = append(def.Base, s)
			}
		}
	}
	if targets, ok := r["target"].([]interface{}); ok {
		for _, t := range targets {
			if s, ok := t.(string); ok {
				def.Targets = append(def.Targets, s)
			}
		}
	}
	if doc, ok := r["description"].(string); ok {
		def.Documentation = doc
	}
	if comps, ok := r["component"].([]interface{}); ok {
		for _, rawC := range comps {
			c, ok := rawC.(map[string]interface{})
			if !ok {
				continue
			}
			ce, _ := c["expression"].(string)
			if ce != "" {
				def.Components = append(def.Components, SearchParamComponent{Expression: ce})
			}
		}
	}
	return def, nil
}

// commonSearchParameters apply to every resource type. Their expressions run
// against the resource root.
func commonSearchParameters() []*SearchParamDef {
	return []*SearchParamDef{
		{Name: "_id", Type: SearchParamToken, Expression: "id", Documentation: "Logical id of this artifact"},
		{Name: "_lastUpdated", Type: SearchParamDate, Expression: "meta.lastUpdated", Documentation: "When the resource version last changed"},
		{Name: "_tag", Type: SearchParamToken, Expression: "meta.tag", Documentation: "Tags applied to this resource"},
		{Name: "_profile", Type: SearchParamURI, Expression: "meta.profile", Documentation: "Profiles this resource claims to conform to"},
		{Name: "_security", Type: SearchParamToken, Expression: "meta.security", Documentation: "Security labels applied to this resource"},
		{Name: "_source", Type: SearchParamURI, Expression: "meta.source", Documentation: "Identifies where the resource comes from"},
	}
}

// builtinSearchParameters are the per-type definitions registered when a
// store is created. Custom SearchParameter resources extend them at runtime.
var builtinSearchParameters = map[string][]*SearchParamDef{
	"Patient": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "name", Type: SearchParamString, Expression: "name"},
		{Name: "family", Type: SearchParamString, Expression: "name.family"},
		{Name: "given", Type: SearchParamString, Expression: "name.given"},
		{Name: "gender", Type: SearchParamToken, Expression: "gender"},
		{Name: "birthdate", Type: SearchParamDate, Expression: "birthDate"},
		{Name: "address-city", Type: SearchParamString, Expression: "address.city"},
		{Name: "organization", Type: SearchParamReference, Expression: "managingOrganization", Targets: []string{"Organization"}},
		{Name: "general-practitioner", Type: SearchParamReference, Expression: "generalPractitioner", Targets: []string{"Practitioner", "Organization"}},
	},
	"Observation": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "code", Type: SearchParamToken, Expression: "code"},
		{Name: "category", Type: SearchParamToken, Expression: "category"},
		{Name: "subject", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group", "Device"}},
		{Name: "patient", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Name: "encounter", Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Name: "performer", Type: SearchParamReference, Expression: "performer", Targets: []string{"Practitioner", "Organization"}},
		{Name: "date", Type: SearchParamDate, Expression: "effective"},
		{Name: "value-quantity", Type: SearchParamQuantity, Expression: "valueQuantity"},
		{Name: "value-concept", Type: SearchParamToken, Expression: "valueCodeableConcept"},
		{Name: "code-value-quantity", Type: SearchParamComposite, Expression: "code",
			Components: []SearchParamComponent{
				{Expression: "code", Type: SearchParamToken},
				{Expression: "valueQuantity", Type: SearchParamQuantity},
			}},
	},
	"Encounter": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "class", Type: SearchParamToken, Expression: "class"},
		{Name: "subject", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Name: "date", Type: SearchParamDate, Expression: "period"},
		{Name: "service-provider", Type: SearchParamReference, Expression: "serviceProvider", Targets: []string{"Organization"}},
	},
	"Condition": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "code", Type: SearchParamToken, Expression: "code"},
		{Name: "clinical-status", Type: SearchParamToken, Expression: "clinicalStatus"},
		{Name: "subject", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Name: "encounter", Type: SearchParamReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Name: "onset-date", Type: SearchParamDate, Expression: "onset"},
	},
	"Practitioner": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "name", Type: SearchParamString, Expression: "name"},
		{Name: "family", Type: SearchParamString, Expression: "name.family"},
		{Name: "given", Type: SearchParamString, Expression: "name.given"},
	},
	"Organization": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "name", Type: SearchParamString, Expression: "name"},
		{Name: "active", Type: SearchParamToken, Expression: "active"},
	},
	"DiagnosticReport": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "code", Type: SearchParamToken, Expression: "code"},
		{Name: "subject", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Name: "date", Type: SearchParamDate, Expression: "effective"},
	},
	"MedicationRequest": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "intent", Type: SearchParamToken, Expression: "intent"},
		{Name: "subject", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient", "Group"}},
		{Name: "patient", Type: SearchParamReference, Expression: "subject", Targets: []string{"Patient"}},
		{Name: "authoredon", Type: SearchParamDate, Expression: "authoredOn"},
	},
	"Subscription": {
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "url", Type: SearchParamURI, Expression: "endpoint"},
		{Name: "topic", Type: SearchParamURI, Expression: "topic"},
	},
	"SubscriptionTopic": {
		{Name: "url", Type: SearchParamURI, Expression: "url"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "title", Type: SearchParamString, Expression: "title"},
	},
	"SearchParameter": {
		{Name: "url", Type: SearchParamURI, Expression: "url"},
		{Name: "code", Type: SearchParamToken, Expression: "code"},
		{Name: "base", Type: SearchParamToken, Expression: "base"},
		{Name: "type", Type: SearchParamToken, Expression: "type"},
	},
	"ValueSet": {
		{Name: "url", Type: SearchParamURI, Expression: "url"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
		{Name: "name", Type: SearchParamString, Expression: "name"},
	},
	"CodeSystem": {
		{Name: "url", Type: SearchParamURI, Expression: "url"},
		{Name: "status", Type: SearchParamToken, Expression: "status"},
	},
	"Basic": {
		{Name: "identifier", Type: SearchParamToken, Expression: "identifier"},
		{Name: "code", Type: SearchParamToken, Expression: "code"},
	},
}

// defaultSearchParameters returns the initial definition map for a type:
// cross-resource parameters plus the type's builtins.
func defaultSearchParameters(typeName string) map[string]*SearchParamDef {
	defs := make(map[string]*SearchParamDef)
	for _, d := range commonSearchParameters() {
		defs[d.Name] = d
	}
	for _, d := range builtinSearchParameters[typeName] {
		defs[d.Name] = d
	}
	return defs
}

// knownResourceTypes is the set of types a tenant serves, by protocol
// version. The list is intentionally a working subset; unknown types in a
// topic make the topic non-executing rather than failing registration.
var knownResourceTypes = []string{
	"Patient", "Practitioner", "Organization", "Encounter", "Observation",
	"Condition", "DiagnosticReport", "MedicationRequest", "Procedure",
	"AllergyIntolerance", "Immunization", "CarePlan", "Device", "Location",
	"Basic", "Subscription", "SubscriptionTopic", "SearchParameter",
	"ValueSet", "CodeSystem", "OperationOutcome", "Bundle", "Group",
}

// SupportedResourceTypes returns the resource types a tenant of the given
// protocol version serves. SubscriptionTopic is native from R4B on; R4
// represents topics as Basic wrappers but the type is still accepted so
// canonical reads work.
func SupportedResourceTypes(version string) []string {
	out := make([]string, len(knownResourceTypes))
	copy(out, knownResourceTypes)
	return out
}

// IsSupportedType reports whether typeName is a servable resource type.
func IsSupportedType(typeName string) bool {
	for _, t := range knownResourceTypes {
		if t == typeName {
			return true
		}
	}
	return false
}

// compiledCacheKey builds the tenant-wide compiled-expression cache key.
func compiledCacheKey(typeName, paramName string) string {
	return typeName + "." + paramName
}

// normalizeTypeToken uppercases the first rune so "patient" in a directive
// still resolves; directives are matched case-sensitively otherwise.
func normalizeTypeToken(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
