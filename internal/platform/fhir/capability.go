package fhir

import (
	"sort"
	"strconv"
	"time"
)

// fhirVersionNumber maps a tenant protocol version to the version string the
// capability document reports.
func fhirVersionNumber(version string) string {
	switch version {
	case "R5":
		return "5.0.0"
	case "R4B":
		return "4.3.0"
	default:
		return "4.0.1"
	}
}

// Capability returns the tenant's CapabilityStatement, rebuilding it only
// after a change invalidated the cached copy.
func (e *TenantEngine) Capability() Resource {
	if cached := e.capability.Load(); cached != nil {
		return *cached
	}
	built := e.buildCapability()
	e.capability.Store(&built)
	return built
}

func (e *TenantEngine) buildCapability() Resource {
	types := SupportedResourceTypes(e.cfg.Version)
	sort.Strings(types)

	restResources := make([]interface{}, 0, len(types))
	for _, typeName := range types {
		restResources = append(restResources, e.capabilityResource(typeName))
	}

	return Resource{
		"resourceType": "CapabilityStatement",
		"id":           "capability",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  fhirVersionNumber(e.cfg.Version),
		"format":       []interface{}{"application/fhir+json", "application/fhir+xml"},
		"implementation": map[string]interface{}{
			"description": "tenant " + e.cfg.Name,
			"url":         e.cfg.BaseURL,
		},
		"software": map[string]interface{}{
			"name": "beacon",
		},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":     "server",
				"resource": restResources,
				"interaction": []interface{}{
					map[string]interface{}{"code": "transaction"},
					map[string]interface{}{"code": "batch"},
				},
			},
		},
	}
}

func (e *TenantEngine) capabilityResource(typeName string) map[string]interface{} {
	resolve := e.ParamResolver(typeName)

	// Collect the names visible for this type: builtins plus custom.
	names := map[string]bool{}
	for name := range defaultSearchParameters(typeName) {
		names[name] = true
	}
	e.customParams.Range(func(key string, _ *SearchParamDef) bool {
		if prefix := typeName + "."; len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names[key[len(prefix):]] = true
		}
		return true
	})

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	params := make([]interface{}, 0, len(ordered))
	var includes []interface{}
	for _, name := range ordered {
		def := resolve(name)
		if def == nil {
			continue
		}
		entry := map[string]interface{}{
			"name": def.Name,
			"type": string(def.Type),
		}
		if def.Documentation != "" {
			entry["documentation"] = def.Documentation
		}
		params = append(params, entry)
		if def.Type == SearchParamReference {
			includes = append(includes, typeName+":"+def.Name)
		}
	}

	resource := map[string]interface{}{
		"type": typeName,
		"interaction": []interface{}{
			map[string]interface{}{"code": "read"},
			map[string]interface{}{"code": "vread"},
			map[string]interface{}{"code": "create"},
			map[string]interface{}{"code": "update"},
			map[string]interface{}{"code": "delete"},
			map[string]interface{}{"code": "search-type"},
			map[string]interface{}{"code": "history-instance"},
		},
		"versioning":        "versioned",
		"conditionalCreate": true,
		"searchParam":       params,
	}
	if len(includes) > 0 {
		resource["searchInclude"] = includes
		resource["searchRevInclude"] = includes
		resource["documentation"] = "_include and _revinclude support :iterate up to depth " +
			strconv.Itoa(maxIterateDepth)
	}
	return resource
}
