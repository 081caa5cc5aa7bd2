package fhir

import (
	"strings"
	"sync"
)

// ValueSetIndex is the tenant's in-memory terminology index. ValueSet and
// CodeSystem resources register here on create/update; token search
// modifiers (in, not-in, above, below) and FHIRPath memberOf() consult it.
type ValueSetIndex struct {
	mu          sync.RWMutex
	valueSets   map[string]*indexedValueSet   // keyed by canonical URL
	codeSystems map[string]*indexedCodeSystem // keyed by canonical URL
}

type indexedValueSet struct {
	url     string
	include []valueSetInclude
}

type valueSetInclude struct {
	system string
	codes  map[string]bool // empty means the whole system
}

type indexedCodeSystem struct {
	url     string
	parents map[string]string // code -> parent code
}

// NewValueSetIndex creates an index pre-loaded with the code systems a FHIR
// server needs for its own resources.
func NewValueSetIndex() *ValueSetIndex {
	idx := &ValueSetIndex{
		valueSets:   make(map[string]*indexedValueSet),
		codeSystems: make(map[string]*indexedCodeSystem),
	}
	idx.registerBuiltins()
	return idx
}

func (idx *ValueSetIndex) registerBuiltins() {
	builtins := map[string][]string{
		"http://hl7.org/fhir/subscription-status":   {"requested", "active", "error", "off"},
		"http://hl7.org/fhir/publication-status":    {"draft", "active", "retired", "unknown"},
		"http://hl7.org/fhir/observation-status":    {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
		"http://hl7.org/fhir/encounter-status":      {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
		"http://hl7.org/fhir/administrative-gender": {"male", "female", "other", "unknown"},
		"http://hl7.org/fhir/request-status":        {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
		"http://hl7.org/fhir/restful-interaction":   {"read", "create", "update", "delete", "search-type", "history-instance"},
	}
	for url, codes := range builtins {
		codeSet := make(map[string]bool, len(codes))
		for _, c := range codes {
			codeSet[c] = true
		}
		idx.valueSets[url] = &indexedValueSet{
			url:     url,
			include: []valueSetInclude{{system: url, codes: codeSet}},
		}
	}
}

// RegisterValueSet indexes a ValueSet resource by its canonical URL. Sets
// without a url or compose block are ignored.
func (idx *ValueSetIndex) RegisterValueSet(r Resource) {
	url := r.CanonicalURL()
	if url == "" {
		return
	}
	compose, _ := r["compose"].(map[string]interface{})
	if compose == nil {
		return
	}
	vs := &indexedValueSet{url: url}
	includes, _ := compose["include"].([]interface{})
	for _, rawInc := range includes {
		inc, ok := rawInc.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := inc["system"].(string)
		entry := valueSetInclude{system: system, codes: map[string]bool{}}
		concepts, _ := inc["concept"].([]interface{})
		for _, rawC := range concepts {
			c, ok := rawC.(map[string]interface{})
			if !ok {
				continue
			}
			if code, _ := c["code"].(string); code != "" {
				entry.codes[code] = true
			}
		}
		vs.include = append(vs.include, entry)
	}
	idx.mu.Lock()
	idx.valueSets[url] = vs
	idx.mu.Unlock()
}

// RegisterCodeSystem indexes a CodeSystem resource, recording the concept
// hierarchy for subsumption checks.
func (idx *ValueSetIndex) RegisterCodeSystem(r Resource) {
	url := r.CanonicalURL()
	if url == "" {
		return
	}
	cs := &indexedCodeSystem{url: url, parents: map[string]string{}}
	var walk func(parent string, concepts []interface{})
	walk = func(parent string, concepts []interface{}) {
		for _, raw := range concepts {
			c, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			code, _ := c["code"].(string)
			if code == "" {
				continue
			}
			if parent != "" {
				cs.parents[code] = parent
			} else {
				cs.parents[code] = ""
			}
			if nested, _ := c["concept"].([]interface{}); len(nested) > 0 {
				walk(code, nested)
			}
		}
	}
	concepts, _ := r["concept"].([]interface{})
	walk("", concepts)
	idx.mu.Lock()
	idx.codeSystems[url] = cs
	idx.mu.Unlock()
}

// Unregister removes a ValueSet or CodeSystem by canonical URL.
func (idx *ValueSetIndex) Unregister(url string) {
	idx.mu.Lock()
	delete(idx.valueSets, url)
	delete(idx.codeSystems, url)
	idx.mu.Unlock()
}

// Contains reports whether (system, code) is a member of the value set at
// url. An include with no enumerated concepts matches any code from its
// system. A system of "" on the query matches any include system.
func (idx *ValueSetIndex) Contains(url, system, code string) bool {
	idx.mu.RLock()
	vs := idx.valueSets[url]
	idx.mu.RUnlock()
	if vs == nil || code == "" {
		return false
	}
	for _, inc := range vs.include {
		if system != "" && inc.system != "" && inc.system != system {
			continue
		}
		if len(inc.codes) == 0 || inc.codes[code] {
			return true
		}
	}
	return false
}

// Subsumes reports whether ancestor subsumes descendant in the code system's
// concept hierarchy (reflexively: a code subsumes itself).
func (idx *ValueSetIndex) Subsumes(system, ancestor, descendant string) bool {
	if ancestor == descendant {
		return true
	}
	idx.mu.RLock()
	cs := idx.codeSystems[system]
	idx.mu.RUnlock()
	if cs == nil {
		return false
	}
	cur := descendant
	for i := 0; i < 64; i++ { // hierarchy depth guard
		parent, ok := cs.parents[cur]
		if !ok || parent == "" {
			return false
		}
		if parent == ancestor {
			return true
		}
		cur = parent
	}
	return false
}

// KnownValueSet reports whether the index has any content for url, used to
// distinguish "not a member" from "unknown value set".
func (idx *ValueSetIndex) KnownValueSet(url string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.valueSets[url]
	return ok
}

// uriAbove reports the uri:above relation (candidate is a parent path of value).
func uriAbove(candidate, value string) bool {
	return candidate != "" && strings.HasPrefix(value, candidate)
}

// uriBelow reports the uri:below relation (candidate extends value).
func uriBelow(candidate, value string) bool {
	return value != "" && strings.HasPrefix(candidate, value)
}
