package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resource is an untyped FHIR resource tree as produced by the wire codecs.
// All field access is duck-typed; a resource is identified by resourceType+id.
type Resource map[string]interface{}

// ResourceType returns the resource's type tag, or "" when absent.
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the resource id, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SetID assigns the resource id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// Key returns the fully-qualified "Type/id" identifier.
func (r Resource) Key() string {
	return r.ResourceType() + "/" + r.ID()
}

// VersionID returns meta.versionId, or "" when absent.
func (r Resource) VersionID() string {
	if meta, ok := r["meta"].(map[string]interface{}); ok {
		s, _ := meta["versionId"].(string)
		return s
	}
	return ""
}

// LastUpdated returns meta.lastUpdated parsed as RFC 3339, or the zero time.
func (r Resource) LastUpdated() time.Time {
	if meta, ok := r["meta"].(map[string]interface{}); ok {
		if s, ok := meta["lastUpdated"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// SetMeta stamps meta.versionId and meta.lastUpdated, preserving any other
// meta content the client sent.
func (r Resource) SetMeta(versionID string, lastUpdated time.Time) {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		r["meta"] = meta
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
}

// NextVersionID parses the stored versionId as a decimal integer and returns
// its successor. A missing or unparseable prior version restarts at "1".
func NextVersionID(prev string) string {
	n, err := strconv.Atoi(prev)
	if err != nil || n < 1 {
		return "1"
	}
	return strconv.Itoa(n + 1)
}

// CanonicalURL returns the resource's url field when it is a canonical
// resource (SubscriptionTopic, ValueSet, SearchParameter, ...), else "".
func (r Resource) CanonicalURL() string {
	s, _ := r["url"].(string)
	return s
}

// IdentifierKeys returns "system|value" keys for every identifier element the
// resource carries. Identifiers without a value are skipped.
func (r Resource) IdentifierKeys() []string {
	raw, ok := r["identifier"]
	if !ok {
		return nil
	}
	var keys []string
	appendOne := func(v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		value, _ := m["value"].(string)
		if value == "" {
			return
		}
		system, _ := m["system"].(string)
		keys = append(keys, system+"|"+value)
	}
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			appendOne(item)
		}
	case map[string]interface{}:
		appendOne(v)
	}
	return keys
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return Resource(copyTree(map[string]interface{}(r)).(map[string]interface{}))
}

func copyTree(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = copyTree(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = copyTree(val)
		}
		return out
	default:
		return t
	}
}

// ParseReference splits a reference literal into (resourceType, id). It
// accepts relative ("Patient/p1"), absolute ("http://base/Patient/p1/..."),
// and versioned ("Patient/p1/_history/2") forms. Both results are "" when the
// literal cannot be interpreted.
func ParseReference(ref string) (string, string) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", ""
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	// Walk from the tail: the last two meaningful segments are Type/id.
	if len(parts) >= 2 {
		typeName := parts[len(parts)-2]
		id := parts[len(parts)-1]
		if isResourceTypeName(typeName) && id != "" {
			return typeName, id
		}
	}
	return "", ""
}

// isResourceTypeName reports whether s looks like a FHIR resource type name:
// an initial capital followed by letters and digits.
func isResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// FormatReference builds a "Type/id" literal.
func FormatReference(typeName, id string) string {
	return fmt.Sprintf("%s/%s", typeName, id)
}
