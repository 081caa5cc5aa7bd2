package fhir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SearchComparator is the value prefix of an ordered search value.
type SearchComparator string

const (
	CompEq SearchComparator = "eq"
	CompNe SearchComparator = "ne"
	CompGt SearchComparator = "gt"
	CompLt SearchComparator = "lt"
	CompGe SearchComparator = "ge"
	CompLe SearchComparator = "le"
	CompSa SearchComparator = "sa" // starts after
	CompEb SearchComparator = "eb" // ends before
	CompAp SearchComparator = "ap" // approximately
)

// ParsedParamValue is one disjunct of a search parameter occurrence.
type ParsedParamValue struct {
	Comparator SearchComparator
	Value      string
}

// ParsedSearchParameter is one occurrence of name[:modifier]=value in the
// query string. Occurrences of the same name form a conjunction; the Values
// within one occurrence form a disjunction. Unknown names and modifiers are
// kept with Ignored set so the self link can be reconstructed.
type ParsedSearchParameter struct {
	Name     string
	Modifier string
	RawKey   string
	RawValue string
	Ignored  bool
	Values   []ParsedParamValue
	Def      *SearchParamDef
}

// IncludeDirective is one _include or _revinclude instruction.
type IncludeDirective struct {
	SourceType string
	Param      string
	TargetType string
	Iterate    bool
}

// SortKey is one _sort component.
type SortKey struct {
	Param      string
	Descending bool
}

// ResultParameters collects the parameters that shape the result rather than
// filter it.
type ResultParameters struct {
	Includes      []IncludeDirective
	RevIncludes   []IncludeDirective
	Sort          []SortKey
	Count         int // -1 when unset
	Total         string
	Summary       string
	Elements      []string
	Contained     string
	ContainedType string
}

// ParsedQuery is the typed form of one search request.
type ParsedQuery struct {
	Parameters []*ParsedSearchParameter
	Result     ResultParameters
	Raw        string
}

// recognized modifiers besides resource-type modifiers on references.
var knownModifiers = map[string]bool{
	"missing": true, "exact": true, "contains": true, "text": true,
	"not": true, "above": true, "below": true, "in": true, "not-in": true,
	"of-type": true, "identifier": true, "iterate": true,
}

var summaryValues = map[string]bool{
	"true": true, "text": true, "data": true, "count": true, "false": true,
}

// controlParameters are consumed by the HTTP layer, never predicates.
var controlParameters = map[string]bool{
	"_format": true, "_pretty": true,
}

// ParseQuery tokenizes the raw query portion of a search URL. defs resolves
// a parameter name to its definition for the searched type; nil defs leaves
// every non-result parameter unresolved (and therefore ignored).
func ParseQuery(raw string, defs func(name string) *SearchParamDef) (*ParsedQuery, error) {
	q := &ParsedQuery{Raw: raw}
	q.Result.Count = -1

	if raw == "" {
		return q, nil
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, fmt.Errorf("malformed query key %q: %w", kv[0], err)
		}
		var value string
		if len(kv) == 2 {
			// Accept '+' as an encoded space and restore it.
			value, err = url.QueryUnescape(strings.ReplaceAll(kv[1], "+", "%20"))
			if err != nil {
				return nil, fmt.Errorf("malformed query value for %q: %w", key, err)
			}
		}
		if controlParameters[key] {
			continue
		}
		if handled, err := q.parseResultParameter(key, value); err != nil {
			return nil, err
		} else if handled {
			continue
		}
		q.Parameters = append(q.Parameters, parseSearchParameter(key, value, defs))
	}
	return q, nil
}

// parseResultParameter handles the _-prefixed result-shaping keys. Returns
// true when the key was consumed.
func (q *ParsedQuery) parseResultParameter(key, value string) (bool, error) {
	name, modifier := splitModifier(key)
	switch name {
	case "_include", "_revinclude":
		dir, ok := parseIncludeDirective(value)
		if !ok {
			return true, fmt.Errorf("malformed %s value %q", name, value)
		}
		switch modifier {
		case "":
		case "iterate", "recurse":
			dir.Iterate = true
		case "reverse":
			// _include:reverse is the legacy spelling of _revinclude.
			name = "_revinclude"
		default:
			return true, fmt.Errorf("unsupported %s modifier %q", name, modifier)
		}
		if name == "_include" {
			q.Result.Includes = append(q.Result.Includes, dir)
		} else {
			q.Result.RevIncludes = append(q.Result.RevIncludes, dir)
		}
		return true, nil
	case "_sort":
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			sk := SortKey{Param: part}
			if strings.HasPrefix(part, "-") {
				sk = SortKey{Param: part[1:], Descending: true}
			}
			q.Result.Sort = append(q.Result.Sort, sk)
		}
		return true, nil
	case "_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return true, fmt.Errorf("invalid _count value %q", value)
		}
		q.Result.Count = n
		return true, nil
	case "_total":
		q.Result.Total = value
		return true, nil
	case "_summary":
		if !summaryValues[value] {
			return true, fmt.Errorf("invalid _summary value %q", value)
		}
		q.Result.Summary = value
		return true, nil
	case "_elements":
		for _, e := range strings.Split(value, ",") {
			if e = strings.TrimSpace(e); e != "" {
				q.Result.Elements = append(q.Result.Elements, e)
			}
		}
		return true, nil
	case "_contained":
		q.Result.Contained = value
		return true, nil
	case "_containedType":
		q.Result.ContainedType = value
		return true, nil
	}
	return false, nil
}

// parseIncludeDirective parses "Source:param[:Target]".
func parseIncludeDirective(value string) (IncludeDirective, bool) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return IncludeDirective{}, false
	}
	dir := IncludeDirective{SourceType: parts[0], Param: parts[1]}
	if len(parts) >= 3 {
		dir.TargetType = parts[2]
	}
	return dir, true
}

func splitModifier(key string) (string, string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// parseSearchParameter builds one predicate parameter. The parameter is
// marked ignored when its name has no definition or its modifier is not
// recognized; it still participates in self-link reconstruction.
func parseSearchParameter(key, value string, defs func(string) *SearchParamDef) *ParsedSearchParameter {
	name, modifier := splitModifier(key)
	p := &ParsedSearchParameter{
		Name:     name,
		Modifier: modifier,
		RawKey:   key,
		RawValue: value,
	}
	if defs != nil {
		p.Def = defs(name)
	}
	if p.Def == nil {
		p.Ignored = true
		return p
	}
	if modifier != "" && !knownModifiers[modifier] && !isResourceTypeName(modifier) {
		p.Ignored = true
		return p
	}
	for _, v := range strings.Split(value, ",") {
		p.Values = append(p.Values, splitComparator(v))
	}
	return p
}

// splitComparator extracts the leading comparator of an ordered value;
// eq is the default. Only ordered types honor the comparator but the prefix
// is recognized uniformly, matching how clients send it.
func splitComparator(raw string) ParsedParamValue {
	if len(raw) >= 2 {
		switch SearchComparator(raw[:2]) {
		case CompEq, CompNe, CompGt, CompLt, CompGe, CompLe, CompSa, CompEb, CompAp:
			// Guard against bare words like "eberhard" for a string: a
			// comparator must be followed by a digit, letter boundary is fine
			// for dates/numbers which always start with a digit or '-'.
			rest := raw[2:]
			if rest != "" && (rest[0] >= '0' && rest[0] <= '9' || rest[0] == '-') {
				return ParsedParamValue{Comparator: SearchComparator(raw[:2]), Value: rest}
			}
		}
	}
	return ParsedParamValue{Comparator: CompEq, Value: raw}
}

// SelfLinkQuery reassembles the effective query string for the searchset
// self link: every parsed parameter (including ignored ones) plus the result
// parameters, in original order where possible.
func (q *ParsedQuery) SelfLinkQuery() string {
	var parts []string
	for _, p := range q.Parameters {
		parts = append(parts, url.QueryEscape(p.RawKey)+"="+url.QueryEscape(p.RawValue))
	}
	for _, inc := range q.Result.Includes {
		key := "_include"
		if inc.Iterate {
			key += ":iterate"
		}
		parts = append(parts, key+"="+url.QueryEscape(formatDirective(inc)))
	}
	for _, inc := range q.Result.RevIncludes {
		key := "_revinclude"
		if inc.Iterate {
			key += ":iterate"
		}
		parts = append(parts, key+"="+url.QueryEscape(formatDirective(inc)))
	}
	if q.Result.Count >= 0 {
		parts = append(parts, "_count="+strconv.Itoa(q.Result.Count))
	}
	if q.Result.Summary != "" {
		parts = append(parts, "_summary="+q.Result.Summary)
	}
	return strings.Join(parts, "&")
}

func formatDirective(d IncludeDirective) string {
	s := d.SourceType + ":" + d.Param
	if d.TargetType != "" {
		s += ":" + d.TargetType
	}
	return s
}
