package fhir

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"
)

// SearchTester decides whether a resource satisfies a conjunction of parsed
// search parameters. Compiled path expressions are cached tenant-wide in a
// bounded cache keyed "Type.name".
type SearchTester struct {
	engine      *PathEngine
	compiled    otter.Cache[string, *CompiledExpr]
	terminology *ValueSetIndex
}

// compiledExprCacheSize bounds the tenant-wide expression cache.
const compiledExprCacheSize = 4096

// NewSearchTester builds a tester sharing the tenant's terminology index.
func NewSearchTester(terminology *ValueSetIndex) *SearchTester {
	cache, err := otter.MustBuilder[string, *CompiledExpr](compiledExprCacheSize).
		Cost(func(_ string, _ *CompiledExpr) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("fhir: failed to create expression cache: " + err.Error())
	}
	return &SearchTester{
		engine:      NewPathEngine(),
		compiled:    cache,
		terminology: terminology,
	}
}

// CompileCached compiles expr, memoizing under "typeName.name".
func (t *SearchTester) CompileCached(typeName, name, expr string) (*CompiledExpr, error) {
	key := compiledCacheKey(typeName, name)
	if c, ok := t.compiled.Get(key); ok {
		return c, nil
	}
	c, err := t.engine.Compile(expr)
	if err != nil {
		return nil, err
	}
	t.compiled.Set(key, c)
	return c, nil
}

// Compile compiles without caching, for one-off expressions.
func (t *SearchTester) Compile(expr string) (*CompiledExpr, error) {
	return t.engine.Compile(expr)
}

// InvalidateCompiled drops the cached expression for a parameter, used when a
// SearchParameter resource is updated or deleted.
func (t *SearchTester) InvalidateCompiled(typeName, name string) {
	t.compiled.Delete(compiledCacheKey(typeName, name))
}

// Matches reports whether resource satisfies every non-ignored parameter.
// ctx supplies the resolver used by reference chains and resolve().
func (t *SearchTester) Matches(resource Resource, typeName string, params []*ParsedSearchParameter, ctx *EvalContext) bool {
	if ctx == nil {
		ctx = &EvalContext{}
	}
	if ctx.Terminology == nil {
		ctx.Terminology = t.terminology
	}
	for _, p := range params {
		if p.Ignored || p.Def == nil {
			continue
		}
		ok, err := t.matchesOne(resource, typeName, p, ctx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (t *SearchTester) matchesOne(resource Resource, typeName string, p *ParsedSearchParameter, ctx *EvalContext) (bool, error) {
	expr, err := t.CompileCached(typeName, p.Def.Name, p.Def.Expression)
	if err != nil {
		return false, err
	}
	elements, err := expr.Evaluate(resource, ctx)
	if err != nil {
		return false, err
	}

	if p.Modifier == "missing" {
		wantMissing := len(p.Values) > 0 && p.Values[0].Value == "true"
		return (len(elements) == 0) == wantMissing, nil
	}

	// Disjunction across values, any element may satisfy any value.
	// Composite components are rooted at the resource, not the anchor
	// element, so the composite test runs once per value.
	matched := false
	for _, v := range p.Values {
		if p.Def.Type == SearchParamComposite {
			ok, err := t.testComposite(p, v, resource, ctx)
			if err != nil {
				return false, err
			}
			matched = ok
		} else {
			for _, el := range elements {
				ok, err := t.testElement(p, v, el, ctx)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
					break
				}
			}
		}
		if matched {
			break
		}
	}
	if p.Modifier == "not" {
		return !matched, nil
	}
	return matched, nil
}

func (t *SearchTester) testElement(p *ParsedSearchParameter, v ParsedParamValue, el interface{}, ctx *EvalContext) (bool, error) {
	switch p.Def.Type {
	case SearchParamString:
		return testString(el, v.Value, p.Modifier), nil
	case SearchParamToken:
		return t.testToken(el, v.Value, p.Modifier), nil
	case SearchParamReference:
		return t.testReference(el, v.Value, p, ctx), nil
	case SearchParamDate:
		return testDate(el, v)
	case SearchParamNumber:
		return testNumber(el, v)
	case SearchParamQuantity:
		return testQuantity(el, v)
	case SearchParamURI:
		return testURI(el, v.Value, p.Modifier), nil
	}
	return false, fmt.Errorf("unsupported search parameter type %q", p.Def.Type)
}

// ---------------------------------------------------------------------------
// string
// ---------------------------------------------------------------------------

// stringCandidates flattens an element into searchable strings. HumanName and
// Address expand to their textual parts.
func stringCandidates(el interface{}) []string {
	switch v := el.(type) {
	case string:
		return []string{v}
	case map[string]interface{}:
		var out []string
		for _, field := range []string{"text", "family", "city", "state", "country", "postalCode", "district"} {
			if s, ok := v[field].(string); ok && s != "" {
				out = append(out, s)
			}
		}
		for _, field := range []string{"given", "prefix", "suffix", "line"} {
			if arr, ok := v[field].([]interface{}); ok {
				for _, item := range arr {
					if s, ok := item.(string); ok && s != "" {
						out = append(out, s)
					}
				}
			}
		}
		return out
	}
	return nil
}

func testString(el interface{}, value, modifier string) bool {
	folded := strings.ToLower(value)
	for _, c := range stringCandidates(el) {
		switch modifier {
		case "exact":
			// :exact is the one case-sensitive string match.
			if c == value {
				return true
			}
		case "contains", "text":
			if strings.Contains(strings.ToLower(c), folded) {
				return true
			}
		default:
			if strings.HasPrefix(strings.ToLower(c), folded) {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// token
// ---------------------------------------------------------------------------

type tokenValue struct {
	System  string
	Code    string
	Display string
}

// tokenCandidates extracts (system, code) pairs from code strings, Coding,
// CodeableConcept, Identifier, ContactPoint and boolean elements.
func tokenCandidates(el interface{}) []tokenValue {
	switch v := el.(type) {
	case string:
		return []tokenValue{{Code: v}}
	case bool:
		return []tokenValue{{Code: strconv.FormatBool(v)}}
	case map[string]interface{}:
		// CodeableConcept
		if codings, ok := v["coding"].([]interface{}); ok {
			var out []tokenValue
			for _, raw := range codings {
				if c, ok := raw.(map[string]interface{}); ok {
					out = append(out, codingToken(c))
				}
			}
			if text, ok := v["text"].(string); ok && text != "" {
				out = append(out, tokenValue{Display: text})
			}
			return out
		}
		// Coding / Identifier / ContactPoint all expose system+value-or-code.
		if _, hasCode := v["code"]; hasCode {
			return []tokenValue{codingToken(v)}
		}
		if value, ok := v["value"].(string); ok {
			system, _ := v["system"].(string)
			return []tokenValue{{System: system, Code: value}}
		}
	}
	return nil
}

func codingToken(c map[string]interface{}) tokenValue {
	system, _ := c["system"].(string)
	code, _ := c["code"].(string)
	display, _ := c["display"].(string)
	return tokenValue{System: system, Code: code, Display: display}
}

// splitToken splits "system|code" ("|code", "system|", "code").
func splitToken(value string) (string, string, bool) {
	if i := strings.IndexByte(value, '|'); i >= 0 {
		return value[:i], value[i+1:], true
	}
	return "", value, false
}

func (t *SearchTester) testToken(el interface{}, value, modifier string) bool {
	system, code, hasSystem := splitToken(value)
	for _, tok := range tokenCandidates(el) {
		switch modifier {
		case "text":
			if tok.Display != "" && strings.Contains(strings.ToLower(tok.Display), strings.ToLower(value)) {
				return true
			}
		case "in":
			if t.terminology.Contains(value, tok.System, tok.Code) {
				return true
			}
		case "not-in":
			if t.terminology.Contains(value, tok.System, tok.Code) {
				return false
			}
		case "above":
			// The element code is at or above (an ancestor of) the queried code.
			if t.terminology.Subsumes(tok.System, tok.Code, code) && (!hasSystem || system == tok.System) {
				return true
			}
		case "below":
			// The element code is at or below (a descendant of) the queried code.
			if t.terminology.Subsumes(tok.System, code, tok.Code) && (!hasSystem || system == tok.System) {
				return true
			}
		case "of-type":
			// value is system|code|value against Identifier.type + value.
			if matchOfType(el, value) {
				return true
			}
		default:
			if tok.Code == code && (!hasSystem || system == "" || system == tok.System) {
				return true
			}
		}
	}
	return modifier == "not-in" && len(tokenCandidates(el)) > 0
}

func matchOfType(el interface{}, value string) bool {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 {
		return false
	}
	m, ok := el.(map[string]interface{})
	if !ok {
		return false
	}
	idValue, _ := m["value"].(string)
	if idValue != parts[2] {
		return false
	}
	typeCC, _ := m["type"].(map[string]interface{})
	for _, tok := range tokenCandidates(typeCC) {
		if tok.System == parts[0] && tok.Code == parts[1] {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// reference
// ---------------------------------------------------------------------------

func (t *SearchTester) testReference(el interface{}, value string, p *ParsedSearchParameter, ctx *EvalContext) bool {
	literal := referenceLiteral(el)
	if p.Modifier == "identifier" {
		// Compare against reference.identifier as a token.
		if m, ok := el.(map[string]interface{}); ok {
			if ident, ok := m["identifier"].(map[string]interface{}); ok {
				return t.testToken(ident, value, "")
			}
		}
		return false
	}
	if literal == "" {
		return false
	}

	refType, refID := ParseReference(literal)
	// Type modifier restricts the target type: subject:Patient=p1.
	if isResourceTypeName(p.Modifier) && refType != "" && refType != p.Modifier {
		return false
	}

	// Direct literal and Type/id comparisons.
	if literal == value {
		return true
	}
	if refType != "" && refID != "" {
		if FormatReference(refType, refID) == value {
			return true
		}
		// Bare id: "subject=p1" matches any target with that id, scoped by
		// the modifier when present.
		if !strings.Contains(value, "/") && refID == value {
			return true
		}
	}
	// Absolute vs relative forms of the same target.
	if vType, vID := ParseReference(value); vType != "" && vType == refType && vID == refID {
		return true
	}
	// Resolvable references compare by the resolved resource's Type/id.
	if ctx.Resolver != nil && refType == "" {
		if target := ctx.Resolver(literal); target != nil {
			return target.Key() == value
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// date
// ---------------------------------------------------------------------------

// dateRange is the implicit interval of a partial date: "2024" covers the
// whole year, "2024-03-05" the whole day.
type dateRange struct {
	start time.Time
	end   time.Time // exclusive
}

func parseDateRange(s string) (dateRange, error) {
	s = strings.TrimSpace(s)
	layouts := []struct {
		layout string
		step   func(time.Time) time.Time
	}{
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Millisecond) }},
		{time.RFC3339, func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return dateRange{start: t, end: l.step(t)}, nil
		}
	}
	return dateRange{}, fmt.Errorf("unparseable date %q", s)
}

// elementDateRange turns an element into an interval: a date string is its
// implicit range, a Period is [start, end].
func elementDateRange(el interface{}) (dateRange, bool) {
	switch v := el.(type) {
	case string:
		r, err := parseDateRange(v)
		return r, err == nil
	case map[string]interface{}:
		startStr, _ := v["start"].(string)
		endStr, _ := v["end"].(string)
		if startStr == "" && endStr == "" {
			return dateRange{}, false
		}
		r := dateRange{start: time.Time{}, end: time.Unix(1<<62-1, 0)}
		if startStr != "" {
			if sr, err := parseDateRange(startStr); err == nil {
				r.start = sr.start
			}
		}
		if endStr != "" {
			if er, err := parseDateRange(endStr); err == nil {
				r.end = er.end
			}
		}
		return r, true
	}
	return dateRange{}, false
}

func testDate(el interface{}, v ParsedParamValue) (bool, error) {
	target, err := parseDateRange(v.Value)
	if err != nil {
		return false, err
	}
	elRange, ok := elementDateRange(el)
	if !ok {
		return false, nil
	}
	switch v.Comparator {
	case CompEq:
		return !elRange.start.Before(target.start) && !elRange.end.After(target.end), nil
	case CompNe:
		return elRange.start.Before(target.start) || elRange.end.After(target.end), nil
	case CompGt:
		return elRange.end.After(target.end), nil
	case CompLt:
		return elRange.start.Before(target.start), nil
	case CompGe:
		return !elRange.start.Before(target.start) || elRange.end.After(target.end), nil
	case CompLe:
		return !elRange.end.After(target.end) || elRange.start.Before(target.start), nil
	case CompSa:
		return !elRange.start.Before(target.end), nil
	case CompEb:
		return !elRange.end.After(target.start), nil
	case CompAp:
		// Approximately: within 10% of the distance to now, at least a day.
		slack := time.Duration(math.Abs(float64(time.Until(target.start)))) / 10
		if slack < 24*time.Hour {
			slack = 24 * time.Hour
		}
		return elRange.start.Before(target.end.Add(slack)) && elRange.end.After(target.start.Add(-slack)), nil
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// number / quantity
// ---------------------------------------------------------------------------

func elementNumber(el interface{}) (float64, bool) {
	switch v := el.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func compareOrdered(elValue, target float64, cmp SearchComparator) bool {
	switch cmp {
	case CompEq:
		return elValue == target
	case CompNe:
		return elValue != target
	case CompGt, CompSa:
		return elValue > target
	case CompLt, CompEb:
		return elValue < target
	case CompGe:
		return elValue >= target
	case CompLe:
		return elValue <= target
	case CompAp:
		slack := math.Abs(target) * 0.1
		return math.Abs(elValue-target) <= slack
	}
	return false
}

func testNumber(el interface{}, v ParsedParamValue) (bool, error) {
	target, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return false, fmt.Errorf("invalid number %q", v.Value)
	}
	elValue, ok := elementNumber(el)
	if !ok {
		return false, nil
	}
	return compareOrdered(elValue, target, v.Comparator), nil
}

func testQuantity(el interface{}, v ParsedParamValue) (bool, error) {
	parts := strings.SplitN(v.Value, "|", 3)
	target, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return false, fmt.Errorf("invalid quantity value %q", v.Value)
	}
	var wantSystem, wantCode string
	if len(parts) >= 2 {
		wantSystem = parts[1]
	}
	if len(parts) == 3 {
		wantCode = parts[2]
	}

	m, ok := el.(map[string]interface{})
	if !ok {
		// A bare number still compares on value alone.
		if f, isNum := elementNumber(el); isNum && wantSystem == "" && wantCode == "" {
			return compareOrdered(f, target, v.Comparator), nil
		}
		return false, nil
	}
	elValue, ok := m["value"].(float64)
	if !ok {
		return false, nil
	}
	if wantSystem != "" {
		if s, _ := m["system"].(string); s != wantSystem {
			return false, nil
		}
	}
	if wantCode != "" {
		code, _ := m["code"].(string)
		unit, _ := m["unit"].(string)
		if code != wantCode && unit != wantCode {
			return false, nil
		}
	}
	return compareOrdered(elValue, target, v.Comparator), nil
}

// ---------------------------------------------------------------------------
// uri
// ---------------------------------------------------------------------------

func testURI(el interface{}, value, modifier string) bool {
	s, ok := el.(string)
	if !ok {
		return false
	}
	switch modifier {
	case "above":
		return uriAbove(s, value)
	case "below":
		return uriBelow(s, value)
	default:
		return s == value
	}
}

// ---------------------------------------------------------------------------
// composite
// ---------------------------------------------------------------------------

// testComposite evaluates every component expression against the resource;
// the value legs are separated by '$'.
func (t *SearchTester) testComposite(p *ParsedSearchParameter, v ParsedParamValue, resource Resource, ctx *EvalContext) (bool, error) {
	legs := strings.Split(v.Value, "$")
	if len(legs) != len(p.Def.Components) {
		return false, nil
	}
	for i, comp := range p.Def.Components {
		expr, err := t.Compile(comp.Expression)
		if err != nil {
			return false, err
		}
		elements, err := expr.Evaluate(resource, ctx)
		if err != nil {
			return false, err
		}
		compType := comp.Type
		if compType == "" {
			compType = SearchParamToken
		}
		legParam := &ParsedSearchParameter{
			Name: p.Name,
			Def:  &SearchParamDef{Name: p.Name, Type: compType},
		}
		legValue := splitComparator(legs[i])
		matched := false
		for _, sub := range elements {
			ok, err := t.testElement(legParam, legValue, sub, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}
