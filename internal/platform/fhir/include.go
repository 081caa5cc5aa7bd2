package fhir

import (
	"github.com/rs/zerolog"
)

// maxIterateDepth bounds :iterate expansion. Five rounds covers every
// realistic clinical reference chain without letting cyclic graphs spin.
const maxIterateDepth = 5

// IncludeResolver expands _include and _revinclude directives over the
// tenant's stores. Directives that cannot be resolved (unknown type, unknown
// parameter, wrong parameter type) are skipped rather than failing the
// search.
type IncludeResolver struct {
	tester *SearchTester
	lookup func(typeName string) *ResourceStore
	defs   func(typeName string) func(name string) *SearchParamDef
	log    zerolog.Logger
}

// NewIncludeResolver wires the resolver to a tenant's store lookup.
func NewIncludeResolver(tester *SearchTester, lookup func(string) *ResourceStore, defs func(string) func(string) *SearchParamDef, log zerolog.Logger) *IncludeResolver {
	return &IncludeResolver{tester: tester, lookup: lookup, defs: defs, log: log}
}

// Expand returns the additional resources the directives pull in, in
// discovery order, excluding anything already in matches. seen is keyed by
// "Type/id" and is extended as resources are found.
func (ir *IncludeResolver) Expand(matches []Resource, result ResultParameters) []Resource {
	seen := make(map[string]bool, len(matches))
	for _, r := range matches {
		seen[r.Key()] = true
	}

	var included []Resource
	frontier := matches
	for depth := 0; depth < maxIterateDepth; depth++ {
		var found []Resource
		for _, dir := range result.Includes {
			if depth > 0 && !dir.Iterate {
				continue
			}
			found = append(found, ir.expandInclude(frontier, dir, seen)...)
		}
		for _, dir := range result.RevIncludes {
			if depth > 0 && !dir.Iterate {
				continue
			}
			found = append(found, ir.expandRevInclude(frontier, dir, seen)...)
		}
		if len(found) == 0 {
			break
		}
		included = append(included, found...)
		frontier = found
	}
	return included
}

// expandInclude follows the reference parameter dir.Param forward from every
// frontier resource of dir.SourceType.
func (ir *IncludeResolver) expandInclude(frontier []Resource, dir IncludeDirective, seen map[string]bool) []Resource {
	def := ir.paramDef(dir.SourceType, dir.Param)
	if def == nil || def.Type != SearchParamReference {
		return nil
	}
	expr, err := ir.tester.CompileCached(dir.SourceType, def.Name, def.Expression)
	if err != nil {
		ir.log.Warn().Err(err).Str("param", dir.Param).Msg("include expression failed to compile")
		return nil
	}

	var out []Resource
	for _, src := range frontier {
		if src.ResourceType() != dir.SourceType {
			continue
		}
		elements, err := expr.Evaluate(src, &EvalContext{})
		if err != nil {
			continue
		}
		for _, el := range elements {
			literal := referenceLiteral(el)
			if literal == "" {
				continue
			}
			refType, refID := ParseReference(literal)
			if refType == "" {
				continue
			}
			if dir.TargetType != "" && refType != dir.TargetType {
				continue
			}
			if !ir.allowedTarget(def, refType) {
				continue
			}
			key := refType + "/" + refID
			if seen[key] {
				continue
			}
			store := ir.lookup(refType)
			if store == nil {
				continue
			}
			if target, ok := store.Read(refID); ok {
				seen[key] = true
				out = append(out, target)
			}
		}
	}
	return out
}

// expandRevInclude scans the dir.SourceType store for resources whose
// dir.Param references any frontier resource.
func (ir *IncludeResolver) expandRevInclude(frontier []Resource, dir IncludeDirective, seen map[string]bool) []Resource {
	def := ir.paramDef(dir.SourceType, dir.Param)
	if def == nil || def.Type != SearchParamReference {
		return nil
	}
	store := ir.lookup(dir.SourceType)
	if store == nil {
		return nil
	}

	targets := make(map[string]bool, len(frontier))
	for _, r := range frontier {
		if dir.TargetType != "" && r.ResourceType() != dir.TargetType {
			continue
		}
		targets[r.Key()] = true
	}
	if len(targets) == 0 {
		return nil
	}

	param := &ParsedSearchParameter{Name: def.Name, Def: def}
	for key := range targets {
		param.Values = append(param.Values, ParsedParamValue{Comparator: CompEq, Value: key})
	}

	var out []Resource
	for _, candidate := range store.Match([]*ParsedSearchParameter{param}, ir.tester, &EvalContext{}) {
		if seen[candidate.Key()] {
			continue
		}
		seen[candidate.Key()] = true
		out = append(out, candidate)
	}
	return out
}

func (ir *IncludeResolver) paramDef(typeName, name string) *SearchParamDef {
	resolve := ir.defs(typeName)
	if resolve == nil {
		return nil
	}
	return resolve(name)
}

func (ir *IncludeResolver) allowedTarget(def *SearchParamDef, typeName string) bool {
	if len(def.Targets) == 0 {
		return true
	}
	for _, t := range def.Targets {
		if t == typeName {
			return true
		}
	}
	return false
}
