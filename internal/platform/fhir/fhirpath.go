package fhir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// PathEngine compiles FHIRPath expressions into reusable evaluators. It
// implements the subset of the specification needed for search parameter
// extraction and subscription trigger criteria: path navigation (including
// choice elements), boolean logic, comparisons, unions, indexers, external
// variables, and the core collection functions.
type PathEngine struct{}

// NewPathEngine creates a path expression compiler.
func NewPathEngine() *PathEngine {
	return &PathEngine{}
}

// CompiledExpr is the executable form of one expression. It is immutable and
// safe for concurrent evaluation.
type CompiledExpr struct {
	src string
	ast *pathNode
}

// Source returns the original expression text.
func (c *CompiledExpr) Source() string { return c.src }

// EvalContext supplies the environment for one evaluation: external
// variables (addressed as %name), a reference resolver for resolve(), and a
// terminology index for memberOf().
type EvalContext struct {
	Variables   map[string]interface{}
	Resolver    func(ref string) Resource
	Terminology *ValueSetIndex
}

// Compile parses an expression. The result may be cached and shared.
func (e *PathEngine) Compile(expression string) (*CompiledExpr, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}
	toks, err := pathTokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	p := &pathParser{toks: toks}
	ast, err := p.parseExpr(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	if tok := p.peek(); tok.kind != ptEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at %d", tok.text, tok.pos)
	}
	return &CompiledExpr{src: expression, ast: ast}, nil
}

// Evaluate runs the expression against a node and returns the resulting
// collection. A nil node yields the empty collection.
func (c *CompiledExpr) Evaluate(node interface{}, ctx *EvalContext) ([]interface{}, error) {
	if node == nil {
		return nil, nil
	}
	if r, ok := node.(Resource); ok {
		node = map[string]interface{}(r)
	}
	if ctx == nil {
		ctx = &EvalContext{}
	}
	ev := &pathEval{ctx: ctx, root: node}
	return ev.eval(c.ast, []interface{}{node})
}

// EvaluateBool evaluates as a criteria gate: it is true only when the result
// collection's first element is the boolean true. Empty collections and
// non-boolean results are false.
func (c *CompiledExpr) EvaluateBool(node interface{}, ctx *EvalContext) (bool, error) {
	out, err := c.Evaluate(node, ctx)
	if err != nil {
		return false, err
	}
	if len(out) == 0 {
		return false, nil
	}
	b, ok := out[0].(bool)
	return ok && b, nil
}

func collectionTruth(items []interface{}) bool {
	if len(items) == 0 {
		return false
	}
	if len(items) == 1 {
		if b, ok := items[0].(bool); ok {
			return b
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

type pathTokenKind int

const (
	ptIdent pathTokenKind = iota
	ptNumber
	ptString
	ptDateTime
	ptVariable // %name
	ptDot
	ptLParen
	ptRParen
	ptLBrack
	ptRBrack
	ptComma
	ptEq
	ptNe
	ptLt
	ptGt
	ptLe
	ptGe
	ptPipe
	ptEOF
)

type pathToken struct {
	kind pathTokenKind
	text string
	pos  int
}

func pathTokenize(input string) ([]pathToken, error) {
	var toks []pathToken
	i, n := 0, len(input)
	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i
		switch {
		case ch == '.':
			toks = append(toks, pathToken{ptDot, ".", start})
			i++
		case ch == '(':
			toks = append(toks, pathToken{ptLParen, "(", start})
			i++
		case ch == ')':
			toks = append(toks, pathToken{ptRParen, ")", start})
			i++
		case ch == '[':
			toks = append(toks, pathToken{ptLBrack, "[", start})
			i++
		case ch == ']':
			toks = append(toks, pathToken{ptRBrack, "]", start})
			i++
		case ch == ',':
			toks = append(toks, pathToken{ptComma, ",", start})
			i++
		case ch == '|':
			toks = append(toks, pathToken{ptPipe, "|", start})
			i++
		case ch == '=':
			toks = append(toks, pathToken{ptEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				toks = append(toks, pathToken{ptNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				toks = append(toks, pathToken{ptLe, "<=", start})
				i += 2
			} else {
				toks = append(toks, pathToken{ptLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				toks = append(toks, pathToken{ptGe, ">=", start})
				i += 2
			} else {
				toks = append(toks, pathToken{ptGt, ">", start})
				i++
			}
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			i++
			toks = append(toks, pathToken{ptString, sb.String(), start})
		case ch == '%':
			i++
			j := i
			for j < n && (input[j] == '_' || input[j] == '-' ||
				unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("empty variable name at %d", start)
			}
			toks = append(toks, pathToken{ptVariable, input[i:j], start})
			i = j
		case ch == '@':
			i++
			j := i
			for j < n && (input[j] == '-' || input[j] == ':' || input[j] == 'T' ||
				input[j] == '+' || input[j] == 'Z' || input[j] == '.' ||
				(input[j] >= '0' && input[j] <= '9')) {
				j++
			}
			toks = append(toks, pathToken{ptDateTime, input[i:j], start})
			i = j
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			toks = append(toks, pathToken{ptNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			toks = append(toks, pathToken{ptIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", string(ch), start)
		}
	}
	toks = append(toks, pathToken{ptEOF, "", n})
	return toks, nil
}

// ---------------------------------------------------------------------------
// AST and parser
// ---------------------------------------------------------------------------

type pathNodeKind int

const (
	pnLiteral pathNodeKind = iota
	pnField                // identifier navigation
	pnVariable             // %var
	pnDot                  // a.b
	pnIndex                // a[n]
	pnCall                 // fn(args) applied to input
	pnCompare              // = != < > <= >=
	pnAnd
	pnOr
	pnXor
	pnImplies
	pnUnion
)

type pathNode struct {
	kind pathNodeKind
	text string // field/function/operator name or variable
	lit  interface{}
	kids []*pathNode
}

type pathParser struct {
	toks []pathToken
	pos  int
}

func (p *pathParser) peek() pathToken { return p.toks[p.pos] }

func (p *pathParser) next() pathToken {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

// Precedence: implies(1) or|xor(2) and(3) union(4) compare(5).
func (p *pathParser) parseExpr(minPrec int) (*pathNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind := infixOf(tok)
		if prec < minPrec || prec == 0 {
			break
		}
		p.next()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &pathNode{kind: kind, text: tok.text, kids: []*pathNode{left, right}}
	}
	return left, nil
}

func infixOf(tok pathToken) (int, pathNodeKind) {
	switch {
	case tok.kind == ptIdent && tok.text == "implies":
		return 1, pnImplies
	case tok.kind == ptIdent && tok.text == "or":
		return 2, pnOr
	case tok.kind == ptIdent && tok.text == "xor":
		return 2, pnXor
	case tok.kind == ptIdent && tok.text == "and":
		return 3, pnAnd
	case tok.kind == ptPipe:
		return 4, pnUnion
	case tok.kind == ptEq, tok.kind == ptNe, tok.kind == ptLt,
		tok.kind == ptGt, tok.kind == ptLe, tok.kind == ptGe:
		return 5, pnCompare
	}
	return 0, 0
}

func (p *pathParser) parsePostfix() (*pathNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case ptDot:
			p.next()
			seg, err := p.parseSegment()
			if err != nil {
				return nil, err
			}
			node = &pathNode{kind: pnDot, kids: []*pathNode{node, seg}}
		case ptLBrack:
			p.next()
			idx, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if t := p.next(); t.kind != ptRBrack {
				return nil, fmt.Errorf("expected ']' at %d", t.pos)
			}
			node = &pathNode{kind: pnIndex, kids: []*pathNode{node, idx}}
		default:
			return node, nil
		}
	}
}

// parseSegment parses a field name or function call after a dot.
func (p *pathParser) parseSegment() (*pathNode, error) {
	tok := p.next()
	if tok.kind != ptIdent {
		return nil, fmt.Errorf("expected identifier at %d, got %q", tok.pos, tok.text)
	}
	if p.peek().kind == ptLParen {
		return p.parseCall(tok.text)
	}
	return &pathNode{kind: pnField, text: tok.text}, nil
}

func (p *pathParser) parseCall(name string) (*pathNode, error) {
	p.next() // consume (
	call := &pathNode{kind: pnCall, text: name}
	if p.peek().kind == ptRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		call.kids = append(call.kids, arg)
		tok := p.next()
		if tok.kind == ptRParen {
			return call, nil
		}
		if tok.kind != ptComma {
			return nil, fmt.Errorf("expected ',' or ')' at %d", tok.pos)
		}
	}
}

func (p *pathParser) parsePrimary() (*pathNode, error) {
	tok := p.next()
	switch tok.kind {
	case ptIdent:
		switch tok.text {
		case "true":
			return &pathNode{kind: pnLiteral, lit: true}, nil
		case "false":
			return &pathNode{kind: pnLiteral, lit: false}, nil
		}
		if p.peek().kind == ptLParen {
			return p.parseCall(tok.text)
		}
		return &pathNode{kind: pnField, text: tok.text}, nil
	case ptVariable:
		return &pathNode{kind: pnVariable, text: tok.text}, nil
	case ptNumber:
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q at %d", tok.text, tok.pos)
			}
			return &pathNode{kind: pnLiteral, lit: f}, nil
		}
		n, err := strconv.Atoi(tok.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", tok.text, tok.pos)
		}
		return &pathNode{kind: pnLiteral, lit: float64(n)}, nil
	case ptString:
		return &pathNode{kind: pnLiteral, lit: tok.text}, nil
	case ptDateTime:
		return &pathNode{kind: pnLiteral, lit: tok.text}, nil
	case ptLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != ptRParen {
			return nil, fmt.Errorf("expected ')' at %d", t.pos)
		}
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
}

// ---------------------------------------------------------------------------
// Evaluator
// ---------------------------------------------------------------------------

type pathEval struct {
	ctx  *EvalContext
	root interface{}
}

func (ev *pathEval) eval(node *pathNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case pnLiteral:
		return []interface{}{node.lit}, nil

	case pnVariable:
		if ev.ctx.Variables == nil {
			return nil, nil
		}
		v, ok := ev.ctx.Variables[node.text]
		if !ok || v == nil {
			return nil, nil
		}
		if r, isRes := v.(Resource); isRes {
			v = map[string]interface{}(r)
		}
		return []interface{}{v}, nil

	case pnField:
		// A leading segment naming the resource type filters rather than
		// navigates: "Patient.name" keeps the Patient node itself.
		var out []interface{}
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok {
				if rt, _ := m["resourceType"].(string); rt == node.text {
					out = append(out, item)
					continue
				}
			}
			out = append(out, navigateField(item, node.text)...)
		}
		return out, nil

	case pnDot:
		left, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		return ev.eval(node.kids[1], left)

	case pnIndex:
		left, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		idxVals, err := ev.eval(node.kids[1], input)
		if err != nil {
			return nil, err
		}
		if len(idxVals) != 1 {
			return nil, nil
		}
		f, ok := idxVals[0].(float64)
		if !ok {
			return nil, fmt.Errorf("indexer requires an integer")
		}
		i := int(f)
		if i < 0 || i >= len(left) {
			return nil, nil
		}
		return []interface{}{left[i]}, nil

	case pnCall:
		return ev.call(node, input)

	case pnUnion:
		left, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(node.kids[1], input)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	case pnAnd, pnOr, pnXor, pnImplies:
		lv, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		rv, err := ev.eval(node.kids[1], input)
		if err != nil {
			return nil, err
		}
		l, r := collectionTruth(lv), collectionTruth(rv)
		var b bool
		switch node.kind {
		case pnAnd:
			b = l && r
		case pnOr:
			b = l || r
		case pnXor:
			b = l != r
		case pnImplies:
			b = !l || r
		}
		return []interface{}{b}, nil

	case pnCompare:
		lv, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		rv, err := ev.eval(node.kids[1], input)
		if err != nil {
			return nil, err
		}
		if len(lv) == 0 || len(rv) == 0 {
			return nil, nil
		}
		b := compareCollections(lv, rv, node.text)
		return []interface{}{b}, nil
	}
	return nil, fmt.Errorf("unhandled node kind %d", node.kind)
}

// navigateField resolves a field on one node, flattening arrays and handling
// FHIR choice elements (value → valueQuantity, valueString, ...).
func navigateField(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	v, found := m[field]
	if !found {
		for k, kv := range m {
			if len(k) > len(field) && strings.HasPrefix(k, field) &&
				k[len(field)] >= 'A' && k[len(field)] <= 'Z' {
				v, found = kv, true
				break
			}
		}
	}
	if !found || v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		out := make([]interface{}, 0, len(arr))
		for _, e := range arr {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	}
	return []interface{}{v}
}

func (ev *pathEval) call(node *pathNode, input []interface{}) ([]interface{}, error) {
	switch node.text {
	case "where":
		if len(node.kids) != 1 {
			return nil, fmt.Errorf("where() requires one argument")
		}
		var out []interface{}
		for _, item := range input {
			res, err := ev.eval(node.kids[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if collectionTruth(res) {
				out = append(out, item)
			}
		}
		return out, nil
	case "select":
		if len(node.kids) != 1 {
			return nil, fmt.Errorf("select() requires one argument")
		}
		var out []interface{}
		for _, item := range input {
			res, err := ev.eval(node.kids[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			out = append(out, res...)
		}
		return out, nil
	case "exists":
		if len(node.kids) == 1 {
			filtered, err := ev.call(&pathNode{kind: pnCall, text: "where", kids: node.kids}, input)
			if err != nil {
				return nil, err
			}
			return []interface{}{len(filtered) > 0}, nil
		}
		return []interface{}{len(input) > 0}, nil
	case "empty":
		return []interface{}{len(input) == 0}, nil
	case "not":
		return []interface{}{!collectionTruth(input)}, nil
	case "count":
		return []interface{}{float64(len(input))}, nil
	case "first":
		if len(input) == 0 {
			return nil, nil
		}
		return input[:1], nil
	case "last":
		if len(input) == 0 {
			return nil, nil
		}
		return input[len(input)-1:], nil
	case "distinct":
		var out []interface{}
		seen := map[string]bool{}
		for _, item := range input {
			k := fmt.Sprintf("%v", item)
			if !seen[k] {
				seen[k] = true
				out = append(out, item)
			}
		}
		return out, nil
	case "contains", "startsWith", "endsWith", "matches":
		if len(node.kids) != 1 {
			return nil, fmt.Errorf("%s() requires one argument", node.text)
		}
		argv, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		if len(input) == 0 || len(argv) == 0 {
			return nil, nil
		}
		s, ok1 := input[0].(string)
		arg, ok2 := argv[0].(string)
		if !ok1 || !ok2 {
			return []interface{}{false}, nil
		}
		var b bool
		switch node.text {
		case "contains":
			b = strings.Contains(s, arg)
		case "startsWith":
			b = strings.HasPrefix(s, arg)
		case "endsWith":
			b = strings.HasSuffix(s, arg)
		case "matches":
			re, err := regexp.Compile(arg)
			if err != nil {
				return nil, fmt.Errorf("matches(): %w", err)
			}
			b = re.MatchString(s)
		}
		return []interface{}{b}, nil
	case "lower":
		if len(input) == 0 {
			return nil, nil
		}
		if s, ok := input[0].(string); ok {
			return []interface{}{strings.ToLower(s)}, nil
		}
		return nil, nil
	case "upper":
		if len(input) == 0 {
			return nil, nil
		}
		if s, ok := input[0].(string); ok {
			return []interface{}{strings.ToUpper(s)}, nil
		}
		return nil, nil
	case "ofType":
		if len(node.kids) != 1 || node.kids[0].kind != pnField {
			return nil, fmt.Errorf("ofType() requires a type name")
		}
		want := node.kids[0].text
		var out []interface{}
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok {
				if rt, _ := m["resourceType"].(string); rt == want {
					out = append(out, item)
				}
			}
		}
		return out, nil
	case "resolve":
		if ev.ctx.Resolver == nil {
			return nil, nil
		}
		var out []interface{}
		for _, item := range input {
			ref := referenceLiteral(item)
			if ref == "" {
				continue
			}
			if target := ev.ctx.Resolver(ref); target != nil {
				out = append(out, map[string]interface{}(target))
			}
		}
		return out, nil
	case "memberOf":
		if len(node.kids) != 1 {
			return nil, fmt.Errorf("memberOf() requires a value set url")
		}
		argv, err := ev.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		if ev.ctx.Terminology == nil || len(argv) == 0 {
			return []interface{}{false}, nil
		}
		url, _ := argv[0].(string)
		for _, item := range input {
			for _, tok := range tokenCandidates(item) {
				if ev.ctx.Terminology.Contains(url, tok.System, tok.Code) {
					return []interface{}{true}, nil
				}
			}
		}
		return []interface{}{false}, nil
	}
	return nil, fmt.Errorf("unknown function %q", node.text)
}

// referenceLiteral extracts the literal reference from either a Reference
// element or a plain string.
func referenceLiteral(item interface{}) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]interface{}:
		s, _ := v["reference"].(string)
		return s
	}
	return ""
}

func compareCollections(left, right []interface{}, op string) bool {
	// Singleton comparison against any member of the left collection; this
	// matches how trigger criteria like "status = 'final'" are used.
	for _, l := range left {
		for _, r := range right {
			if comparePrimitive(l, r, op) {
				return true
			}
		}
	}
	return false
}

func comparePrimitive(l, r interface{}, op string) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "=":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
		return false
	}
	ls := stringify(l)
	rs := stringify(r)
	switch op {
	case "=":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case ">":
		return ls > rs
	case "<=":
		return ls <= rs
	case ">=":
		return ls >= rs
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
