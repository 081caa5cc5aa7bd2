package fhir

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// Wire formats.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

const fhirXMLNamespace = "http://hl7.org/fhir"

// MIMEType returns the canonical media type for a format.
func MIMEType(format string) string {
	if format == FormatXML {
		return "application/fhir+xml"
	}
	return "application/fhir+json"
}

// FormatFromMIME maps a media type (or _format shorthand) to a wire format.
func FormatFromMIME(mime string) (string, bool) {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mime)) {
	case "json", "application/json", "application/fhir+json", "text/json":
		return FormatJSON, true
	case "xml", "application/xml", "application/fhir+xml", "text/xml":
		return FormatXML, true
	case "", "*/*", "application/*":
		return FormatJSON, true
	}
	return "", false
}

// DecodeResource parses a wire payload into a resource tree.
func DecodeResource(data []byte, format string) (Resource, error) {
	if format == FormatXML {
		return decodeXML(data)
	}
	var r Resource
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	normalizeNumbers(map[string]interface{}(r))
	if r.ResourceType() == "" {
		return nil, fmt.Errorf("payload has no resourceType")
	}
	return r, nil
}

// EncodeResource serializes a resource tree for the wire.
func EncodeResource(r Resource, format string, pretty bool) ([]byte, error) {
	if format == FormatXML {
		return encodeXML(r)
	}
	if pretty {
		return json.MarshalIndent(r, "", "  ")
	}
	return json.Marshal(r)
}

// normalizeNumbers rewrites json.Number leaves to float64 so the whole tree
// is uniformly typed for matching and path evaluation.
func normalizeNumbers(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if n, ok := val.(json.Number); ok {
				if f, err := n.Float64(); err == nil {
					t[k] = f
				}
				continue
			}
			normalizeNumbers(val)
		}
	case []interface{}:
		for i, val := range t {
			if n, ok := val.(json.Number); ok {
				if f, err := n.Float64(); err == nil {
					t[i] = f
				}
				continue
			}
			normalizeNumbers(val)
		}
	}
}

// ---------------------------------------------------------------------------
// XML
// ---------------------------------------------------------------------------

// decodeXML parses the FHIR XML representation: the root element names the
// resource type, primitives carry a value attribute, repeated elements form
// lists. Primitive values stay strings; matching is duck-typed downstream.
func decodeXML(data []byte) (Resource, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		tree, err := decodeXMLElement(dec, start)
		if err != nil {
			return nil, err
		}
		m, ok := tree.(map[string]interface{})
		if !ok {
			m = map[string]interface{}{}
		}
		m["resourceType"] = start.Name.Local
		return Resource(m), nil
	}
}

// decodeXMLElement reads one element's subtree. It returns a string for
// primitives, a map for complex elements.
func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	var value string
	hasValue := false
	for _, attr := range start.Attr {
		if attr.Name.Local == "value" {
			value = attr.Value
			hasValue = true
		}
	}

	children := map[string]interface{}{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "div" {
				// Narrative keeps its raw inner XHTML.
				raw, err := rawInner(dec, t)
				if err != nil {
					return nil, err
				}
				children["div"] = raw
				continue
			}
			child, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			if existing, ok := children[name]; ok {
				if list, ok := existing.([]interface{}); ok {
					children[name] = append(list, child)
				} else {
					children[name] = []interface{}{existing, child}
				}
			} else {
				children[name] = child
			}
		case xml.EndElement:
			if len(children) == 0 && hasValue {
				return value, nil
			}
			if hasValue {
				children["value"] = value
			}
			return children, nil
		}
	}
}

// rawInner swallows an element, returning its inner content as text.
func rawInner(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("parse xml narrative: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			sb.WriteString("<" + t.Name.Local + ">")
		case xml.EndElement:
			depth--
			if depth > 0 {
				sb.WriteString("</" + t.Name.Local + ">")
			}
		case xml.CharData:
			sb.Write(t)
		}
	}
	return sb.String(), nil
}

// encodeXML writes the FHIR XML representation of a resource tree. Keys are
// sorted for deterministic output, with id and meta leading.
func encodeXML(r Resource) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	typeName := r.ResourceType()
	if typeName == "" {
		return nil, fmt.Errorf("resource has no resourceType")
	}
	fmt.Fprintf(&buf, "<%s xmlns=%q>", typeName, fhirXMLNamespace)
	for _, key := range orderedKeys(map[string]interface{}(r)) {
		if key == "resourceType" {
			continue
		}
		if err := encodeXMLField(&buf, key, r[key]); err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(&buf, "</%s>", typeName)
	return buf.Bytes(), nil
}

func encodeXMLField(buf *bytes.Buffer, name string, v interface{}) error {
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if err := encodeXMLField(buf, name, item); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		fmt.Fprintf(buf, "<%s>", name)
		for _, key := range orderedKeys(t) {
			if err := encodeXMLField(buf, key, t[key]); err != nil {
				return err
			}
		}
		fmt.Fprintf(buf, "</%s>", name)
	case string:
		fmt.Fprintf(buf, "<%s value=%q/>", name, t)
	case bool:
		fmt.Fprintf(buf, "<%s value=\"%t\"/>", name, t)
	case float64:
		fmt.Fprintf(buf, "<%s value=%q/>", name, trimFloat(t))
	case nil:
	default:
		return fmt.Errorf("unencodable %s of type %T", name, v)
	}
	return nil
}

func orderedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keyRank(keys[i]) < keyRank(keys[j]) ||
			keyRank(keys[i]) == keyRank(keys[j]) && keys[i] < keys[j]
	})
	return keys
}

// keyRank forces id and meta to serialize first, matching the canonical
// element order readers expect.
func keyRank(k string) int {
	switch k {
	case "id":
		return 0
	case "meta":
		return 1
	case "url":
		return 2
	default:
		return 3
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// ---------------------------------------------------------------------------
// _summary / _elements
// ---------------------------------------------------------------------------

// subsettedTag marks filtered resources per the SUBSETTED convention.
var subsettedTag = map[string]interface{}{
	"system": "http://terminology.hl7.org/CodeSystem/v3-ObservationValue",
	"code":   "SUBSETTED",
}

// ApplySummary returns a filtered copy of r per the _summary value.
// "count" is handled at the bundle level and passes through here.
func ApplySummary(r Resource, summary string) Resource {
	switch summary {
	case "text":
		out := Resource{"resourceType": r.ResourceType()}
		for _, k := range []string{"id", "meta", "text"} {
			if v, ok := r[k]; ok {
				out[k] = copyTree(v)
			}
		}
		markSubsetted(out)
		return out
	case "true", "data":
		out := r.Clone()
		delete(out, "text")
		markSubsetted(out)
		return out
	}
	return r
}

// ApplyElements returns a copy of r keeping only the named top-level
// elements plus the mandatory id, meta and resourceType.
func ApplyElements(r Resource, elements []string) Resource {
	if len(elements) == 0 {
		return r
	}
	keep := map[string]bool{"resourceType": true, "id": true, "meta": true}
	for _, e := range elements {
		// "Patient.name" style entries scope to the type; the bare tail is
		// what we filter on.
		if i := strings.IndexByte(e, '.'); i >= 0 {
			if e[:i] != r.ResourceType() {
				continue
			}
			e = e[i+1:]
		}
		keep[e] = true
	}
	out := Resource{}
	for k, v := range r {
		if keep[k] {
			out[k] = copyTree(v)
		}
	}
	markSubsetted(out)
	return out
}

func markSubsetted(r Resource) {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		r["meta"] = meta
	}
	tags, _ := meta["tag"].([]interface{})
	meta["tag"] = append(tags, copyTree(subsettedTag))
}
