package bbb

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Doc is an ordered XML document tree as produced by parsing a BBB response.
//
// Values are one of:
//   - string: a leaf element's character data
//   - *Doc:   a nested element with children
//   - List:   repeated sibling elements of the same name
//   - RawXML: a pre-rendered fragment emitted verbatim
//
// Order is preserved so emitted envelopes keep the upstream element order.
type Doc struct {
	keys []string
	vals map[string]any
}

// List holds the values of repeated sibling elements.
type List []any

// RawXML is emitted without escaping. Used to inline the player service's
// XML body into a response envelope.
type RawXML string

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{vals: make(map[string]any)}
}

// Set stores a value under key, overwriting any previous value but keeping
// the key's original position.
func (d *Doc) Set(key string, value any) {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = value
}

// add appends a parsed child, folding repeated element names into a List.
func (d *Doc) add(key string, value any) {
	prev, ok := d.vals[key]
	if !ok {
		d.Set(key, value)
		return
	}
	if list, isList := prev.(List); isList {
		d.vals[key] = append(list, value)
		return
	}
	d.vals[key] = List{prev, value}
}

// Get returns the value for key and whether it was present.
func (d *Doc) Get(key string) (any, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (d *Doc) Has(key string) bool {
	_, ok := d.vals[key]
	return ok
}

// GetString returns the string leaf under key, or "" if absent or nested.
func (d *Doc) GetString(key string) string {
	s, _ := d.vals[key].(string)
	return s
}

// GetDoc returns the nested document under key, or nil.
func (d *Doc) GetDoc(key string) *Doc {
	sub, _ := d.vals[key].(*Doc)
	return sub
}

// GetList normalizes the "single element vs list" shape of repeated elements:
// an absent key yields nil, a single value yields a one-element list.
func (d *Doc) GetList(key string) List {
	v, ok := d.vals[key]
	if !ok {
		return nil
	}
	if list, isList := v.(List); isList {
		return list
	}
	return List{v}
}

// Keys returns the element names in document order.
func (d *Doc) Keys() []string {
	return d.keys
}

// Len returns the number of distinct element names.
func (d *Doc) Len() int {
	return len(d.keys)
}

// Merge copies every entry of other into d, overwriting collisions.
func (d *Doc) Merge(other *Doc) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		d.Set(k, other.vals[k])
	}
}

// ParseResponse parses a BBB XML body. The single top-level <response>
// element is returned as a document; anything else is a syntax error.
func ParseResponse(data []byte) (*Doc, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("xml syntax error: no root element")
		}
		if err != nil {
			return nil, fmt.Errorf("xml syntax error: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "response" {
			return nil, fmt.Errorf("xml syntax error: unexpected root element %q", start.Name.Local)
		}
		value, err := parseElement(dec)
		if err != nil {
			return nil, fmt.Errorf("xml syntax error: %w", err)
		}
		doc, isDoc := value.(*Doc)
		if !isDoc {
			// <response/> or text-only response body.
			doc = NewDoc()
		}
		return doc, nil
	}
}

func parseElement(dec *xml.Decoder) (any, error) {
	doc := NewDoc()
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(dec)
			if err != nil {
				return nil, err
			}
			doc.add(t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if doc.Len() == 0 {
				return strings.TrimSpace(text.String()), nil
			}
			return doc, nil
		}
	}
}

// EmitXML renders value as an XML fragment rooted at name.
func EmitXML(name string, value any) []byte {
	var buf bytes.Buffer
	emit(&buf, name, value)
	return buf.Bytes()
}

func emit(buf *bytes.Buffer, name string, value any) {
	switch v := value.(type) {
	case List:
		for _, item := range v {
			emit(buf, name, item)
		}
	case *Doc:
		buf.WriteByte('<')
		buf.WriteString(name)
		buf.WriteByte('>')
		for _, k := range v.keys {
			emit(buf, k, v.vals[k])
		}
		buf.WriteString("</")
		buf.WriteString(name)
		buf.WriteByte('>')
	case RawXML:
		buf.WriteByte('<')
		buf.WriteString(name)
		buf.WriteByte('>')
		buf.WriteString(string(v))
		buf.WriteString("</")
		buf.WriteString(name)
		buf.WriteByte('>')
	case string:
		buf.WriteByte('<')
		buf.WriteString(name)
		buf.WriteByte('>')
		_ = xml.EscapeText(buf, []byte(v))
		buf.WriteString("</")
		buf.WriteString(name)
		buf.WriteByte('>')
	case nil:
		buf.WriteByte('<')
		buf.WriteString(name)
		buf.WriteString("/>")
	default:
		emit(buf, name, fmt.Sprint(v))
	}
}
