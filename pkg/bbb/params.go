package bbb

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type param struct {
	key   string
	value string
}

// Params is an ordered set of query parameters.
//
// Order matters: the BBB checksum is computed over the encoded query string,
// so the string sent upstream must be byte-identical to the string signed.
// A plain map would randomize the order between the two.
type Params struct {
	pairs []param
}

// NewParams returns an empty parameter set.
func NewParams() *Params {
	return &Params{}
}

// ParamsFromMap builds a parameter set from a plain map in sorted key order,
// making replayed create queries deterministic.
func ParamsFromMap(m map[string]string) *Params {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := NewParams()
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}

// ParseQuery decodes a raw query string into an ordered parameter set,
// preserving the order the client sent. Undecodable pairs are skipped.
func ParseQuery(rawQuery string) *Params {
	p := NewParams()
	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		p.Set(k, v)
	}
	return p
}

// Set stores a value, overwriting in place if the key already exists.
func (p *Params) Set(key, value string) {
	for i := range p.pairs {
		if p.pairs[i].key == key {
			p.pairs[i].value = value
			return
		}
	}
	p.pairs = append(p.pairs, param{key: key, value: value})
}

// SetBool stores a boolean as BBB expects it: lower-case "true"/"false".
func (p *Params) SetBool(key string, value bool) {
	p.Set(key, strconv.FormatBool(value))
}

// Get returns the value for key and whether it was present.
func (p *Params) Get(key string) (string, bool) {
	for _, kv := range p.pairs {
		if kv.key == key {
			return kv.value, true
		}
	}
	return "", false
}

// Del removes key if present.
func (p *Params) Del(key string) {
	for i, kv := range p.pairs {
		if kv.key == key {
			p.pairs = append(p.pairs[:i], p.pairs[i+1:]...)
			return
		}
	}
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	return len(p.pairs)
}

// Map returns the parameters as a plain map (order lost).
func (p *Params) Map() map[string]string {
	m := make(map[string]string, len(p.pairs))
	for _, kv := range p.pairs {
		m[kv.key] = kv.value
	}
	return m
}

// Clone returns an independent copy preserving order.
func (p *Params) Clone() *Params {
	c := &Params{pairs: make([]param, len(p.pairs))}
	copy(c.pairs, p.pairs)
	return c
}

// Encode renders the parameters as an URL-encoded query string in insertion
// order. Spaces encode as '+', matching the encoding the checksum is
// computed over.
func (p *Params) Encode() string {
	var buf []byte
	for i, kv := range p.pairs {
		if i > 0 {
			buf = append(buf, '&')
		}
		buf = append(buf, url.QueryEscape(kv.key)...)
		buf = append(buf, '=')
		buf = append(buf, url.QueryEscape(kv.value)...)
	}
	return string(buf)
}
