package sip

import (
	"bytes"
	"strings"
)

// Param is a single key or key=value item.
type Param struct {
	Key      string
	Value    string
	HasValue bool
}

// Params is an ordered key-value collection used for URI parameters,
// header parameters and Via parameters. Insertion order is preserved so
// serialization is stable.
type Params struct {
	items []Param
}

func NewParams() *Params {
	return &Params{}
}

// Add sets key to value, replacing an existing entry in place.
func (p *Params) Add(key, value string) *Params {
	for i := range p.items {
		if p.items[i].Key == key {
			p.items[i].Value = value
			p.items[i].HasValue = true
			return p
		}
	}
	p.items = append(p.items, Param{Key: key, Value: value, HasValue: true})
	return p
}

// AddFlag sets a valueless parameter such as ";lr".
func (p *Params) AddFlag(key string) *Params {
	for i := range p.items {
		if p.items[i].Key == key {
			p.items[i].Value = ""
			p.items[i].HasValue = false
			return p
		}
	}
	p.items = append(p.items, Param{Key: key})
	return p
}

func (p *Params) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, it := range p.items {
		if it.Key == key {
			return it.Value, true
		}
	}
	return "", false
}

func (p *Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

func (p *Params) Remove(key string) *Params {
	for i := range p.items {
		if p.items[i].Key == key {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return p
		}
	}
	return p
}

func (p *Params) Length() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

func (p *Params) Items() []Param {
	if p == nil {
		return nil
	}
	return p.items
}

func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	clone := &Params{items: make([]Param, len(p.items))}
	copy(clone.items, p.items)
	return clone
}

// ToString renders the collection joined by sep, without a leading sep.
func (p *Params) ToString(sep byte) string {
	if p == nil || len(p.items) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for i, it := range p.items {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.WriteString(it.Key)
		if it.HasValue {
			buf.WriteByte('=')
			buf.WriteString(it.Value)
		}
	}
	return buf.String()
}

func (p *Params) Equals(other *Params) bool {
	if p.Length() != other.Length() {
		return false
	}
	for _, it := range p.Items() {
		v, ok := other.Get(it.Key)
		if !ok || v != it.Value {
			return false
		}
	}
	return true
}

// ParseParams parses "k=v;k2;k3=v3" style strings split on sep.
func ParseParams(s string, sep byte) *Params {
	params := NewParams()
	if s == "" {
		return params
	}
	for _, item := range strings.Split(s, string(sep)) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if idx := strings.IndexByte(item, '='); idx >= 0 {
			params.Add(item[:idx], item[idx+1:])
		} else {
			params.AddFlag(item)
		}
	}
	return params
}
