// Package bencode implements the subset of bencoding used by the DHT wire
// protocol: integers, byte strings, lists and dictionaries.
//
// Values are represented by a small closed set of types implementing Value:
//
//	d := bencode.NewDict()
//	d.Set("y", bencode.Str("q"))
//	d.Set("a", bencode.NewDict())
//	data := bencode.Encode(d)
//
//	v, n, err := bencode.Parse(data)
//
// Dictionaries keep insertion order in memory but are always encoded with
// their keys in ascending byte order, so hashing an encoded dictionary is
// deterministic.
package bencode

import (
	"bytes"
	"sort"
)

// Kind identifies the variant of a Value.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	default:
		return "unknown"
	}
}

// Value is one bencoded value. The set of implementations is closed.
type Value interface {
	Kind() Kind
	isValue()
}

// Int is a bencoded integer.
type Int int64

// String is a bencoded byte string. It may hold arbitrary binary data.
type String []byte

// List is an ordered sequence of values.
type List []Value

// Str returns s as a byte string value.
func Str(s string) String { return String(s) }

func (Int) Kind() Kind    { return KindInt }
func (String) Kind() Kind { return KindString }
func (List) Kind() Kind   { return KindList }
func (*Dict) Kind() Kind  { return KindDict }

func (Int) isValue()    {}
func (String) isValue() {}
func (List) isValue()   {}
func (*Dict) isValue()  {}

// Dict is a dictionary with unique byte-string keys. It remembers the order
// in which keys were first set.
type Dict struct {
	keys   []string
	values map[string]Value
}

// NewDict returns an empty dictionary.
func NewDict() *Dict {
	return &Dict{values: make(map[string]Value)}
}

// Set stores v under key. Setting an existing key replaces its value and
// keeps its original position.
func (d *Dict) Set(key string, v Value) *Dict {
	if d.values == nil {
		d.values = make(map[string]Value)
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
	return d
}

// Get returns the value stored under key.
func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

// Delete removes key from the dictionary.
func (d *Dict) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// SortedKeys returns the keys in ascending byte order, the order used on
// the wire.
func (d *Dict) SortedKeys() []string {
	keys := d.Keys()
	sort.Strings(keys)
	return keys
}

// Bytes returns the byte string stored under key.
func (d *Dict) Bytes(key string) ([]byte, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := v.(String)
	return []byte(s), ok
}

// Int returns the integer stored under key.
func (d *Dict) Int(key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(Int)
	return int64(i), ok
}

// List returns the list stored under key.
func (d *Dict) List(key string) (List, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.(List)
	return l, ok
}

// Dict returns the dictionary stored under key.
func (d *Dict) Dict(key string) (*Dict, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Dict)
	return sub, ok
}

// Equal reports whether a and b hold the same value. Dictionary key order
// is not significant.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Int:
		return av == b.(Int)
	case String:
		return bytes.Equal(av, b.(String))
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Dict:
		bv := b.(*Dict)
		if av.Len() != bv.Len() {
			return false
		}
		for _, k := range av.keys {
			other, ok := bv.Get(k)
			if !ok || !Equal(av.values[k], other) {
				return false
			}
		}
		return true
	}
	return false
}
