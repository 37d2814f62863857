package engine

import (
	"slices"
	"strings"
)

// ValueKind discriminates the attribute value union.
type ValueKind int

const (
	KindAbsent ValueKind = iota
	KindScalar
	KindList
)

// Value is the canonical attribute value: absent, a single scalar, or an
// ordered list of scalars. Directories disagree on whether an attribute is
// single- or multi-valued, so normalization happens once at ingestion and
// comparison code never branches on representation: an empty list collapses
// to Absent and a one-element list collapses to Scalar.
type Value struct {
	kind   ValueKind
	values []string
}

// Absent returns the absent marker.
func Absent() Value {
	return Value{kind: KindAbsent}
}

// Scalar returns a single-valued Value. The empty string is the absent
// marker.
func Scalar(s string) Value {
	if s == "" {
		return Absent()
	}
	return Value{kind: KindScalar, values: []string{s}}
}

// List returns a Value normalized from a sequence of scalars: empty
// sequences collapse to Absent and one-element sequences to Scalar. Empty
// string elements are dropped.
func List(values []string) Value {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	switch len(kept) {
	case 0:
		return Absent()
	case 1:
		return Value{kind: KindScalar, values: kept}
	default:
		return Value{kind: KindList, values: kept}
	}
}

// Kind reports which arm of the union this value occupies.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsAbsent reports whether the value is the absent marker.
func (v Value) IsAbsent() bool {
	return v.kind == KindAbsent
}

// String returns the scalar value, or the empty string when absent. For
// lists it returns the first element.
func (v Value) String() string {
	if len(v.values) == 0 {
		return ""
	}
	return v.values[0]
}

// Values returns the value as a slice, empty when absent. The returned
// slice must not be mutated.
func (v Value) Values() []string {
	return v.values
}

// Equal reports exact equality, element order included.
func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && slices.Equal(v.values, other.values)
}

// ObjectKind identifies the entity type of a directory entry.
type ObjectKind string

const (
	ObjectUser  ObjectKind = "user"
	ObjectGroup ObjectKind = "group"
)

// Source identifies which directory an entry was read from.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceDependent Source = "dependent"
)

// Entry is one identity object as seen in one directory, with every
// attribute already normalized into the Value union.
type Entry struct {
	// DN is the directory-assigned distinguished name.
	DN string
	// Name is the lowercased naming-attribute value; unique within one
	// (Source, ObjectKind) pair.
	Name   string
	Kind   ObjectKind
	Source Source
	Attrs  map[string]Value
}

// Get returns the named attribute value, Absent when the entry does not
// carry it. Attribute names compare case-insensitively, as in the
// directories themselves.
func (e *Entry) Get(attr string) Value {
	if e == nil || e.Attrs == nil {
		return Absent()
	}
	if v, ok := e.Attrs[attr]; ok {
		return v
	}
	for name, v := range e.Attrs {
		if strings.EqualFold(name, attr) {
			return v
		}
	}
	return Absent()
}

// Has reports whether the entry carries a non-absent value for attr.
func (e *Entry) Has(attr string) bool {
	return !e.Get(attr).IsAbsent()
}
