package querycache

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Key is an ordered, structurally-compared composite identifier for a
// cached query, mirroring the way the teacher's dep.Dependency values
// identify themselves via String() for use as map keys, but with real
// structural equality and a precomputed hash instead of relying on
// whatever fmt happens to produce.
//
// Parts may be scalars, strings, non-string sequences (slices/arrays), or
// record-like maps/structs. Cyclic graphs are rejected at construction
// time; maps are always treated as records (compared key by key), so no
// part is rejected as an unordered collection. Map/struct properties with
// a nil value are ignored for both equality and hashing.
type Key struct {
	parts []interface{}
	hash  uint64
	str   string
}

// New builds a Key from an ordered list of parts. It fails if any part
// contains a cycle.
func New(parts ...interface{}) (Key, error) {
	seen := make(map[uintptr]bool)
	for _, p := range parts {
		if err := checkCycle(reflect.ValueOf(p), seen); err != nil {
			return Key{}, errors.Wrap(err, "key")
		}
	}
	cp := make([]interface{}, len(parts))
	copy(cp, parts)

	k := Key{parts: cp}
	k.str = canonicalString(cp)
	k.hash = fnvHash(k.str)
	return k, nil
}

// MustNew is New but panics on error, for package-level key declarations
// where the shape of parts is known to be acyclic at compile time.
func MustNew(parts ...interface{}) Key {
	k, err := New(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

// Len returns the number of parts in the key.
func (k Key) Len() int { return len(k.parts) }

// Parts returns a copy of the key's ordered parts.
func (k Key) Parts() []interface{} {
	cp := make([]interface{}, len(k.parts))
	copy(cp, k.parts)
	return cp
}

// Hash returns the key's precomputed, equality-consistent hash.
func (k Key) Hash() uint64 { return k.hash }

// String returns the canonical string encoding of the key. Two keys that
// are Equal always produce the same String, and it is what the cache uses
// internally as its map index.
func (k Key) String() string { return k.str }

// Equals reports whether two keys are structurally equal: same length,
// and every part equal positionally, with nil map/struct properties
// ignored on either side.
func (k Key) Equals(o Key) bool {
	if len(k.parts) != len(o.parts) {
		return false
	}
	for i := range k.parts {
		if !partsEqual(k.parts[i], o.parts[i]) {
			return false
		}
	}
	return true
}

// StartsWith reports whether prefix's parts match the first len(prefix)
// parts of k, positionally. Every key starts with itself.
func (k Key) StartsWith(prefix Key) bool {
	if len(k.parts) < len(prefix.parts) {
		return false
	}
	for i := range prefix.parts {
		if !partsEqual(k.parts[i], prefix.parts[i]) {
			return false
		}
	}
	return true
}

func checkCycle(v reflect.Value, seen map[uintptr]bool) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return errors.New("cyclic value not supported in key parts")
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return checkCycle(v.Elem(), seen)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkCycle(v.Index(i), seen); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkCycle(iter.Value(), seen); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if err := checkCycle(v.Field(i), seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// partsEqual compares two key parts using the structural rules from the
// data model: strings are leaves, non-string sequences compare positionally,
// record-like values (maps and structs) compare by field with nils ignored.
func partsEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if s, ok := a.(string); ok {
		t, ok := b.(string)
		return ok && s == t
	}
	if _, ok := b.(string); ok {
		return false
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)

	if isRecordKind(va.Kind()) && isRecordKind(vb.Kind()) {
		return recordEqual(va, vb)
	}
	if isSeqKind(va.Kind()) && isSeqKind(vb.Kind()) {
		return seqEqual(va, vb)
	}
	if isRecordKind(va.Kind()) != isRecordKind(vb.Kind()) {
		return false
	}
	if isSeqKind(va.Kind()) != isSeqKind(vb.Kind()) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func isSeqKind(k reflect.Kind) bool {
	return k == reflect.Slice || k == reflect.Array
}

func isRecordKind(k reflect.Kind) bool {
	return k == reflect.Map || k == reflect.Struct
}

func seqEqual(a, b reflect.Value) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !partsEqual(a.Index(i).Interface(), b.Index(i).Interface()) {
			return false
		}
	}
	return true
}

// recordEqual compares record-like values (maps keyed by string, or
// structs) field by field, ignoring properties that are nil on either
// side (so {a:1} equals {a:1,b:null}).
func recordEqual(a, b reflect.Value) bool {
	am := toFieldMap(a)
	bm := toFieldMap(b)
	for k, av := range am {
		bv, ok := bm[k]
		if !ok {
			if isNilValue(av) {
				continue
			}
			return false
		}
		if !partsEqual(av, bv) {
			return false
		}
	}
	for k, bv := range bm {
		if _, ok := am[k]; ok {
			continue
		}
		if !isNilValue(bv) {
			return false
		}
	}
	return true
}

func isNilValue(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

func toFieldMap(v reflect.Value) map[string]interface{} {
	m := make(map[string]interface{})
	switch v.Kind() {
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if isNilableKind(iter.Value().Kind()) && iter.Value().IsNil() {
				continue
			}
			m[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			fv := v.Field(i)
			if isNilableKind(fv.Kind()) && fv.IsNil() {
				continue
			}
			m[f.Name] = fv.Interface()
		}
	}
	return m
}

func isNilableKind(k reflect.Kind) bool {
	switch k {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return true
	}
	return false
}

// canonicalString produces a deterministic textual encoding of parts used
// both as the Key's String() and as the seed for its hash. Map keys are
// sorted so that field order never affects the result.
func canonicalString(parts []interface{}) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonical(&b, reflect.ValueOf(p))
	}
	b.WriteByte(']')
	return b.String()
}

func writeCanonical(b *strings.Builder, v reflect.Value) {
	if !v.IsValid() {
		b.WriteString("null")
		return
	}
	switch v.Kind() {
	case reflect.String:
		fmt.Fprintf(b, "%q", v.String())
	case reflect.Slice, reflect.Array:
		b.WriteByte('(')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, v.Index(i))
		}
		b.WriteByte(')')
	case reflect.Map:
		fm := toFieldMap(v)
		keys := make([]string, 0, len(fm))
		for k := range fm {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, reflect.ValueOf(fm[k]))
		}
		b.WriteByte('}')
	case reflect.Struct:
		fm := toFieldMap(v)
		keys := make([]string, 0, len(fm))
		for k := range fm {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, reflect.ValueOf(fm[k]))
		}
		b.WriteByte('}')
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		writeCanonical(b, v.Elem())
	default:
		fmt.Fprintf(b, "%v", v.Interface())
	}
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
