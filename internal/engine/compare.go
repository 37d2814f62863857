package engine

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer strips combining marks after canonical decomposition, so
// "é" folds to "e". Letters that do not decompose (ø, æ, ß and friends) are
// handled by the replacer below.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var foldReplacer = strings.NewReplacer(
	"ø", "o", "Ø", "O",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ß", "ss",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "Th",
	"đ", "d", "Đ", "D",
	"ł", "l", "Ł", "L",
)

// Fold returns the ASCII transliteration of s used for attribute
// comparison. The dependent directory historically stored only the folded
// form of names, so equality is decided on foldings while the written-back
// value stays the primary's original.
func Fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return foldReplacer.Replace(folded)
}

func foldAll(values []string) []string {
	folded := make([]string, len(values))
	for i, v := range values {
		folded[i] = Fold(v)
	}
	return folded
}

// Comparator decides attribute equality across the two directories and
// produces the value to propagate on inequality.
type Comparator struct {
	asciiOnly map[string]bool
}

// NewComparator builds a comparator. asciiOnlyAttrs names the dependent
// attributes whose schema only accepts IA5 strings; those receive the
// folded value on write instead of the primary original.
func NewComparator(asciiOnlyAttrs []string) *Comparator {
	asciiOnly := make(map[string]bool, len(asciiOnlyAttrs))
	for _, attr := range asciiOnlyAttrs {
		asciiOnly[attr] = true
	}
	return &Comparator{asciiOnly: asciiOnly}
}

// Compare compares a primary-side value against the dependent-side value
// stored under destAttr. It returns equality plus, on inequality, the value
// to write to the dependent directory.
//
// Both sides absent compare equal. An absent primary value never clears a
// dependent value; the primary simply has nothing to say about the
// attribute. Equality is decided on diacritic foldings, order-insensitive
// for multi-valued attributes.
func (c *Comparator) Compare(src, dst Value, destAttr string) (equal bool, newValue Value) {
	if src.IsAbsent() {
		return true, Absent()
	}
	if !dst.IsAbsent() && foldedEqual(src.Values(), dst.Values()) {
		return true, Absent()
	}
	return false, c.writeValue(src, destAttr)
}

// writeValue selects the representation written to the dependent directory.
func (c *Comparator) writeValue(src Value, destAttr string) Value {
	if c.asciiOnly[destAttr] {
		return List(foldAll(src.Values()))
	}
	return src
}

func foldedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	fa, fb := foldAll(a), foldAll(b)
	slices.Sort(fa)
	slices.Sort(fb)
	return slices.Equal(fa, fb)
}

// ChangeSet maps dependent-directory attribute names to the new value each
// should take. An empty ChangeSet means no operation is needed.
type ChangeSet map[string]Value

// Diff compares every mapped attribute of a primary entry against the
// dependent entry and returns the resulting ChangeSet. syncedAttrs maps
// primary attribute names to dependent attribute names; notSynced lists
// dependent attributes that must never be written.
func (c *Comparator) Diff(primary, dependent *Entry, syncedAttrs map[string]string, notSynced []string) ChangeSet {
	changes := ChangeSet{}
	for srcAttr, dstAttr := range syncedAttrs {
		if slices.Contains(notSynced, dstAttr) {
			continue
		}
		equal, newValue := c.Compare(primary.Get(srcAttr), dependent.Get(dstAttr), dstAttr)
		if !equal {
			changes[dstAttr] = newValue
		}
	}
	return changes
}

// ApplyLocalCopies extends a ChangeSet with same-directory attribute
// mirrors. Copies are resolved after remote sync resolution: the source of
// each copy is the post-change value of the source attribute when the
// ChangeSet rewrites it, the stored dependent value otherwise.
func (c *Comparator) ApplyLocalCopies(changes ChangeSet, dependent *Entry, localCopies map[string]string) {
	for srcAttr, dstAttr := range localCopies {
		srcValue, pending := changes[srcAttr]
		if !pending {
			srcValue = dependent.Get(srcAttr)
		}
		equal, newValue := c.Compare(srcValue, dependent.Get(dstAttr), dstAttr)
		if !equal {
			changes[dstAttr] = newValue
		}
	}
}
