package changes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"companyhub/internal/providers"
	dErrors "companyhub/pkg/domain-errors"
)

// Spec tells the detector how to read one provider's payload.
type Spec struct {
	// KeyedLists maps a list path (dotted, no indices) to the field that
	// identifies its elements.
	KeyedLists map[string]string
	// Ignore lists volatile paths (dotted, no indices) that never count as changes.
	Ignore []string
}

func (s Spec) ignored(schema string) bool {
	return slices.Contains(s.Ignore, schema)
}

// DefaultSpecs returns the payload specs of the built-in connectors.
func DefaultSpecs() map[providers.Name]Spec {
	return map[providers.Name]Spec{
		providers.Regon: {},
		providers.MF: {
			KeyedLists: map[string]string{"bank_accounts": "account_number"},
			Ignore:     []string{"meta.request_id", "meta.as_of"},
		},
		providers.VIES: {
			Ignore: []string{"registration.consultation_number", "registration.request_date"},
		},
		providers.IBAN: {
			KeyedLists: map[string]string{"bank_accounts": "account_number"},
		},
	}
}

// Detector computes changesets between successive payloads.
type Detector struct {
	specs map[providers.Name]Spec
}

// NewDetector creates a detector. Providers without a spec compare every
// field and treat every list as an unordered multiset.
func NewDetector(specs map[providers.Name]Spec) *Detector {
	if specs == nil {
		specs = DefaultSpecs()
	}
	return &Detector{specs: specs}
}

// Diff compares two payloads of provider. An empty previous payload yields an
// initial changeset listing every section; identical payloads yield nil.
func (d *Detector) Diff(provider providers.Name, previous, next json.RawMessage) (*Changeset, error) {
	nextDoc, err := decodeObject(next)
	if err != nil {
		return nil, err
	}
	if isAbsent(previous) {
		return initial(nextDoc), nil
	}
	prevDoc, err := decodeObject(previous)
	if err != nil {
		return nil, err
	}

	w := &walker{spec: d.specs[provider], sections: make(map[string][]FieldChange)}
	for _, section := range unionKeys(prevDoc, nextDoc) {
		if w.spec.ignored(section) {
			continue
		}
		before, hadBefore := prevDoc[section]
		after, hasAfter := nextDoc[section]
		w.member(section, section, section, before, hadBefore, after, hasAfter)
	}
	if len(w.sections) == 0 {
		return nil, nil
	}
	return &Changeset{Kind: KindUpdated, Sections: w.result()}, nil
}

func initial(doc map[string]any) *Changeset {
	cs := &Changeset{Kind: KindInitial}
	if len(doc) == 0 {
		cs.Sections = []SectionDiff{{
			Section: RootSection,
			Changes: []FieldChange{{Path: RootSection, Op: OpAdded, After: map[string]any{}}},
		}}
		return cs
	}
	for _, section := range sortedKeys(doc) {
		cs.Sections = append(cs.Sections, SectionDiff{
			Section: section,
			Changes: []FieldChange{{Path: section, Op: OpAdded, After: doc[section]}},
		})
	}
	return cs
}

type walker struct {
	spec     Spec
	sections map[string][]FieldChange
}

func (w *walker) add(section string, c FieldChange) {
	w.sections[section] = append(w.sections[section], c)
}

// member compares a value that may be missing on either side.
func (w *walker) member(section, path, schema string, before any, hadBefore bool, after any, hasAfter bool) {
	switch {
	case !hadBefore && !hasAfter:
	case !hadBefore:
		w.add(section, FieldChange{Path: path, Op: OpAdded, After: after})
	case !hasAfter:
		w.add(section, FieldChange{Path: path, Op: OpRemoved, Before: before})
	default:
		w.value(section, path, schema, before, after)
	}
}

func (w *walker) value(section, path, schema string, before, after any) {
	switch b := before.(type) {
	case map[string]any:
		if a, ok := after.(map[string]any); ok {
			w.object(section, path, schema, b, a)
			return
		}
	case []any:
		if a, ok := after.([]any); ok {
			w.list(section, path, schema, b, a)
			return
		}
	}
	if canonical(before) != canonical(after) {
		w.add(section, FieldChange{Path: path, Op: OpChanged, Before: before, After: after})
	}
}

func (w *walker) object(section, path, schema string, before, after map[string]any) {
	for _, k := range unionKeys(before, after) {
		childSchema := schema + "." + k
		if w.spec.ignored(childSchema) {
			continue
		}
		b, hadBefore := before[k]
		a, hasAfter := after[k]
		w.member(section, path+"."+k, childSchema, b, hadBefore, a, hasAfter)
	}
}

func (w *walker) list(section, path, schema string, before, after []any) {
	if field, ok := w.spec.KeyedLists[schema]; ok {
		b, bok := indexBy(before, field)
		a, aok := indexBy(after, field)
		if bok && aok {
			for _, key := range unionKeys(b, a) {
				bv, hadBefore := b[key]
				av, hasAfter := a[key]
				w.member(section, fmt.Sprintf("%s[%s=%s]", path, field, key), schema, bv, hadBefore, av, hasAfter)
			}
			return
		}
	}

	// Unordered multiset: only the difference in element counts matters.
	counts := make(map[string]int)
	values := make(map[string]any)
	for _, v := range before {
		c := canonical(v)
		counts[c]--
		values[c] = v
	}
	for _, v := range after {
		c := canonical(v)
		counts[c]++
		values[c] = v
	}
	for _, c := range sortedKeys(counts) {
		n := counts[c]
		for ; n > 0; n-- {
			w.add(section, FieldChange{Path: path + "[]", Op: OpAdded, After: values[c]})
		}
		for ; n < 0; n++ {
			w.add(section, FieldChange{Path: path + "[]", Op: OpRemoved, Before: values[c]})
		}
	}
}

// result sorts by section, then path, then the element involved. The sort key
// ignores the op so a reversed diff lists entries in the same order.
func (w *walker) result() []SectionDiff {
	out := make([]SectionDiff, 0, len(w.sections))
	for _, section := range sortedKeys(w.sections) {
		changes := w.sections[section]
		sort.SliceStable(changes, func(i, j int) bool {
			if changes[i].Path != changes[j].Path {
				return changes[i].Path < changes[j].Path
			}
			return elementKey(changes[i]) < elementKey(changes[j])
		})
		out = append(out, SectionDiff{Section: section, Changes: changes})
	}
	return out
}

func elementKey(c FieldChange) string {
	switch c.Op {
	case OpAdded:
		return canonical(c.After)
	case OpRemoved:
		return canonical(c.Before)
	}
	return ""
}

// indexBy maps list elements by the canonical form of their key field. It
// reports false when an element is not an object, lacks the field or repeats a key.
func indexBy(list []any, field string) (map[string]any, bool) {
	out := make(map[string]any, len(list))
	for _, v := range list {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		key, ok := obj[field]
		if !ok {
			return nil, false
		}
		k := keyString(key)
		if _, dup := out[k]; dup {
			return nil, false
		}
		out[k] = obj
	}
	return out, true
}

func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return canonical(v)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "payload is not a JSON object")
	}
	if doc == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "payload is not a JSON object")
	}
	return doc, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// canonical encodes v with sorted object keys; encoding/json sorts map keys.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func unionKeys[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
