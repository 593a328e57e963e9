package juggler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// patchOp is one RFC 6902 operation. Value is omitted on "remove"; on
// "add" and "replace" it points at the new value, so a JSON null is
// still encoded as "value":null.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value *any   `json:"value,omitempty"`
}

// Diff computes the JSON-Patch-shaped document that, applied in order to
// before, yields after. A nil (zero-length) result means "no change" —
// callers must not emit a state message for it. Map keys are walked in
// sorted order so the same (before, after) pair always produces the same
// byte-identical diff.
func Diff(before, after any) (json.RawMessage, error) {
	var ops []patchOp
	diffValue("", before, after, &ops)
	if len(ops) == 0 {
		return nil, nil
	}
	return json.Marshal(ops)
}

func diffValue(path string, before, after any, ops *[]patchOp) {
	if reflect.DeepEqual(before, after) {
		return
	}

	bm, bIsMap := before.(map[string]any)
	am, aIsMap := after.(map[string]any)
	if bIsMap && aIsMap {
		diffMaps(path, bm, am, ops)
		return
	}

	ba, bIsArr := before.([]any)
	aa, aIsArr := after.([]any)
	if bIsArr && aIsArr {
		diffArrays(path, ba, aa, ops)
		return
	}

	// Type/scalar mismatch, or no parent to add/remove a key from: a
	// whole-value replace at path, which also covers null -> first value.
	*ops = append(*ops, patchOp{Op: "replace", Path: path, Value: &after})
}

func diffMaps(path string, before, after map[string]any, ops *[]patchOp) {
	for _, k := range sortedKeys(before) {
		if _, ok := after[k]; !ok {
			*ops = append(*ops, patchOp{Op: "remove", Path: path + "/" + escapeToken(k)})
		}
	}
	for _, k := range sortedKeys(after) {
		p := path + "/" + escapeToken(k)
		bv, existed := before[k]
		if !existed {
			v := after[k]
			*ops = append(*ops, patchOp{Op: "add", Path: p, Value: &v})
			continue
		}
		diffValue(p, bv, after[k], ops)
	}
}

func diffArrays(path string, before, after []any, ops *[]patchOp) {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	for i := 0; i < n; i++ {
		diffValue(fmt.Sprintf("%s/%d", path, i), before[i], after[i], ops)
	}

	switch {
	case len(after) > len(before):
		for i := len(before); i < len(after); i++ {
			*ops = append(*ops, patchOp{Op: "add", Path: path + "/-", Value: &after[i]})
		}
	case len(before) > len(after):
		for i := len(before) - 1; i >= len(after); i-- {
			*ops = append(*ops, patchOp{Op: "remove", Path: fmt.Sprintf("%s/%d", path, i)})
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	tok = strings.ReplaceAll(tok, "/", "~1")
	return tok
}

// Apply decodes diff as an RFC 6902 patch document and applies it to doc,
// delegating the actual application semantics to
// github.com/evanphx/json-patch/v5 so the result is byte-for-byte what
// any standard JSON-Patch consumer would produce. A nil/empty diff
// returns doc unchanged.
func Apply(doc any, diff json.RawMessage) (any, error) {
	if len(diff) == 0 {
		return doc, nil
	}

	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("juggler: encode document: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(diff)
	if err != nil {
		return nil, fmt.Errorf("juggler: decode patch: %w", err)
	}

	patched, err := patch.Apply(docBytes)
	if err != nil {
		return nil, fmt.Errorf("juggler: apply patch: %w", err)
	}

	var out any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("juggler: decode patched document: %w", err)
	}
	return out, nil
}
