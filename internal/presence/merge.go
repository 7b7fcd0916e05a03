package presence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MergeJSON applies a shallow last-write-wins merge of patch's top-level
// keys onto current, without a full unmarshal/remarshal round trip. A null
// value for a key deletes that key, mirroring the merge-patch convention
// used for partial state updates (spec.md §4.D patchState). Exported so
// internal/optimize's scripted heartbeat can compute the same merge result
// the default path would, keeping the two paths semantically identical.
func MergeJSON(current string, patch json.RawMessage) (json.RawMessage, error) {
	if current == "" {
		current = "{}"
	}
	if len(patch) == 0 {
		return json.RawMessage(current), nil
	}

	result := gjson.Parse(string(patch))
	if !result.IsObject() {
		return nil, fmt.Errorf("patch must be a JSON object, got %s", result.Type)
	}

	merged := current
	var mergeErr error
	result.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		var err error
		if value.Type == gjson.Null {
			merged, err = sjson.Delete(merged, k)
		} else {
			merged, err = sjson.SetRaw(merged, k, value.Raw)
		}
		if err != nil {
			mergeErr = fmt.Errorf("merge key %q: %w", k, err)
			return false
		}
		return true
	})
	if mergeErr != nil {
		return nil, mergeErr
	}
	return json.RawMessage(merged), nil
}

// HasPatch reports whether patch carries any fields worth merging — an
// absent or empty-object patchState is a touch-only heartbeat (spec.md §4.D:
// "patchState?" is optional).
func HasPatch(patch json.RawMessage) bool {
	trimmed := bytes.TrimSpace(patch)
	if len(trimmed) == 0 {
		return false
	}
	s := string(trimmed)
	return s != "{}" && s != "null"
}
