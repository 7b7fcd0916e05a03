package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeJSONAddsAndOverwritesKeys(t *testing.T) {
	merged, err := MergeJSON(`{"a":1,"b":2}`, json.RawMessage(`{"b":3,"c":4}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(merged))
}

func TestMergeJSONNullDeletesKey(t *testing.T) {
	merged, err := MergeJSON(`{"a":1,"b":2}`, json.RawMessage(`{"b":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(merged))
}

func TestMergeJSONEmptyCurrentDefaultsToObject(t *testing.T) {
	merged, err := MergeJSON("", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(merged))
}

func TestMergeJSONRejectsNonObjectPatch(t *testing.T) {
	_, err := MergeJSON(`{"a":1}`, json.RawMessage(`[1,2,3]`))
	assert.Error(t, err)
}
