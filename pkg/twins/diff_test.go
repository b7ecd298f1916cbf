package twins

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip checks the diff law: applying the computed patch to the original
// must produce the desired document.
func roundTrip(t *testing.T, original, desired string) string {
	t.Helper()

	patch, err := Diff(original, desired)
	require.NoError(t, err)

	var originalDoc, desiredDoc, patchDoc map[string]any
	require.NoError(t, json.Unmarshal([]byte(original), &originalDoc))
	require.NoError(t, json.Unmarshal([]byte(desired), &desiredDoc))
	require.NoError(t, json.Unmarshal([]byte(patch), &patchDoc))

	assert.Equal(t, desiredDoc, Merge(originalDoc, patchDoc))

	return patch
}

func assertJSONEqual(t *testing.T, expected, actual string) {
	t.Helper()
	var expectedDoc, actualDoc any
	require.NoError(t, json.Unmarshal([]byte(expected), &expectedDoc))
	require.NoError(t, json.Unmarshal([]byte(actual), &actualDoc))
	assert.Equal(t, expectedDoc, actualDoc)
}

func TestDiffSame(t *testing.T) {
	patch := roundTrip(t, `{"a": "a", "b": {"c": "c"}}`, `{"a": "a", "b": {"c": "c"}}`)
	assert.Equal(t, "{}", patch)
}

func TestDiffAddValue(t *testing.T) {
	patch := roundTrip(t, `{}`, `{"a": "a"}`)
	assertJSONEqual(t, `{"a": "a"}`, patch)
}

func TestDiffRemoveValue(t *testing.T) {
	patch := roundTrip(t, `{"a": "a"}`, `{}`)
	assertJSONEqual(t, `{"a": null}`, patch)
}

func TestDiffChangeValue(t *testing.T) {
	patch := roundTrip(t, `{"a": "a"}`, `{"a": "b"}`)
	assertJSONEqual(t, `{"a": "b"}`, patch)
}

func TestDiffAddRemoveChangeLeaveValue(t *testing.T) {
	patch := roundTrip(t, `{"a": "a", "b": "b", "c": "c"}`, `{"a": "a", "b": "a", "d": "d"}`)
	assertJSONEqual(t, `{"b": "a", "c": null, "d": "d"}`, patch)
}

func TestDiffChangeNestedValue(t *testing.T) {
	patch := roundTrip(t, `{"a": {"b": "b"}}`, `{"a": {"b": "c"}}`)
	assertJSONEqual(t, `{"a": {"b": "c"}}`, patch)
}

func TestDiffAddNestedValue(t *testing.T) {
	patch := roundTrip(t, `{}`, `{"a": {"b": "b"}}`)
	assertJSONEqual(t, `{"a": {"b": "b"}}`, patch)
}

func TestDiffRemoveNestedValue(t *testing.T) {
	patch := roundTrip(t, `{"a": {"b": "b"}}`, `{}`)
	assertJSONEqual(t, `{"a": null}`, patch)
}

func TestDiffComplex(t *testing.T) {
	original := `{
		"a": "a",
		"b": "b",
		"c": "c",
		"d": {
			"e": "e",
			"f": {
				"g": 0
			}
		}
	}`
	desired := `{
		"a": "a",
		"b": 13,
		"d": {
			"e": "e",
			"f": {
				"h": 0
			}
		},
		"i": "i"
	}`

	patch := roundTrip(t, original, desired)
	assertJSONEqual(t, `{
		"b": 13,
		"c": null,
		"d": {
			"f": {
				"g": null,
				"h": 0
			}
		},
		"i": "i"
	}`, patch)
}

func TestMergeReplacesNonObjects(t *testing.T) {
	target := map[string]any{"a": "a"}
	patch := map[string]any{"a": map[string]any{"b": "b"}}
	assert.Equal(t, map[string]any{"a": map[string]any{"b": "b"}}, Merge(target, patch))

	target = map[string]any{"a": map[string]any{"b": "b"}}
	patch = map[string]any{"a": 1.0}
	assert.Equal(t, map[string]any{"a": 1.0}, Merge(target, patch))
}

func TestMergeStripsNestedNulls(t *testing.T) {
	target := map[string]any{}
	patch := map[string]any{"a": map[string]any{"b": nil, "c": "c"}}
	assert.Equal(t, map[string]any{"a": map[string]any{"c": "c"}}, Merge(target, patch))
}
