package twins

import (
	"encoding/json"
	"reflect"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// Diff computes the patch that turns the original JSON document into the
// desired one. Applying the result with Merge restores the desired document
// exactly. Both inputs are JSON strings.
func Diff(original, desired string) (string, error) {
	var originalDoc any
	if err := json.Unmarshal([]byte(original), &originalDoc); err != nil {
		return "", errors.New(errors.CodeInvalidArgument, "unable to parse original object", err)
	}
	var desiredDoc any
	if err := json.Unmarshal([]byte(desired), &desiredDoc); err != nil {
		return "", errors.New(errors.CodeInvalidArgument, "unable to parse desired object", err)
	}

	patch, changed := diffValues(originalDoc, desiredDoc)
	if !changed {
		return "{}", nil
	}

	encoded, err := json.Marshal(patch)
	if err != nil {
		return "", errors.Wrap(err, "unable to serialize resulting patch")
	}
	return string(encoded), nil
}

// diffValues returns the patch value and whether the two values differ at all.
func diffValues(original, desired any) (any, bool) {
	if reflect.DeepEqual(original, desired) {
		return nil, false
	}

	desiredObject, desiredIsObject := desired.(map[string]any)
	originalObject, originalIsObject := original.(map[string]any)
	if !desiredIsObject || !originalIsObject {
		return desired, true
	}

	result := map[string]any{}

	for name, desiredChild := range desiredObject {
		originalChild, exists := originalObject[name]
		if !exists {
			result[name] = desiredChild
			continue
		}
		if patch, changed := diffValues(originalChild, desiredChild); changed {
			result[name] = patch
		}
	}

	for name := range originalObject {
		if _, kept := desiredObject[name]; !kept {
			result[name] = nil
		}
	}

	return result, true
}
