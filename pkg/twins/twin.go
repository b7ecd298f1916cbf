// Package twins maintains the local view of the device configuration twins:
// the desired properties pushed by the Platform and the reported properties
// published by the device. Versioned patches are merged RFC 7396 style;
// out-of-order patches are buffered or answered with a full-snapshot request.
package twins

import (
	"encoding/json"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// Twin is one snapshot of desired or reported properties together with its
// version. The version never decreases.
type Twin struct {
	Version    uint64
	Properties map[string]any
}

// TwinUpdate is a versioned patch of a twin. A nil Version means the patch is
// local and advances the version by one.
type TwinUpdate struct {
	Version *uint64
	Patch   map[string]any
}

// Twins is the full snapshot returned by the Platform.
type Twins struct {
	Desired  Twin `json:"desired"`
	Reported Twin `json:"reported"`
}

const versionKey = "$version"

// MarshalJSON flattens the version into the properties object.
func (t Twin) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(t.Properties)+1)
	for k, v := range t.Properties {
		doc[k] = v
	}
	doc[versionKey] = t.Version
	return json.Marshal(doc)
}

// UnmarshalJSON reads a twin document with an embedded "$version" field.
func (t *Twin) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	version, err := popVersion(doc)
	if err != nil {
		return err
	}
	if version == nil {
		return errors.Newf(errors.CodeInvalidArgument, "twin document is missing the %s field", versionKey)
	}

	t.Version = *version
	t.Properties = doc
	return nil
}

// UnmarshalJSON reads a patch document with an optional "$version" field.
func (u *TwinUpdate) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	version, err := popVersion(doc)
	if err != nil {
		return err
	}

	u.Version = version
	u.Patch = doc
	return nil
}

func popVersion(doc map[string]any) (*uint64, error) {
	raw, ok := doc[versionKey]
	if !ok {
		return nil, nil
	}
	delete(doc, versionKey)

	number, ok := raw.(float64)
	if !ok || number < 0 {
		return nil, errors.Newf(errors.CodeInvalidArgument, "invalid %s value %v", versionKey, raw)
	}
	version := uint64(number)
	return &version, nil
}

// ErrVersionMismatch marks a patch whose version leaves a gap over the local
// snapshot. The caller recovers by requesting a full twin.
var ErrVersionMismatch = errors.New(errors.CodeVersionMismatch, "unexpected twin patch version", nil)

// Apply merges update into the twin. Stale patches are ignored, the next
// version is merged, and anything further ahead fails with
// ErrVersionMismatch.
func (t *Twin) Apply(update TwinUpdate) error {
	switch {
	case update.Version == nil:
		t.Properties = Merge(t.Properties, update.Patch)
		t.Version++
	case *update.Version <= t.Version:
		// Already seen, nothing to do.
	case *update.Version == t.Version+1:
		t.Properties = Merge(t.Properties, update.Patch)
		t.Version = *update.Version
	default:
		return errors.Wrapf(ErrVersionMismatch,
			"we have version %d and a patch for %d which would skip updates", t.Version, *update.Version)
	}
	return nil
}

// Merge applies patch to target per RFC 7396: objects merge recursively, null
// deletes, and everything else replaces wholesale. The returned map is a new
// value; target is not modified.
func Merge(target, patch map[string]any) map[string]any {
	result := make(map[string]any, len(target))
	for k, v := range target {
		result[k] = v
	}

	for key, patchValue := range patch {
		if patchValue == nil {
			delete(result, key)
			continue
		}

		patchObject, patchIsObject := patchValue.(map[string]any)
		targetObject, targetIsObject := result[key].(map[string]any)
		if patchIsObject && targetIsObject {
			result[key] = Merge(targetObject, patchObject)
			continue
		}
		if patchIsObject {
			result[key] = Merge(map[string]any{}, patchObject)
			continue
		}
		result[key] = patchValue
	}

	return result
}
