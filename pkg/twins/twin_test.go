package twins

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeserializeTwins(t *testing.T) {
	payload := `{"desired":{"foo":"bar","ahoj":"bye","next":"next","$version":10},"reported":{"$version":1}}`

	var full Twins
	require.NoError(t, json.Unmarshal([]byte(payload), &full))

	assert.Equal(t, uint64(10), full.Desired.Version)
	assert.Equal(t, uint64(1), full.Reported.Version)
	assert.Len(t, full.Desired.Properties, 3)
	assert.Equal(t, "bar", full.Desired.Properties["foo"])
	assert.Empty(t, full.Reported.Properties)
}

func TestTwinRoundTripsThroughJSON(t *testing.T) {
	twin := Twin{Version: 7, Properties: map[string]any{"foo": "bar"}}

	encoded, err := json.Marshal(twin)
	require.NoError(t, err)

	var decoded Twin
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, uint64(7), decoded.Version)
	assert.Equal(t, "bar", decoded.Properties["foo"])
}

func TestApplyUpdate(t *testing.T) {
	var twin Twin
	require.NoError(t, json.Unmarshal(
		[]byte(`{"foo":"bar","lorem":"ipsum","ahoj":"bye","next":"next","$version":10}`), &twin))

	var update TwinUpdate
	require.NoError(t, json.Unmarshal(
		[]byte(`{"ahoj":"hi","next":42,"foo":null,"$version":11}`), &update))

	require.NoError(t, twin.Apply(update))

	assert.Equal(t, uint64(11), twin.Version)
	assert.Equal(t, map[string]any{"lorem": "ipsum", "ahoj": "hi", "next": 42.0}, twin.Properties)
}

func TestApplyStaleUpdateIsIgnored(t *testing.T) {
	twin := Twin{Version: 10, Properties: map[string]any{"foo": "bar"}}

	stale := uint64(10)
	require.NoError(t, twin.Apply(TwinUpdate{Version: &stale, Patch: map[string]any{"foo": "new"}}))

	assert.Equal(t, uint64(10), twin.Version)
	assert.Equal(t, "bar", twin.Properties["foo"])
}

func TestApplyGapFails(t *testing.T) {
	twin := Twin{Version: 5, Properties: map[string]any{}}

	ahead := uint64(8)
	err := twin.Apply(TwinUpdate{Version: &ahead, Patch: map[string]any{"foo": "bar"}})

	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, uint64(5), twin.Version)
}

func TestApplyWithoutVersionIncrements(t *testing.T) {
	twin := Twin{Version: 3, Properties: map[string]any{}}

	require.NoError(t, twin.Apply(TwinUpdate{Patch: map[string]any{"foo": "bar"}}))

	assert.Equal(t, uint64(4), twin.Version)
	assert.Equal(t, "bar", twin.Properties["foo"])
}
