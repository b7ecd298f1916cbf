package device

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

func TestBuildRejectsEmptyDatabasePath(t *testing.T) {
	_, err := NewBuilder(nil, "token", "").Build()
	assert.True(t, errors.HasCode(err, errors.CodeInvalidArgument))
}

func TestBuildRejectsWrongDatabaseSuffix(t *testing.T) {
	_, err := NewBuilder(nil, "token", "state.sqlite").Build()
	assert.True(t, errors.HasCode(err, errors.CodeInvalidArgument))
}

func TestBuildRejectsEmptyProvisioningToken(t *testing.T) {
	_, err := NewBuilder(nil, "", "state.db").Build()
	assert.True(t, errors.HasCode(err, errors.CodeInvalidArgument))
}

func TestMessageContextAccessors(t *testing.T) {
	group := "group"
	stream := "stream"

	mc := NewMessageContext(&group, &stream)
	assert.Equal(t, "group", *mc.StreamGroup())
	assert.Equal(t, "stream", *mc.Stream())
	assert.Equal(t, CompressionNone, mc.Compression())

	mc.SetCompression(CompressionFastest)
	assert.Equal(t, CompressionFastest, mc.Compression())

	mc.SetStream(nil)
	assert.Nil(t, mc.Stream())
}
