package iothub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryRequestID(t *testing.T) {
	properties, err := parseQuery("$rid=0")
	require.NoError(t, err)
	assert.Len(t, properties, 1)
	assert.Equal(t, "0", properties["$rid"])
}

func TestParseQueryMultiple(t *testing.T) {
	properties, err := parseQuery("$rid=1&foo=bar")
	require.NoError(t, err)
	assert.Len(t, properties, 2)
	assert.Equal(t, "1", properties["$rid"])
	assert.Equal(t, "bar", properties["foo"])
}

func TestParseQueryDecodesValues(t *testing.T) {
	properties, err := parseQuery("key=hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", properties["key"])
}

func TestParseQueryKeyWithoutValue(t *testing.T) {
	properties, err := parseQuery("flag")
	require.NoError(t, err)
	assert.Equal(t, "", properties["flag"])
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "devices/ws:dev/messages/events/", publishTopic("ws:dev"))
	assert.Equal(t, "devices/ws:dev/messages/devicebound/", c2dTopic("ws:dev"))
	assert.Equal(t, "$iothub/methods/res/200/?$rid=abc", methodResponseTopic(200, "abc"))
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=abc", patchReportedPropertiesTopic("abc"))
	assert.Equal(t, "$iothub/twin/GET/?$rid=abc", getTwinsTopic("abc"))
}
