package iothub

import (
	"net/url"
	"strings"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// parseQuery decodes the URL-encoded property bag appended to MQTT topics,
// "key=value" pairs joined by "&". Keys without a value map to an empty
// string.
func parseQuery(query string) (map[string]string, error) {
	properties := map[string]string{}
	if query == "" {
		return properties, nil
	}

	for _, prop := range strings.Split(query, "&") {
		rawKey, rawValue, found := strings.Cut(prop, "=")

		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, errors.Newf(errors.CodeInvalidArgument, "unable to URL decode key %q", prop)
		}

		value := ""
		if found {
			if value, err = url.QueryUnescape(rawValue); err != nil {
				return nil, errors.Newf(errors.CodeInvalidArgument, "unable to URL decode value %q", prop)
			}
		}

		properties[key] = value
	}

	return properties, nil
}
