package cloud

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// DotNetDuration parses durations sent by the Platform in the .NET
// "[-][d.]hh:mm:ss[.fffffff]" format.
type DotNetDuration struct {
	time.Duration
}

func (d *DotNetDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseDotNetDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// ParseDotNetDuration converts a "[-][d.]hh:mm:ss[.fffffff]" string into a
// Duration with second precision. Negative durations clamp to zero.
func ParseDotNetDuration(s string) (time.Duration, error) {
	if strings.HasPrefix(s, "-") {
		return 0, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, errors.Newf(errors.CodeInvalidArgument,
			"malformed duration %q: expected the format [-][d.]hh:mm:ss[.fffffff]", s)
	}

	var days, hours uint64
	dayAndHour := parts[0]
	if daysPart, hoursPart, found := strings.Cut(dayAndHour, "."); found {
		var err error
		if days, err = strconv.ParseUint(daysPart, 10, 64); err != nil {
			return 0, errors.Newf(errors.CodeInvalidArgument, "malformed days part %q", daysPart)
		}
		if hours, err = strconv.ParseUint(hoursPart, 10, 64); err != nil {
			return 0, errors.Newf(errors.CodeInvalidArgument, "malformed hours part %q", hoursPart)
		}
	} else {
		var err error
		if hours, err = strconv.ParseUint(dayAndHour, 10, 64); err != nil {
			return 0, errors.Newf(errors.CodeInvalidArgument, "malformed hours part %q", dayAndHour)
		}
	}

	minutes, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, errors.Newf(errors.CodeInvalidArgument, "malformed minutes part %q", parts[1])
	}

	// Fractional seconds are ignored.
	secondsPart, _, _ := strings.Cut(parts[2], ".")
	seconds, err := strconv.ParseUint(secondsPart, 10, 64)
	if err != nil {
		return 0, errors.Newf(errors.CodeInvalidArgument, "malformed seconds part %q", secondsPart)
	}

	total := days*24*60*60 + hours*60*60 + minutes*60 + seconds
	return time.Duration(total) * time.Second, nil
}
