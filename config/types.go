package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ByteSize float64

const (
	_           = iota
	KB ByteSize = 1 << (10 * iota)
	MB
	GB
	TB
)

var (
	bytesPattern   *regexp.Regexp = regexp.MustCompile(`(?i)^(-?\d+(?:\.\d+)?)([KMGT]B?|B)$`)
	errInvalidSize                = errors.New("wrong size format: must be a positive integer with a unit of measurement like M, MB, G, GB, T or TB")
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (ds *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parts := bytesPattern.FindStringSubmatch(strings.TrimSpace(s))
	if len(parts) < 3 {
		return errInvalidSize
	}

	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || value <= 0 {
		return errInvalidSize
	}

	unit := strings.ToUpper(parts[2])
	switch unit[:1] {
	case "T", "TB":
		*ds = ByteSize(value) * TB
	case "G", "GB":
		*ds = ByteSize(value) * GB
	case "M", "MB":
		*ds = ByteSize(value) * MB
	case "K", "KB":
		*ds = ByteSize(value) * KB
	}

	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (ds ByteSize) MarshalYAML() (interface{}, error) {
	return ds.String(), nil
}

func (ds ByteSize) String() string {
	switch {
	case ds >= TB:
		return fmt.Sprintf("%gTB", float64(ds/TB))
	case ds >= GB:
		return fmt.Sprintf("%gGB", float64(ds/GB))
	case ds >= MB:
		return fmt.Sprintf("%gMB", float64(ds/MB))
	default:
		return fmt.Sprintf("%gKB", float64(ds/KB))
	}
}

// Duration wraps time.Duration so intervals can be written as `90s`, `15m`
// or `24h` in the config file.
type Duration time.Duration

var (
	durationPattern    *regexp.Regexp = regexp.MustCompile(`^(\d+(?:\.\d+)?)([dw])$`)
	errInvalidDuration                = errors.New("wrong duration format: must be a positive number with a unit of measurement like ms, s, m, h, d or w")
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := StringToDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(dur)
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// StringToDuration parses the value of a duration field. On top of the
// standard units it accepts `d` (day) and `w` (week).
func StringToDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if parts := durationPattern.FindStringSubmatch(s); len(parts) == 3 {
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || value <= 0 {
			return 0, errInvalidDuration
		}
		switch parts[2] {
		case "d":
			return time.Duration(value * 24 * float64(time.Hour)), nil
		case "w":
			return time.Duration(value * 7 * 24 * float64(time.Hour)), nil
		}
	}

	dur, err := time.ParseDuration(s)
	if err != nil || dur < 0 {
		return 0, errInvalidDuration
	}
	return dur, nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
