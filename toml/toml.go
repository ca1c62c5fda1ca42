// Package toml adds support to marshal and unmarshal types not in the
// official TOML spec.
package toml

import (
	"encoding"
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// An empty string keeps the existing value.
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for encoding toml.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Size represents a TOML parseable file size.
// Users can specify size using "k" or "K" for kibibytes, "m" or "M" for
// mebibytes, and "g" or "G" for gibibytes. If a size suffix isn't specified
// then bytes are assumed.
type Size uint64

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("size was empty")
	}

	// The multiplier defaults to 1 in case the size has
	// no suffix (and is then just raw bytes).
	mult := uint64(1)

	// Preserve the original text for error messages.
	sizeText := text

	suffix := text[len(text)-1]
	if !unicode.IsDigit(rune(suffix)) {
		switch suffix {
		case 'k', 'K':
			mult = 1 << 10 // KiB
		case 'm', 'M':
			mult = 1 << 20 // MiB
		case 'g', 'G':
			mult = 1 << 30 // GiB
		default:
			return fmt.Errorf("unknown size suffix: %c (expected k, m, or g)", suffix)
		}
		text = text[:len(text)-1]
	}

	size, err := strconv.ParseUint(string(text), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %s", string(sizeText))
	}

	if math.MaxUint64/mult < size {
		return fmt.Errorf("size would overflow the max size (%d) of a uint64: %s", uint64(math.MaxUint64), string(sizeText))
	}

	*s = Size(size * mult)
	return nil
}

// MarshalText converts a size to a string for encoding toml.
func (s Size) MarshalText() (text []byte, err error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}

// ApplyEnvOverrides applies environment variable overrides on top of an
// already decoded configuration value. Keys are derived from the toml struct
// tags: with prefix "SHARDPILOT", a field tagged "bind-address" inside a
// section tagged "http" is overridden by SHARDPILOT_HTTP_BIND_ADDRESS.
func ApplyEnvOverrides(getenv func(string) string, prefix string, val interface{}) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	return applyEnvOverrides(getenv, prefix, reflect.ValueOf(val))
}

func applyEnvOverrides(getenv func(string) string, key string, val reflect.Value) error {
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	// Named types such as Duration and Size decode through TextUnmarshaler.
	if val.CanAddr() {
		if um, ok := val.Addr().Interface().(encoding.TextUnmarshaler); ok {
			s := getenv(key)
			if s == "" {
				return nil
			}
			if err := um.UnmarshalText([]byte(s)); err != nil {
				return fmt.Errorf("failed applying %s=%q: %s", key, s, err)
			}
			return nil
		}
	}

	if val.Kind() == reflect.Struct {
		return applyEnvOverridesToStruct(getenv, key, val)
	}

	s := getenv(key)
	if s == "" {
		return nil
	}

	switch val.Kind() {
	case reflect.String:
		val.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("failed applying %s=%q: %s", key, s, err)
		}
		val.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 0, val.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed applying %s=%q: %s", key, s, err)
		}
		val.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 0, val.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed applying %s=%q: %s", key, s, err)
		}
		val.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, val.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed applying %s=%q: %s", key, s, err)
		}
		val.SetFloat(f)
	}
	return nil
}

func applyEnvOverridesToStruct(getenv func(string) string, prefix string, val reflect.Value) error {
	t := val.Type()
	for i := 0; i < val.NumField(); i++ {
		f, ft := val.Field(i), t.Field(i)
		if !f.CanSet() {
			continue
		}

		tag := ft.Tag.Get("toml")
		if tag == "-" {
			continue
		}

		// Embedded sections without a tag share the parent prefix.
		if ft.Anonymous && tag == "" {
			if err := applyEnvOverrides(getenv, prefix, f); err != nil {
				return err
			}
			continue
		}

		name := tag
		if name == "" {
			name = ft.Name
		}
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if prefix != "" {
			key = prefix + "_" + key
		}
		if err := applyEnvOverrides(getenv, key, f); err != nil {
			return err
		}
	}
	return nil
}
