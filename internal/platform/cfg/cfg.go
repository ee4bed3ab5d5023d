// Package cfg decodes free-form driver option maps (from TOML sub-tables)
// into typed option structs.
package cfg

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Setter is implemented by option structs that fill in their own defaults.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes input into the struct pointed to by c.
// Numeric widening (TOML int64 into int fields) and "30s"-style durations are
// accepted. If c implements Setter, ApplyDefaults runs after decoding, so an
// empty or nil input yields the defaults.
func Decode(input map[string]any, c any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if input != nil {
		if err := decoder.Decode(input); err != nil {
			return fmt.Errorf("decode options: %w", err)
		}
	}

	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	return nil
}

// Sub returns the nested option map stored under key, or nil.
// Driver sections arrive as map[string]any once TOML is decoded.
func Sub(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}
