package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override: STAGECTL_<SECTION>_<FIELD>.
const EnvPrefix = "STAGECTL"

// Load reads the daemon configuration from path, applies environment
// overrides and defaults, then validates the result. An empty path loads
// only environment and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, EnvPrefix, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := ProcessDefaults(cfg); err != nil {
		return nil, err
	}
	if err := ValidateRequired(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeFile decodes a YAML, TOML or JSON file into v, chosen by extension.
func DecodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := decode(filepath.Ext(path), data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func decode(ext string, data []byte, v any) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides scalar fields of each top-level section from
// PREFIX_SECTION_FIELD variables, where both names are the upper snake case
// of the yaml keys (STAGECTL_HTTP_READ_TIMEOUT). Set values win over the file.
func ApplyEnv(cfg any, prefix string, lookup LookupFunc) error {
	v, err := structPointer(cfg)
	if err != nil {
		return err
	}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		section := v.Field(i)
		if section.Kind() != reflect.Struct {
			continue
		}
		sectionPrefix := prefix + "_" + envName(fieldName(t.Field(i)))
		if err := applySectionEnv(section, sectionPrefix, lookup); err != nil {
			return err
		}
	}
	return nil
}

func applySectionEnv(section reflect.Value, prefix string, lookup LookupFunc) error {
	t := section.Type()
	for i := 0; i < section.NumField(); i++ {
		field := section.Field(i)
		if !field.CanSet() {
			continue
		}
		name := prefix + "_" + envName(fieldName(t.Field(i)))
		raw, ok := lookup(name)
		if !ok || raw == "" {
			continue
		}
		if err := setFromEnv(field, raw); err != nil {
			return fmt.Errorf("environment variable %s: %w", name, err)
		}
	}
	return nil
}

func setFromEnv(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		return setValue(field, raw)
	}
	switch field.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
	default:
		// slices, maps and nested structs come from the file only
		return nil
	}
	converted, err := cast.FromType(raw, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}

// envName converts a camelCase key to upper snake case.
func envName(key string) string {
	var b strings.Builder
	for i, r := range key {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
