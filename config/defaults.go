package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	tagDefault  = "default"
	tagRequired = "required"
)

var durationType = reflect.TypeOf(time.Duration(0))

// ProcessDefaults fills zero fields that carry a `default` tag, including
// fields of struct elements in slices.
func ProcessDefaults(cfg any) error {
	v, err := structPointer(cfg)
	if err != nil {
		return err
	}
	return processStructDefaults(v)
}

func structPointer(cfg any) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigNotPointer
	}
	return v.Elem(), nil
}

func processStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		switch {
		case field.Kind() == reflect.Struct:
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			// nil struct pointers stay nil
			if !field.IsNil() {
				if err := processStructDefaults(field.Elem()); err != nil {
					return err
				}
			}
			continue
		case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct:
			for j := 0; j < field.Len(); j++ {
				if err := processStructDefaults(field.Index(j)); err != nil {
					return err
				}
			}
			continue
		}

		defaultVal, ok := fieldType.Tag.Lookup(tagDefault)
		if !ok || !field.IsZero() {
			continue
		}
		if err := setValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

// ValidateRequired reports every field tagged `required:"true"` that is still
// zero, by dotted path.
func ValidateRequired(cfg any) error {
	v, err := structPointer(cfg)
	if err != nil {
		return err
	}
	var missing []string
	validateRequiredFields(v, "", &missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigRequiredFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

func validateRequiredFields(v reflect.Value, prefix string, missing *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		name := fieldName(fieldType)
		if prefix != "" {
			name = prefix + "." + name
		}
		if field.Kind() == reflect.Struct {
			validateRequiredFields(field, name, missing)
			continue
		}
		if fieldType.Tag.Get(tagRequired) == "true" && field.IsZero() {
			*missing = append(*missing, name)
		}
	}
}

// fieldName returns the yaml key of a field, or its Go name.
func fieldName(f reflect.StructField) string {
	if tag := strings.Split(f.Tag.Get("yaml"), ",")[0]; tag != "" && tag != "-" {
		return tag
	}
	return f.Name
}

// setValue converts s to the field's type. Durations use time.ParseDuration.
func setValue(field reflect.Value, s string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("failed to parse duration value: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("failed to parse bool value: %w", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse int value: %w", err)
		}
		if field.OverflowInt(i) {
			return fmt.Errorf("%d overflows %s", i, field.Type())
		}
		field.SetInt(i)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
	return nil
}
