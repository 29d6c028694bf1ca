package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/commhub/communication-server/internal/errs"
)

// Validator validates structs using `validate` tags.
//
// Supported rules: required, email, min=N, max=N, oneof=a b c. For strings
// min/max bound the length, for numbers the value. Empty optional fields
// skip every rule but required.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct and returns a Validation error naming the
// first offending field.
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return errs.New(errs.Internal, "validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return errs.New(errs.Validation, "%s: %s", fieldName(fieldType), err)
		}
	}

	return nil
}

// fieldName prefers the json name so messages match the request body.
func fieldName(f reflect.StructField) string {
	if name := strings.Split(f.Tag.Get("json"), ",")[0]; name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		if ruleName == "required" {
			if field.IsZero() || (field.Kind() == reflect.String && strings.TrimSpace(field.String()) == "") {
				return fmt.Errorf("field is required")
			}
			continue
		}
		if field.IsZero() {
			continue
		}

		switch ruleName {
		case "email":
			if field.Kind() == reflect.String && !strings.Contains(field.String(), "@") {
				return fmt.Errorf("invalid email format")
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", ruleName, arg)
			}
			n, isLen, ok := measure(field)
			if !ok {
				continue
			}
			unit := ""
			if isLen {
				unit = " characters"
			}
			if ruleName == "min" && n < limit {
				return fmt.Errorf("must be at least %s%s", arg, unit)
			}
			if ruleName == "max" && n > limit {
				return fmt.Errorf("must be at most %s%s", arg, unit)
			}

		case "oneof":
			got := fmt.Sprint(field.Interface())
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if got == a {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}

	return nil
}

// measure returns the value compared by min/max and whether it is a length.
func measure(field reflect.Value) (float64, bool, bool) {
	switch field.Kind() {
	case reflect.String:
		return float64(len([]rune(field.String()))), true, true
	case reflect.Slice, reflect.Map:
		return float64(field.Len()), true, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), false, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), false, true
	case reflect.Float32, reflect.Float64:
		return field.Float(), false, true
	default:
		return 0, false, false
	}
}
