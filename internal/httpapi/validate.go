package httpapi

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate   = newValidator()
	hex64Regex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	// hexadecimal would also accept a 0x prefix.
	_ = v.RegisterValidation("hex64", func(fl validator.FieldLevel) bool {
		return hex64Regex.MatchString(fl.Field().String())
	})
	return v
}

// validationMessage turns the first field error into a caller-facing message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "hex64":
		return fmt.Sprintf("%s must be a 64-character hex token", fe.Field())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 0.1 and 1.0", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// validIdentity reports whether s is a 64-character hex token.
func validIdentity(s string) bool {
	return validate.Var(s, "hex64") == nil
}
