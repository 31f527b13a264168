package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zk/runnotify/internal/notify"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their yaml keys
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return validLevels[strings.ToUpper(strings.TrimSpace(fl.Field().String()))]
	})
	return v
}

// fieldMessages explains each validation tag in config terms
var fieldMessages = map[string]string{
	"log_level":                      "unknown level (expected DEBUG, INFO, WARN or ERROR)",
	"notification.expire_timeout_ms": "must be -1 (server default), 0 (never) or a positive number of milliseconds",
	"notification.send_timeout_ms":   "must not be negative",
}

// Validate checks a configuration for errors.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
			return err
		}
		return toValidationError(fieldErrs[0])
	}

	return validateHints(cfg.Notification.Hints)
}

func toValidationError(fe validator.FieldError) *ValidationError {
	// The namespace starts with the struct type name
	_, field, _ := strings.Cut(fe.Namespace(), ".")

	msg, ok := fieldMessages[field]
	if !ok {
		msg = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("%s, got %v", msg, fe.Value()),
	}
}

// validateHints accepts only values that map onto D-Bus variants. Integers
// must fit an int32 and strings may carry a TYPE: prefix.
func validateHints(hints map[string]interface{}) error {
	for name, value := range hints {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "notification.hints", Message: "hint name must not be empty"}
		}
		field := "notification.hints." + name
		switch v := value.(type) {
		case bool, float64:
		case string:
			if _, err := notify.TypedHint(name, v); err != nil {
				return &ValidationError{Field: field, Message: err.Error()}
			}
		case int:
			if err := checkIntHint(int64(v)); err != nil {
				return &ValidationError{Field: field, Message: err.Error()}
			}
		case int64:
			if err := checkIntHint(v); err != nil {
				return &ValidationError{Field: field, Message: err.Error()}
			}
		default:
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("unsupported value type %T", value),
			}
		}
	}
	return nil
}

func checkIntHint(n int64) error {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return fmt.Errorf("integer %d does not fit an int32 hint, use a string", n)
	}
	return nil
}
