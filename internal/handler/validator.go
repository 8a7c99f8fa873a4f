package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cpstats-sync/internal/domain"
)

// Validator wraps the validator instance
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the platform tag registered
func NewValidator() *Validator {
	v := validator.New()

	// Register custom validation for platform
	_ = v.RegisterValidation("platform", validatePlatform)

	return &Validator{validate: v}
}

// ValidateStruct validates a struct using tags
func (v *Validator) ValidateStruct(s interface{}) error {
	return v.validate.Struct(s)
}

// FormatValidationError formats validation errors into a field → message map
// without leaking internal struct names
func FormatValidationError(err error) map[string]string {
	if err == nil {
		return nil
	}

	errs := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errs["error"] = "Invalid request format"
		return errs
	}

	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			errs[field] = "This field is required"
		case "platform":
			errs[field] = "Invalid platform"
		case "max":
			errs[field] = fmt.Sprintf("Must be at most %s characters", e.Param())
		case "excludesall":
			errs[field] = "Contains invalid characters"
		default:
			errs[field] = "Invalid value"
		}
	}

	return errs
}

// validatePlatform accepts the supported platform identifiers. Empty values
// are left to the required tag.
func validatePlatform(fl validator.FieldLevel) bool {
	platform := fl.Field().String()
	if platform == "" {
		return true
	}
	_, err := domain.ParsePlatform(platform)
	return err == nil
}
