// Package config provides configuration management for the lay engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charles-ascot/lay-engine/internal/models"
)

// CustomValidator wraps the validator with custom validation rules
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new validator with custom validation functions
func NewValidator() *CustomValidator {
	v := validator.New()

	_ = v.RegisterValidation("environment", validateEnvironment)
	_ = v.RegisterValidation("loglevel", validateLogLevel)
	_ = v.RegisterValidation("countries", validateCountries)
	_ = v.RegisterValidation("pointvalue", validatePointValue)

	return &CustomValidator{validator: v}
}

// Validate validates the entire configuration
func Validate(cfg *Config) error {
	cv := NewValidator()
	return cv.Validate(cfg)
}

// Validate validates the configuration using registered validation rules
func (cv *CustomValidator) Validate(cfg *Config) error {
	err := cv.validator.Struct(cfg)
	if err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(validationErrors)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return validateCrossField(cfg)
}

// validateEnvironment validates the environment field
func validateEnvironment(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "development", "staging", "production":
		return true
	default:
		return false
	}
}

// validateLogLevel validates the log level field
func validateLogLevel(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// validateCountries checks that configured countries are a non-empty subset
// of the tradeable set.
func validateCountries(fl validator.FieldLevel) bool {
	countries, ok := fl.Field().Interface().([]string)
	if !ok {
		return false
	}
	return models.ValidateCountries(countries) == nil
}

// validatePointValue checks membership in the enumerated point-value set.
func validatePointValue(fl validator.FieldLevel) bool {
	return models.ValidatePointValue(int(fl.Field().Int())) == nil
}

// validateCrossField performs cross-field validations
func validateCrossField(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.Engine.Timezone); err != nil {
		return fmt.Errorf("invalid engine timezone %q: %w", cfg.Engine.Timezone, err)
	}

	if cfg.Engine.MinOdds >= cfg.Engine.MaxLayOdds {
		return fmt.Errorf("engine min_odds (%.2f) must be below max_lay_odds (%.2f)",
			cfg.Engine.MinOdds, cfg.Engine.MaxLayOdds)
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Host == "" || cfg.Archive.Name == "" || cfg.Archive.User == "" {
			return fmt.Errorf("archive enabled but host/name/user incomplete")
		}
	}

	return nil
}

// formatValidationErrors converts validator errors to a readable message
func formatValidationErrors(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %q", e.Namespace(), e.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
