package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers posguard-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"storage_url": validateStorageURL,
		"duration":    validateDuration,
		"amqp_url":    validateAMQPURL,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateStorageURL accepts "memory", "file://<absolute-path>" and
// "sqlite://<absolute-path>|:memory:".
func validateStorageURL(fl validator.FieldLevel) bool {
	_, _, ok := ParseStorage(fl.Field().String())
	return ok
}

// validateDuration accepts non-negative time.ParseDuration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateAMQPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "amqp" || u.Scheme == "amqps") && u.Host != ""
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validatePairs(); err != nil {
		return err
	}

	return nil
}

// validatePairs checks settings that only make sense together.
func (c *Config) validatePairs() error {
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	if (c.Admin.Username == "") != (c.Admin.PasswordHash == "") {
		return errors.New("admin: username and password_hash must be set together")
	}
	return nil
}

// HasAdmin reports whether admin credentials are configured.
func (c *Config) HasAdmin() bool {
	return c.Admin.Username != "" && c.Admin.PasswordHash != ""
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "storage_url":
		return fmt.Sprintf("%s must be 'memory', 'file://<absolute-path>' or 'sqlite://<absolute-path>'", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as 30s or 5m", field)
	case "amqp_url":
		return fmt.Sprintf("%s must be an amqp:// or amqps:// URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
