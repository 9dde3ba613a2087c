package config

import (
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for rules that span
// several fields or depend on backend-specific maps.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Server.Address != "" {
		if ip := net.ParseIP(cfg.Server.Address); ip == nil || ip.To4() == nil {
			return fmt.Errorf("server.address: %q is not an IPv4 address", cfg.Server.Address)
		}
	}

	if cfg.Server.MaxFieldLength < cfg.Server.MaxUsernameLength {
		return fmt.Errorf("server.max_field_length (%d) must be at least max_username_length (%d)",
			cfg.Server.MaxFieldLength, cfg.Server.MaxUsernameLength)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics.port: %d is already used by server.port", cfg.Metrics.Port)
	}

	if cfg.Storage.Type == "s3" {
		if bucket, _ := cfg.Storage.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("storage.s3.bucket: required when storage.type is s3")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
