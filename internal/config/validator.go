package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// ConfigValidator validates configuration values.
type ConfigValidator interface {
	Validate(cfg *Config) error
}

// validatorImpl implements ConfigValidator using go-playground/validator.
type validatorImpl struct {
	validate *validator.Validate
}

// NewValidator creates a new ConfigValidator instance.
func NewValidator() ConfigValidator {
	return &validatorImpl{
		validate: validator.New(),
	}
}

// Validate validates the configuration and returns every problem found as a
// single CONFIG_VALIDATION_FAILED error.
func (v *validatorImpl) Validate(cfg *Config) error {
	if cfg == nil {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "configuration is nil")
	}

	var errorMessages []string

	if err := v.validate.Struct(cfg); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return types.WrapError(types.CONFIG_VALIDATION_FAILED, "validation error", err)
		}
		for _, e := range validationErrs {
			errorMessages = append(errorMessages, formatValidationError(e))
		}
	}

	errorMessages = append(errorMessages, crossFieldErrors(cfg)...)

	if len(errorMessages) > 0 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(errorMessages, "\n  - ")))
	}
	return nil
}

// crossFieldErrors checks constraints that span more than one field.
func crossFieldErrors(cfg *Config) []string {
	var msgs []string

	if cfg.ControlPlane.BackoffMax < cfg.ControlPlane.BackoffBase {
		msgs = append(msgs, fmt.Sprintf("controlplane.backoff_max must not be less than controlplane.backoff_base (got: %s < %s)",
			cfg.ControlPlane.BackoffMax, cfg.ControlPlane.BackoffBase))
	}

	if cfg.Etcd.Enabled && cfg.Etcd.Mode == "external" && len(cfg.Etcd.Endpoints) == 0 {
		msgs = append(msgs, "etcd.endpoints must be non-empty when etcd.mode is 'external'")
	}

	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			msgs = append(msgs, "events.kafka.brokers must be non-empty when events.kafka.enabled is true")
		}
		if cfg.Events.Kafka.Topic == "" {
			msgs = append(msgs, "events.kafka.topic is required when events.kafka.enabled is true")
		}
	}

	if cfg.Metrics.Enabled && cfg.HTTP.Address == "" {
		msgs = append(msgs, "http.address is required when metrics.enabled is true")
	}

	return msgs
}

// formatValidationError formats a single validation error with field path and details.
func formatValidationError(e validator.FieldError) string {
	fieldPath := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldPath)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "lt":
		return fmt.Sprintf("%s must be less than %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", fieldPath, e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", fieldPath, e.Tag(), e.Value())
	}
}

// formatFieldPath converts validator namespace to a more readable field path.
// Example: "Config.ControlPlane.MaxDeployAttempts" -> "controlplane.max_deploy_attempts"
func formatFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 1 {
		return namespace
	}

	result := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		result = append(result, fieldKey(parts[i]))
	}

	return strings.Join(result, ".")
}

// fieldKey maps a Go field name to its configuration key.
func fieldKey(field string) string {
	switch field {
	case "ControlPlane":
		return "controlplane"
	case "GRPC":
		return "grpc"
	case "HTTP":
		return "http"
	case "TTL":
		return "ttl"
	case "GCInterval":
		return "gc_interval"
	case "MaxSizeMB":
		return "max_size_mb"
	}
	return camelToSnake(field)
}

// camelToSnake converts CamelCase to snake_case.
func camelToSnake(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteRune('_')
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}
