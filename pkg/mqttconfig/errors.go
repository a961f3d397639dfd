package mqttconfig

import (
	"errors"
	"fmt"
)

// Configuration errors. They are raised synchronously, before any network
// activity, and are never retried: the caller must fix the configuration.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfiguration matches every error produced by this package.
	ErrConfiguration = errors.New("mqttconfig: invalid configuration")

	// ErrInvalidArgument is returned when a mandatory option is missing or
	// mutually exclusive options are combined.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidType is returned when a value has the wrong shape, e.g. a
	// list assigned to a scalar-only option.
	ErrInvalidType = errors.New("invalid type")

	// ErrInvalidValue is returned when a value has the right shape but is
	// out of range.
	ErrInvalidValue = errors.New("invalid value")
)

// ConfigError describes a rejected option.
type ConfigError struct {
	// Kind is one of ErrInvalidArgument, ErrInvalidType or ErrInvalidValue.
	Kind   error
	Option string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mqttconfig: %v for option %q: %s", e.Kind, e.Option, e.Reason)
}

// Unwrap exposes the error kind so errors.Is(err, ErrInvalidValue) works.
func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// Is reports every ConfigError as an ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func invalidArgument(option, reason string) error {
	return &ConfigError{Kind: ErrInvalidArgument, Option: option, Reason: reason}
}

func invalidType(option string, value any, reason string) error {
	return &ConfigError{Kind: ErrInvalidType, Option: option, Value: value, Reason: reason}
}

func invalidValue(option string, value any, reason string) error {
	return &ConfigError{Kind: ErrInvalidValue, Option: option, Value: value, Reason: reason}
}
