package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration loading.
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidYAML    = errors.New("invalid YAML")
)

// LoadError wraps a failure to load one configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError wraps err with the file it came from.
func NewLoadError(file string, err error) error {
	return &LoadError{File: file, Err: err}
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a configuration validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
