package ml

import (
	"errors"
	"fmt"

	"fraudguard/internal/features"
)

// ValidationError reports a malformed or out-of-range transaction field.
type ValidationError = features.ValidationError

// UnknownCategoryError reports a categorical value absent from the fitted encoding table.
type UnknownCategoryError struct {
	Field string
	Value string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown %s value %q: not present in fitted encoding table", e.Field, e.Value)
}

// ConfigurationError reports a model artifact whose parts disagree with each other.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "model configuration: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ModelLoadError reports an artifact that is missing, corrupt, or of an incompatible schema.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model artifact %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// IsInputError reports whether err was caused by the request rather than the deployment.
func IsInputError(err error) bool {
	var verr *ValidationError
	var uerr *UnknownCategoryError
	return errors.As(err, &verr) || errors.As(err, &uerr)
}

// ErrorKind names the taxonomy bucket of err, for metrics labels and logs.
func ErrorKind(err error) string {
	var (
		verr *ValidationError
		uerr *UnknownCategoryError
		cerr *ConfigurationError
		lerr *ModelLoadError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &uerr):
		return "unknown_category"
	case errors.As(err, &cerr):
		return "configuration"
	case errors.As(err, &lerr):
		return "model_load"
	default:
		return "internal"
	}
}
