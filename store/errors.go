package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("docmap: record not found")

	// ErrAlreadyExists is returned when creating a record whose key is already taken.
	ErrAlreadyExists = errors.New("docmap: record already exists")

	// ErrConditionalCheckFailed is returned when an update precondition does not match stored state.
	ErrConditionalCheckFailed = errors.New("docmap: conditional check failed")

	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("docmap: configuration error")

	// ErrBatchWithPartitioning is returned when batched retrieval is requested on a partitioned store.
	ErrBatchWithPartitioning = errors.New("docmap: batch retrieval cannot be combined with partitioning")

	// ErrMultipleRangeConditions is returned when a query carries more than one range condition.
	ErrMultipleRangeConditions = errors.New("docmap: at most one range condition is allowed per query")

	// ErrUnknownField is returned when a condition or accessor names an undeclared attribute.
	ErrUnknownField = errors.New("docmap: unknown field")

	// ErrMissingKey is returned when an operation needs a hash or range value that is not set.
	ErrMissingKey = errors.New("docmap: missing key value")

	// ErrDestroyed is returned when saving or updating a destroyed record.
	ErrDestroyed = errors.New("docmap: record was destroyed")
)

// ConfigurationError reports a programming or declaration mistake. It is never retried.
type ConfigurationError struct {
	Model string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("docmap: configuration: %v", e.Err)
	}
	return fmt.Sprintf("docmap: configuration of %s: %v", e.Model, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configError(model string, err error) error {
	return &ConfigurationError{Model: model, Err: err}
}
