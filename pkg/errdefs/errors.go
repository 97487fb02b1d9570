// Package errdefs defines the error kinds a reconciliation run distinguishes.
// Fetch and action errors are recoverable and accumulate on the run result;
// configuration errors abort a run before any current state is fetched; cache
// errors only ever degrade the early-exit gate into a normal run.
package errdefs

import (
	"errors"
	"fmt"
)

// FetchError reports that the current state of one scope could not be listed
type FetchError struct {
	Scope string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch current state of scope %q: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ActionError reports that a single planned action failed to apply
type ActionError struct {
	// Verb is the action verb (create, update, delete)
	Verb string

	// Target is the string form of the resource identity
	Target string

	Err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Verb, e.Target, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// ConfigurationError is fatal for a whole run
type ConfigurationError struct {
	Reason string
	Err    error
}

// NewConfigurationError builds a ConfigurationError with a formatted reason
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// WrapConfigurationError marks err as a configuration problem
func WrapConfigurationError(err error, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// CacheUnavailableError reports a failed lookup or write against the early-exit cache.
// Callers treat it as a cache miss.
type CacheUnavailableError struct {
	// Op is the cache operation that failed ("get" or "set")
	Op  string
	Key string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("early-exit cache unavailable (%s %s): %v", e.Op, e.Key, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// IsConfiguration returns true if err is or wraps a ConfigurationError
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsFetch returns true if err is or wraps a FetchError
func IsFetch(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

// IsAction returns true if err is or wraps an ActionError
func IsAction(err error) bool {
	var actionErr *ActionError
	return errors.As(err, &actionErr)
}
