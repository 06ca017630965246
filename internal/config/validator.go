package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config field path, e.g. "batch.default_concurrency"
	Value   any    // the invalid value
	Message string // human-readable description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns every
// validation error found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Paths.DataRoot == "" {
		errs = append(errs, ValidationError{
			Field:   "paths.data_root",
			Value:   c.Paths.DataRoot,
			Message: "must not be empty",
		})
	}

	if c.Worker.InboxPollMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "worker.inbox_poll_ms",
			Value:   c.Worker.InboxPollMs,
			Message: "must be at least 50",
		})
	}
	if c.Worker.RecordPollMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "worker.record_poll_ms",
			Value:   c.Worker.RecordPollMs,
			Message: "must be at least 50",
		})
	}
	if c.Worker.KillGraceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.kill_grace_ms",
			Value:   c.Worker.KillGraceMs,
			Message: "must not be negative",
		})
	}
	if c.Worker.ExitGraceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.exit_grace_ms",
			Value:   c.Worker.ExitGraceMs,
			Message: "must not be negative",
		})
	}

	if c.Batch.DefaultConcurrency < 1 {
		errs = append(errs, ValidationError{
			Field:   "batch.default_concurrency",
			Value:   c.Batch.DefaultConcurrency,
			Message: "must be at least 1",
		})
	}
	if c.Batch.StaggerMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "batch.stagger_ms",
			Value:   c.Batch.StaggerMs,
			Message: "must not be negative",
		})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errs
}
