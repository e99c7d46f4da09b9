package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup and recovery operations
type BackupError struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// ErrorKind partitions failures so operators can tell flaky-tool noise
// from genuine integrity problems
type ErrorKind string

const (
	ErrorKindConfiguration        ErrorKind = "CONFIGURATION_ERROR"
	ErrorKindTooling              ErrorKind = "TOOLING_ERROR"
	ErrorKindConnectivity         ErrorKind = "CONNECTIVITY_ERROR"
	ErrorKindTimeout              ErrorKind = "TIMEOUT_ERROR"
	ErrorKindDumpProcess          ErrorKind = "DUMP_PROCESS_FAILED"
	ErrorKindIntegrity            ErrorKind = "INTEGRITY_ERROR"
	ErrorKindConsistencyViolation ErrorKind = "CONSISTENCY_VIOLATION"
	ErrorKindOplogGap             ErrorKind = "OPLOG_GAP"
	ErrorKindReplication          ErrorKind = "REPLICATION_FAILURE"
	ErrorKindRetentionConflict    ErrorKind = "RETENTION_CONFLICT"
	ErrorKindShutdownDrain        ErrorKind = "SHUTDOWN_DRAIN_EXPIRED"
	ErrorKindStorage              ErrorKind = "STORAGE_ERROR"
	ErrorKindValidation           ErrorKind = "VALIDATION_ERROR"
	ErrorKindNotFound             ErrorKind = "NOT_FOUND_ERROR"
	ErrorKindWALDisabled          ErrorKind = "WAL_ARCHIVING_DISABLED"
)

// NewBackupError creates a new BackupError
func NewBackupError(kind ErrorKind, message string, cause error) *BackupError {
	return &BackupError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindConfiguration, message, cause)
}

func NewToolingError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindTooling, message, cause)
}

func NewConnectivityError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindConnectivity, message, cause)
}

func NewTimeoutError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindTimeout, message, cause)
}

func NewDumpProcessError(message string, exitCode int, stderr string) *BackupError {
	return NewBackupError(ErrorKindDumpProcess, message, nil).
		WithContext("exit_code", exitCode).
		WithContext("stderr", stderr)
}

func NewIntegrityError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindIntegrity, message, cause)
}

func NewConsistencyViolationError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindConsistencyViolation, message, cause)
}

func NewOplogGapError(message string) *BackupError {
	return NewBackupError(ErrorKindOplogGap, message, nil)
}

func NewReplicationError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindReplication, message, cause)
}

func NewRetentionConflictError(message string) *BackupError {
	return NewBackupError(ErrorKindRetentionConflict, message, nil)
}

func NewShutdownDrainError(message string) *BackupError {
	return NewBackupError(ErrorKindShutdownDrain, message, nil)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindStorage, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(ErrorKindNotFound, message, cause)
}

func NewWALDisabledError(message string) *BackupError {
	return NewBackupError(ErrorKindWALDisabled, message, nil)
}

// KindOf returns the ErrorKind of err, or an empty kind when err is not a BackupError
func KindOf(err error) ErrorKind {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Kind
	}
	return ""
}

// IsRetryable determines if an error is transient and worth retrying.
// Only connectivity problems and failed dump processes are retried;
// everything else surfaces immediately.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindConnectivity, ErrorKindDumpProcess:
		return true
	default:
		return false
	}
}

// IsPermanent determines if an error is permanent and must not be retried
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case ErrorKindConfiguration, ErrorKindIntegrity, ErrorKindValidation,
		ErrorKindOplogGap, ErrorKindConsistencyViolation, ErrorKindWALDisabled:
		return true
	default:
		return false
	}
}
