package errors

import (
	"errors"
	"fmt"
)

// Kinds of failure a run can end with. A RunError always carries one of these
// so callers can branch with errors.Is regardless of the underlying cause.
var (
	ErrConnectivity   = errors.New("connectivity error")
	ErrFolderConflict = errors.New("folder conflict")
	ErrMissingSource  = errors.New("missing source")
	ErrEmptySource    = errors.New("empty source")
	ErrFolderRead     = errors.New("folder read error")
	ErrLogWrite       = errors.New("log write error")
	ErrCatalog        = errors.New("catalog error")
	ErrNoTables       = errors.New("no tables")
	ErrTableExport    = errors.New("table export error")
	ErrCursor         = errors.New("cursor error")
	ErrStreamWrite    = errors.New("stream write error")
	ErrRead           = errors.New("read error")
	ErrParse          = errors.New("parse error")
	ErrCreate         = errors.New("create error")
	ErrWrite          = errors.New("write error")
)

// RunError is a failure of one phase of a backup or import run. Message is
// meant for humans, Err is the optional underlying cause.
type RunError struct {
	Kind    error
	Message string
	Table   string
	Err     error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewRunError(kind error, message string, err error) *RunError {
	return &RunError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func NewTableError(kind error, table, message string, err error) *RunError {
	return &RunError{
		Kind:    kind,
		Message: message,
		Table:   table,
		Err:     err,
	}
}

// Describe splits err into the message and cause that get logged when a run
// fails. Errors that are not a RunError have no separate cause.
func Describe(err error) (message string, cause error) {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Message, runErr.Err
	}
	return err.Error(), nil
}

type StorageError struct {
	Operation string
	Bucket    string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for bucket '%s', key '%s': %v", e.Operation, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(op, bucket, key string, err error) *StorageError {
	return &StorageError{
		Operation: op,
		Bucket:    bucket,
		Key:       key,
		Err:       err,
	}
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for '%s': %s", e.Field, e.Message)
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}
