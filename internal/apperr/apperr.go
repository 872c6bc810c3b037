// Package apperr defines the error taxonomy shared by every component.
package apperr

import "errors"

// Sentinel categories per the error handling design. Wrap with fmt.Errorf
// and %w; callers compare with errors.Is.
var (
	ErrStorageOpen         = errors.New("storage: open failed")
	ErrMigration           = errors.New("storage: migration failed")
	ErrIntegrity           = errors.New("storage: integrity violation")
	ErrAdapterUnavailable  = errors.New("adapter: unavailable")
	ErrAdapterTimeout      = errors.New("adapter: timeout")
	ErrValidationRejected  = errors.New("validation: rejected")
	ErrDuplicate           = errors.New("duplicate")
	ErrNotFound            = errors.New("not found")
)
