package gridsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the gridsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed store or server.
	ErrClosed = errors.New("gridsync is closed")

	// ErrDocumentNotFound is returned when no document exists for an id.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrInvalidUpdate is returned for update requests missing required fields.
	ErrInvalidUpdate = errors.New("invalid update request")

	// ErrTooManySubscribers is returned when the broadcaster subscriber limit is reached.
	ErrTooManySubscribers = errors.New("too many subscribers")

	// ErrSurfaceBusy is returned by surfaces that cannot be read mid-edit.
	// Agents treat it as "retry later", never as a hard failure.
	ErrSurfaceBusy = errors.New("editing surface is busy")

	// ErrOffline matches stream connect failures via errors.Is, letting
	// callers distinguish "relay unreachable" from a bad request.
	ErrOffline = errors.New("relay is offline")
)

// StoreErrorType categorizes document store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeNotFound indicates a missing document.
	StoreErrorTypeNotFound
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeCodec indicates an encode/decode failure.
	StoreErrorTypeCodec
)

// StoreError provides detailed information about document store failures.
type StoreError struct {
	Type       StoreErrorType
	Message    string
	DocumentID string
	Cause      error
}

func (e *StoreError) Error() string {
	if e.DocumentID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.DocumentID, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.DocumentID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	if e.Type == StoreErrorTypeNotFound {
		return target == ErrDocumentNotFound
	}
	return false
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, documentID string, cause error) *StoreError {
	return &StoreError{
		Type:       errType,
		Message:    message,
		DocumentID: documentID,
		Cause:      cause,
	}
}

// SyncErrorType categorizes sync agent errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified sync error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypePush indicates a failed push to the relay.
	SyncErrorTypePush
	// SyncErrorTypeApply indicates a failed local apply of a remote update.
	SyncErrorTypeApply
	// SyncErrorTypeStream indicates a stream transport failure.
	SyncErrorTypeStream
)

// SyncError provides detailed information about sync agent failures.
type SyncError struct {
	Type       SyncErrorType
	Message    string
	DocumentID string
	Cause      error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	if e.Type == SyncErrorTypeStream {
		return target == ErrOffline
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, documentID string, cause error) *SyncError {
	return &SyncError{
		Type:       errType,
		Message:    message,
		DocumentID: documentID,
		Cause:      cause,
	}
}
