package models

import (
	"errors"

	"github.com/timshannon/bolthold"
)

var (
	// ErrListFull indicates the overflow policy is ERROR and the list is at capacity
	ErrListFull = errors.New("list is full")

	// ErrNotFound indicates a referenced list, row or document does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a list lock could not be acquired in time
	ErrConflict = errors.New("conflict")

	// ErrRemoteUnavailable indicates a transient list host failure
	ErrRemoteUnavailable = errors.New("remote list host unavailable")

	// ErrCorrupt indicates remote state the engine cannot interpret
	ErrCorrupt = errors.New("corrupt remote list")

	// ErrInvalidTransition indicates a forbidden upload status change
	ErrInvalidTransition = errors.New("invalid upload status transition")

	// ErrAlreadyExists indicates a document with the same key exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates an editor request with missing or bad fields
	ErrInvalidInput = errors.New("invalid input")
)

// IsNotFound reports whether err is a local or remote not-found condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, bolthold.ErrNotFound)
}

// translate maps storage errors onto the package's sentinel errors
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolthold.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, bolthold.ErrKeyExists):
		return ErrAlreadyExists
	}
	return err
}
