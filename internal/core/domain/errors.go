package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrEmbeddingProvider = errors.New("embedding provider error")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")

	// ErrEmptyCorpus marks a profile without loaded chunks. It is reported as a
	// warning and never returned from a search.
	ErrEmptyCorpus = errors.New("empty corpus")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
