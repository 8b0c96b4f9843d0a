package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKind        = errors.New("invalid_history_kind")
	ErrInvalidMember      = errors.New("invalid_member")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidName        = errors.New("invalid_history_name")
	ErrHistoryNotFound    = errors.New("history_not_found")
	ErrContentNotFound    = errors.New("content_not_found")
	ErrOwnershipViolation = errors.New("history_ownership_violation")
	ErrHistoryNameExists  = errors.New("history_name_exists")
	ErrTransientStore     = errors.New("history_store_unavailable")
)

// Internal wraps an infrastructure failure so driver text does not leak.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientStore, op, err)
}
