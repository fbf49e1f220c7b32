package permission

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeFutureState      = "PERMISSION_FUTURE_STATE"
	ErrCodePastState        = "PERMISSION_PAST_STATE"
	ErrCodeStoreUnavailable = "PERMISSION_STORE_UNAVAILABLE"
	ErrCodeNotFound         = "PERMISSION_NOT_FOUND"
	ErrCodeInvalidEvent     = "PERMISSION_INVALID_EVENT"
	ErrCodeInvalidConfig    = "PERMISSION_INVALID_CONFIG"
)

var (
	// ErrFutureState is returned when an operation needs a status the request has not reached yet.
	ErrFutureState = apperrors.New("operation requires a later state", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeFutureState)
	// ErrPastState is returned when an operation targets a status the request already left.
	ErrPastState = apperrors.New("operation requires an earlier state", apperrors.CategoryBadInput).
			WithTextCode(ErrCodePastState)
	ErrStoreUnavailable = apperrors.New("event store unavailable", apperrors.CategoryExternal).
				WithTextCode(ErrCodeStoreUnavailable)
	ErrNotFound = apperrors.New("permission request not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrInvalidEvent = apperrors.New("invalid permission event", apperrors.CategoryValidation).
			WithTextCode(ErrCodeInvalidEvent)
	ErrInvalidConfig = apperrors.New("invalid permission config", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
)

// CloneError copies base and decorates it with a message, a source error and metadata.
func CloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidEvent
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// StoreError wraps a storage failure so callers can treat the transition as not applied.
func StoreError(op string, source error) *apperrors.Error {
	if source == nil {
		return nil
	}
	if code := ErrorCode(source); code == ErrCodeStoreUnavailable || code == ErrCodeInvalidEvent {
		var ge *apperrors.Error
		stderrors.As(source, &ge)
		return ge
	}
	return CloneError(ErrStoreUnavailable, "event store "+op+" failed", source, map[string]any{
		"operation": op,
	})
}

// NotFoundError reports a permission id without history.
func NotFoundError(permissionID string) *apperrors.Error {
	return CloneError(ErrNotFound, "", nil, map[string]any{"permission_id": permissionID})
}

// ErrorCode returns the text code of a go-errors error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsFutureState(err error) bool { return ErrorCode(err) == ErrCodeFutureState }
func IsPastState(err error) bool   { return ErrorCode(err) == ErrCodePastState }
func IsStoreError(err error) bool  { return ErrorCode(err) == ErrCodeStoreUnavailable }
func IsNotFound(err error) bool    { return ErrorCode(err) == ErrCodeNotFound }

// IsGuardError reports whether err rejected an operation that is not legal from the current state.
func IsGuardError(err error) bool {
	return IsFutureState(err) || IsPastState(err)
}

func guardError(permissionID string, current Status, op Operation) *apperrors.Error {
	base, message := ErrPastState, "already past the state required by "+string(op)
	if !current.Terminal() {
		if minRank, ok := op.minRank(); ok && current.rank() < minRank {
			base, message = ErrFutureState, "state required by "+string(op)+" not reached yet"
		}
	}
	return CloneError(base, message, nil, map[string]any{
		"permission_id": permissionID,
		"status":        string(current),
		"operation":     string(op),
	})
}
