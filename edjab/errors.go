package edjab

import (
	"fmt"

	"github.com/edjab/dbclient/store"
)

// Domain errors wrap the store sentinels, so errors.Is matches both the
// specific error and its store category.
var (
	ErrUserExists      = fmt.Errorf("edjab: user id already taken: %w", store.ErrDuplicateKey)
	ErrUserNotFound    = fmt.Errorf("edjab: user not found: %w", store.ErrNotFound)
	ErrUserNotValid    = fmt.Errorf("edjab: user is not active: %w", store.ErrReferenceNotFound)
	ErrSchoolNotFound  = fmt.Errorf("edjab: school not found: %w", store.ErrReferenceNotFound)
	ErrContentNotFound = fmt.Errorf("edjab: content not found: %w", store.ErrReferenceNotFound)
	ErrReviewNotFound  = fmt.Errorf("edjab: review not found: %w", store.ErrNotFound)
	ErrAlreadyReviewed = fmt.Errorf("edjab: school already reviewed by user: %w", store.ErrDuplicateKey)
	ErrAlreadyExists   = fmt.Errorf("edjab: relation already exists: %w", store.ErrDuplicateKey)
	ErrNotOwner        = fmt.Errorf("edjab: content not owned by user: %w", store.ErrPreconditionFailed)
	ErrInvalidToken    = fmt.Errorf("edjab: invalid or expired token: %w", store.ErrPreconditionFailed)
	ErrWrongPassword   = fmt.Errorf("edjab: wrong password: %w", store.ErrPreconditionFailed)
)
