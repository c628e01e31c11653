package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"

	"github.com/edjab/dbclient/codec"
)

var (
	// ErrNotFound is returned when an operation requires an existing record.
	ErrNotFound = errors.New("edjab: record not found")

	// ErrDuplicateKey is returned when creating a record whose key is taken.
	ErrDuplicateKey = errors.New("edjab: record already exists")

	// ErrPreconditionFailed is returned when a stored record does not hold
	// the expected field values.
	ErrPreconditionFailed = errors.New("edjab: precondition failed")

	// ErrReferenceNotFound is the default error of a reference check that
	// finds nothing.
	ErrReferenceNotFound = errors.New("edjab: referenced record not found")
)

// MalformedRecordError is returned when a stored item cannot be decoded.
type MalformedRecordError = codec.MalformedRecordError

// ValidationError reports a caller argument rejected before any I/O.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("edjab: %s: invalid argument: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RetryableStoreError wraps a transient backend failure. The write may or
// may not have been applied; re-read before assuming either.
type RetryableStoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *RetryableStoreError) Error() string {
	return fmt.Sprintf("edjab: %s %s: retryable: %v", e.Op, e.Table, e.Err)
}

func (e *RetryableStoreError) Unwrap() error { return e.Err }

// PermanentStoreError wraps a backend rejection that will not succeed on
// retry, such as a missing table or a malformed request.
type PermanentStoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("edjab: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *PermanentStoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	var r *RetryableStoreError
	return errors.As(err, &r)
}

func invalid(op string, err error) error {
	return &ValidationError{Op: op, Err: err}
}

func isConditionalFailure(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func isClassified(err error) bool {
	var (
		r *RetryableStoreError
		p *PermanentStoreError
	)
	return errors.As(err, &r) || errors.As(err, &p)
}

// classify sorts a raw backend error into retryable or permanent.
// Anything that is not a recognized API rejection (transport failures,
// cancelled contexts, an open breaker) is treated as retryable because the
// outcome of the call is unknown.
func classify(op, table string, err error) error {
	if err == nil || isClassified(err) {
		return err
	}
	retryable := &RetryableStoreError{Op: op, Table: table, Err: err}
	permanent := &PermanentStoreError{Op: op, Table: table, Err: err}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retryable
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retryable
	}

	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		notFound   *types.ResourceNotFoundException
		collection *types.ItemCollectionSizeLimitExceededException
		apiErr     smithy.APIError
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &internal):
		return retryable
	case errors.As(err, &notFound), errors.As(err, &collection):
		return permanent
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "TransactionConflictException":
			return retryable
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return retryable
		}
		return permanent
	}
	return retryable
}
