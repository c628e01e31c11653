// Package store provides a typed DynamoDB record store for the Edjab tables.
//
// Every table keeps its records under one constant partition value (the
// country) with a composite sort key built from natural identifiers, or is
// hash-only and keyed by a single identifier. A [Table] maps one domain type
// to one table through a [Mapper] and a declarative [codec.Schema].
//
// # Key Features
//
//   - Create-if-absent writes with [ErrDuplicateKey] on collision
//   - Partial updates and atomic counters returning the new record
//   - Conditional deletes returning the previous record
//   - Prefix, contains and secondary-index queries with resumable pages
//   - Cross-table reference checks before dependent writes
//   - Optional write sharding, retries, circuit breaking and rate limiting
//
// # Mappers
//
// A domain type is stored through a [Mapper]:
//
//	type Mapper[T any] interface {
//	    Schema() *codec.Schema
//	    KeyParts(v T) []string
//	    ToRecord(v T) codec.Record
//	    FromRecord(r codec.Record) (T, error)
//	}
//
// # Configuration
//
// Start from [DefaultConfig] and set the table and key attributes:
//
//	cfg := store.DefaultConfig()
//	cfg.TableName = "FollowEdjabProd"
//	cfg.SortAttr = "userid_schoolnameid"
//	follows, err := store.New(client, cfg, followMapper{}, store.WithLogger(logger))
//
// # Errors
//
// Expected outcomes are sentinels:
//
//   - [ErrDuplicateKey] - create-if-absent found an existing record
//   - [ErrPreconditionFailed] - stored values did not match expectations
//   - [ErrNotFound] - update of a missing record
//   - [ErrReferenceNotFound] - a referenced record does not exist
//
// Failures are typed: [ValidationError] for bad arguments (no I/O was
// done), [MalformedRecordError] for undecodable items,
// [RetryableStoreError] for transient failures whose outcome is unknown and
// [PermanentStoreError] for requests the backend will keep rejecting.
package store
