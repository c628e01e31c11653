// Package codec converts between typed records and DynamoDB items using a
// declarative per-table schema.
//
// Absent values are written as a single-space placeholder (" " for scalars,
// {" "} for string sets) so every declared attribute is always present on
// the stored item. Decoding maps placeholders back to absent and rejects
// values whose stored type does not match the schema with a
// [MalformedRecordError].
package codec
