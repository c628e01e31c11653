package codec

import "fmt"

// FieldError reports a record value that cannot be encoded.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("codec: field %q: %s", e.Field, e.Reason)
}

// MalformedRecordError reports a stored item that does not match its schema.
type MalformedRecordError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: malformed record: field %q: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: malformed record: field %q: %s", e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }
