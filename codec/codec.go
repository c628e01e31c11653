package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Placeholder is stored in place of an absent or empty value.
const Placeholder = " "

// Kind is the semantic type of a field.
type Kind int

const (
	// String is stored as S.
	String Kind = iota
	// Number is an int64 stored as N.
	Number
	// Decimal is a float64 stored as its shortest decimal string in S.
	Decimal
	// StringSet is a []string stored as SS.
	StringSet
	// Bool is stored as the string "TRUE" or "FALSE".
	Bool
	// Time is stored as an RFC 3339 string in UTC.
	Time
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Decimal:
		return "decimal"
	case StringSet:
		return "string set"
	case Bool:
		return "bool"
	case Time:
		return "time"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Field declares one attribute of a table schema.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Record maps field names to semantic values: string, int64, float64,
// []string, bool or time.Time depending on the field kind. A missing key
// means the value is absent.
type Record map[string]any

// Schema is the fixed set of fields a table stores.
type Schema struct {
	fields []Field
	byName map[string]Field
}

// NewSchema builds a schema. It panics on a blank or duplicate field name,
// since schemas are declared once at package init.
func NewSchema(fields ...Field) *Schema {
	s := &Schema{
		fields: make([]Field, 0, len(fields)),
		byName: make(map[string]Field, len(fields)),
	}
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			panic("codec: blank field name")
		}
		if _, dup := s.byName[f.Name]; dup {
			panic("codec: duplicate field " + strconv.Quote(f.Name))
		}
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
	}
	return s
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Encode converts a record into a DynamoDB item. Every declared field is
// written; absent optional values become the placeholder. Keys of r that
// the schema does not declare are ignored.
func (s *Schema) Encode(r Record) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(s.fields))
	for _, f := range s.fields {
		av, err := encodeField(f, r[f.Name])
		if err != nil {
			return nil, err
		}
		item[f.Name] = av
	}
	return item, nil
}

// EncodeValue encodes a single field value, for partial updates and
// conditions.
func (s *Schema) EncodeValue(name string, v any) (types.AttributeValue, error) {
	f, ok := s.byName[name]
	if !ok {
		return nil, &FieldError{Field: name, Reason: "not declared in schema"}
	}
	return encodeField(f, v)
}

// Decode converts a stored item back into a record. Only declared fields
// are read, placeholders decode as absent and a required field that is
// missing or malformed fails the whole record.
func (s *Schema) Decode(item map[string]types.AttributeValue) (Record, error) {
	r := make(Record, len(s.fields))
	for _, f := range s.fields {
		av, ok := item[f.Name]
		if !ok || isAbsent(av) {
			if f.Required {
				return nil, &MalformedRecordError{Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		v, err := decodeField(f, av)
		if err != nil {
			return nil, err
		}
		if v != nil {
			r[f.Name] = v
		}
	}
	return r, nil
}

func encodeField(f Field, v any) (types.AttributeValue, error) {
	if isEmptyValue(v) {
		if f.Required {
			return nil, &FieldError{Field: f.Name, Reason: "required"}
		}
		if f.Kind == StringSet {
			return &types.AttributeValueMemberSS{Value: []string{Placeholder}}, nil
		}
		return &types.AttributeValueMemberS{Value: Placeholder}, nil
	}

	switch f.Kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(f, v)
		}
		return &types.AttributeValueMemberS{Value: s}, nil

	case Number:
		var n int64
		switch x := v.(type) {
		case int64:
			n = x
		case int:
			n = int64(x)
		case int32:
			n = int64(x)
		default:
			return nil, mismatch(f, v)
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil

	case Decimal:
		var d float64
		switch x := v.(type) {
		case float64:
			d = x
		case float32:
			d = float64(x)
		default:
			return nil, mismatch(f, v)
		}
		return &types.AttributeValueMemberS{Value: strconv.FormatFloat(d, 'f', -1, 64)}, nil

	case StringSet:
		ss, ok := v.([]string)
		if !ok {
			return nil, mismatch(f, v)
		}
		return &types.AttributeValueMemberSS{Value: normalizeSet(ss)}, nil

	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch(f, v)
		}
		return &types.AttributeValueMemberS{Value: FormatBool(b)}, nil

	case Time:
		t, ok := v.(time.Time)
		if !ok {
			return nil, mismatch(f, v)
		}
		return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}, nil
	}
	return nil, &FieldError{Field: f.Name, Reason: "unsupported kind " + f.Kind.String()}
}

func decodeField(f Field, av types.AttributeValue) (any, error) {
	switch f.Kind {
	case String:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, malformed(f, av)
		}
		return s.Value, nil

	case Number:
		if _, ok := av.(*types.AttributeValueMemberN); !ok {
			return nil, malformed(f, av)
		}
		var n int64
		if err := attributevalue.Unmarshal(av, &n); err != nil {
			return nil, &MalformedRecordError{Field: f.Name, Reason: "invalid number", Err: err}
		}
		return n, nil

	case Decimal:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, malformed(f, av)
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(s.Value), 64)
		if err != nil {
			return nil, &MalformedRecordError{Field: f.Name, Reason: "invalid decimal", Err: err}
		}
		return d, nil

	case StringSet:
		if _, ok := av.(*types.AttributeValueMemberSS); !ok {
			return nil, malformed(f, av)
		}
		var ss []string
		if err := attributevalue.Unmarshal(av, &ss); err != nil {
			return nil, &MalformedRecordError{Field: f.Name, Reason: "invalid string set", Err: err}
		}
		out := ss[:0]
		for _, v := range ss {
			if v != Placeholder {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			if f.Required {
				return nil, &MalformedRecordError{Field: f.Name, Reason: "required field missing"}
			}
			return nil, nil
		}
		sort.Strings(out)
		return out, nil

	case Bool:
		switch x := av.(type) {
		case *types.AttributeValueMemberBOOL:
			return x.Value, nil
		case *types.AttributeValueMemberS:
			b, err := ParseBool(x.Value)
			if err != nil {
				return nil, &MalformedRecordError{Field: f.Name, Reason: "invalid bool", Err: err}
			}
			return b, nil
		}
		return nil, malformed(f, av)

	case Time:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, malformed(f, av)
		}
		t, err := time.Parse(time.RFC3339Nano, s.Value)
		if err != nil {
			return nil, &MalformedRecordError{Field: f.Name, Reason: "invalid time", Err: err}
		}
		return t.UTC(), nil
	}
	return nil, &MalformedRecordError{Field: f.Name, Reason: "unsupported kind " + f.Kind.String()}
}

// FormatBool renders b the way boolean flags are stored.
func FormatBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// ParseBool accepts "TRUE" or "FALSE" in any case.
func ParseBool(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("codec: %q is not TRUE or FALSE", s)
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == "" || x == Placeholder
	case []string:
		return len(normalizeSet(x)) == 0
	case time.Time:
		return x.IsZero()
	}
	return false
}

func isAbsent(av types.AttributeValue) bool {
	switch x := av.(type) {
	case nil:
		return true
	case *types.AttributeValueMemberNULL:
		return true
	case *types.AttributeValueMemberS:
		return x.Value == Placeholder || x.Value == ""
	case *types.AttributeValueMemberSS:
		for _, v := range x.Value {
			if v != Placeholder {
				return false
			}
		}
		return true
	}
	return false
}

// normalizeSet drops blanks and duplicates and sorts the result.
func normalizeSet(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, v := range ss {
		if v == "" || v == Placeholder {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func mismatch(f Field, v any) error {
	return &FieldError{Field: f.Name, Reason: fmt.Sprintf("want %s, got %T", f.Kind, v)}
}

func malformed(f Field, av types.AttributeValue) error {
	return &MalformedRecordError{Field: f.Name, Reason: fmt.Sprintf("want %s, stored as %T", f.Kind, av)}
}
