package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
)

// Mapper converts a domain type to and from its stored record.
//
// FromRecord receives the declared fields plus the key attributes, as
// strings, under their attribute names.
type Mapper[T any] interface {
	Schema() *codec.Schema
	KeyParts(v T) []string
	ToRecord(v T) codec.Record
	FromRecord(r codec.Record) (T, error)
}

// Table is a typed record store over one DynamoDB table.
type Table[T any] struct {
	*core
	mapper Mapper[T]
	schema *codec.Schema
}

// New creates a Table.
func New[T any](api API, cfg Config, mapper Mapper[T], opts ...Option) (*Table[T], error) {
	cfg.validate()
	if api == nil {
		return nil, errors.New("edjab: nil dynamodb client")
	}
	if cfg.TableName == "" {
		return nil, errors.New("edjab: table name is required")
	}
	if mapper == nil || mapper.Schema() == nil {
		return nil, errors.New("edjab: mapper with schema is required")
	}
	schema := mapper.Schema()
	for _, attr := range []string{cfg.PartitionAttr, cfg.SortAttr} {
		if _, ok := schema.Field(attr); attr != "" && ok {
			return nil, fmt.Errorf("edjab: schema of %s declares key attribute %q", cfg.TableName, attr)
		}
	}
	return &Table[T]{
		core:   newCore(api, cfg, opts),
		mapper: mapper,
		schema: schema,
	}, nil
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.cfg.TableName }

// Keys returns the table's key builder.
func (t *Table[T]) Keys() keys.Builder { return t.keys }

// Key builds the key of the record identified by parts.
func (t *Table[T]) Key(parts ...string) (keys.Key, error) {
	k, err := t.keys.Build(parts...)
	if err != nil {
		return keys.Key{}, invalid("key", err)
	}
	return k, nil
}

// KeyOf builds the key of v.
func (t *Table[T]) KeyOf(v T) (keys.Key, error) {
	return t.Key(t.mapper.KeyParts(v)...)
}

// PutOptions controls Put.
type PutOptions struct {
	// FailIfExists rejects the write with ErrDuplicateKey when a record with
	// the same key is already stored. Without it Put overwrites.
	FailIfExists bool
}

// Put writes v.
func (t *Table[T]) Put(ctx context.Context, v T, opts PutOptions) error {
	key, err := t.KeyOf(v)
	if err != nil {
		return err
	}
	item, err := t.schema.Encode(t.mapper.ToRecord(v))
	if err != nil {
		return invalid(opPut, err)
	}
	for name, av := range t.keyItem(key) {
		item[name] = av
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(t.cfg.TableName),
		Item:      item,
	}
	if opts.FailIfExists {
		expr, err := expression.NewBuilder().
			WithCondition(expression.AttributeNotExists(expression.Name(t.cfg.PartitionAttr))).
			Build()
		if err != nil {
			return invalid(opPut, err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
	}

	err = t.do(ctx, opPut, key, true, func(ctx context.Context) error {
		_, err := t.api.PutItem(ctx, input)
		return err
	})
	if isConditionalFailure(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicateKey, t.cfg.TableName, key)
	}
	return err
}

// Get reads the record stored under key. A missing record is reported by
// the boolean, never as an error.
func (t *Table[T]) Get(ctx context.Context, key keys.Key) (T, bool, error) {
	var zero T
	if err := t.checkKey(opGet, key); err != nil {
		return zero, false, err
	}

	var out *dynamodb.GetItemOutput
	err := t.do(ctx, opGet, key, false, func(ctx context.Context) error {
		var err error
		out, err = t.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(t.cfg.TableName),
			Key:            t.keyItem(key),
			ConsistentRead: aws.Bool(t.cfg.ConsistentReads),
		})
		return err
	})
	if err != nil {
		return zero, false, err
	}
	if len(out.Item) == 0 {
		return zero, false, nil
	}
	v, err := t.decode(out.Item)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Exists reports whether a record is stored under key.
func (t *Table[T]) Exists(ctx context.Context, key keys.Key) (bool, error) {
	if err := t.checkKey(opGet, key); err != nil {
		return false, err
	}
	expr, err := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name(t.cfg.PartitionAttr))).
		Build()
	if err != nil {
		return false, invalid(opGet, err)
	}

	var out *dynamodb.GetItemOutput
	err = t.do(ctx, opGet, key, false, func(ctx context.Context) error {
		var err error
		out, err = t.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:                aws.String(t.cfg.TableName),
			Key:                      t.keyItem(key),
			ProjectionExpression:     expr.Projection(),
			ExpressionAttributeNames: expr.Names(),
			ConsistentRead:           aws.Bool(t.cfg.ConsistentReads),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return len(out.Item) > 0, nil
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Expected makes the delete conditional on the stored record holding
	// these field values. A mismatch, or a missing record, fails with
	// ErrPreconditionFailed.
	Expected codec.Record
}

// Delete removes the record stored under key and returns its previous
// contents. Deleting a missing record without expectations is not an error;
// the boolean reports whether anything was removed.
func (t *Table[T]) Delete(ctx context.Context, key keys.Key, opts DeleteOptions) (T, bool, error) {
	var zero T
	if err := t.checkKey(opDelete, key); err != nil {
		return zero, false, err
	}

	input := &dynamodb.DeleteItemInput{
		TableName:    aws.String(t.cfg.TableName),
		Key:          t.keyItem(key),
		ReturnValues: types.ReturnValueAllOld,
	}
	if len(opts.Expected) > 0 {
		cond, err := t.expectations(opts.Expected)
		if err != nil {
			return zero, false, invalid(opDelete, err)
		}
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return zero, false, invalid(opDelete, err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var out *dynamodb.DeleteItemOutput
	err := t.do(ctx, opDelete, key, true, func(ctx context.Context) error {
		var err error
		out, err = t.api.DeleteItem(ctx, input)
		return err
	})
	if isConditionalFailure(err) {
		return zero, false, fmt.Errorf("%w: %s %s", ErrPreconditionFailed, t.cfg.TableName, key)
	}
	if err != nil {
		return zero, false, err
	}
	if len(out.Attributes) == 0 {
		return zero, false, nil
	}
	prev, err := t.decode(out.Attributes)
	if err != nil {
		return zero, true, err
	}
	return prev, true, nil
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	// Expected adds field-value preconditions, as in DeleteOptions.
	Expected codec.Record
}

// Update changes only the named fields of an existing record and returns
// the record as stored afterwards. A missing record fails with ErrNotFound.
func (t *Table[T]) Update(ctx context.Context, key keys.Key, fields codec.Record, opts UpdateOptions) (T, error) {
	var zero T
	if err := t.checkKey(opUpdate, key); err != nil {
		return zero, err
	}
	if len(fields) == 0 {
		return zero, invalid(opUpdate, errors.New("no fields to update"))
	}

	var upd expression.UpdateBuilder
	for i, name := range sortedNames(fields) {
		av, err := t.schema.EncodeValue(name, fields[name])
		if err != nil {
			return zero, invalid(opUpdate, err)
		}
		if i == 0 {
			upd = expression.Set(expression.Name(name), expression.Value(av))
		} else {
			upd = upd.Set(expression.Name(name), expression.Value(av))
		}
	}

	cond := expression.AttributeExists(expression.Name(t.cfg.PartitionAttr))
	if len(opts.Expected) > 0 {
		exp, err := t.expectations(opts.Expected)
		if err != nil {
			return zero, invalid(opUpdate, err)
		}
		cond = cond.And(exp)
	}

	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return zero, invalid(opUpdate, err)
	}
	return t.update(ctx, opUpdate, key, expr, len(opts.Expected) > 0)
}

// Increment atomically adds delta to a number field of an existing record
// and returns the record as stored afterwards.
func (t *Table[T]) Increment(ctx context.Context, key keys.Key, field string, delta int64) (T, error) {
	var zero T
	if err := t.checkKey(opIncrement, key); err != nil {
		return zero, err
	}
	f, ok := t.schema.Field(field)
	if !ok || f.Kind != codec.Number {
		return zero, invalid(opIncrement, fmt.Errorf("%q is not a number field", field))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name(field), expression.Value(delta))).
		WithCondition(expression.AttributeExists(expression.Name(t.cfg.PartitionAttr))).
		Build()
	if err != nil {
		return zero, invalid(opIncrement, err)
	}
	return t.update(ctx, opIncrement, key, expr, false)
}

func (t *Table[T]) update(ctx context.Context, op string, key keys.Key, expr expression.Expression, hasExpectations bool) (T, error) {
	var zero T
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.cfg.TableName),
		Key:                       t.keyItem(key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	}

	var out *dynamodb.UpdateItemOutput
	err := t.do(ctx, op, key, true, func(ctx context.Context) error {
		var err error
		out, err = t.api.UpdateItem(ctx, input)
		return err
	})
	if isConditionalFailure(err) {
		if !hasExpectations {
			return zero, fmt.Errorf("%w: %s %s", ErrNotFound, t.cfg.TableName, key)
		}
		// Either the record is gone or an expectation failed.
		exists, xerr := t.Exists(ctx, key)
		if xerr != nil {
			return zero, xerr
		}
		if !exists {
			return zero, fmt.Errorf("%w: %s %s", ErrNotFound, t.cfg.TableName, key)
		}
		return zero, fmt.Errorf("%w: %s %s", ErrPreconditionFailed, t.cfg.TableName, key)
	}
	if err != nil {
		return zero, err
	}
	return t.decode(out.Attributes)
}

// expectations builds an equality condition for every expected field.
func (t *Table[T]) expectations(expected codec.Record) (expression.ConditionBuilder, error) {
	var cond expression.ConditionBuilder
	for i, name := range sortedNames(expected) {
		av, err := t.schema.EncodeValue(name, expected[name])
		if err != nil {
			return cond, err
		}
		eq := expression.Name(name).Equal(expression.Value(av))
		if i == 0 {
			cond = eq
		} else {
			cond = cond.And(eq)
		}
	}
	return cond, nil
}

func (t *Table[T]) decode(item map[string]types.AttributeValue) (T, error) {
	var zero T
	rec, err := t.schema.Decode(item)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", t.cfg.TableName, err)
	}
	key := t.keyOf(item)
	rec[t.cfg.PartitionAttr] = key.Partition
	if t.cfg.SortAttr != "" {
		rec[t.cfg.SortAttr] = key.Sort
	}
	v, err := t.mapper.FromRecord(rec)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", t.cfg.TableName, err)
	}
	return v, nil
}

func sortedNames(r codec.Record) []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
