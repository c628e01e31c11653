// Package ddbtest provides an in-memory DynamoDB for tests.
//
// It understands the condition, key-condition, filter, projection and
// update expressions produced by the expression builder, secondary index
// queries, Limit/ExclusiveStartKey pagination and error injection. It does
// not model capacity, transactions or item size limits.
package ddbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Operation names accepted by Fail, Hook and Calls.
const (
	OpGetItem    = "GetItem"
	OpPutItem    = "PutItem"
	OpDeleteItem = "DeleteItem"
	OpUpdateItem = "UpdateItem"
	OpQuery      = "Query"
)

// Table declares a table of the fake.
type Table struct {
	Name          string
	PartitionAttr string
	SortAttr      string
	Indexes       map[string]Index
}

// Index declares a global secondary index.
type Index struct {
	PartitionAttr string
	SortAttr      string
}

type table struct {
	Table
	items map[string]Item
}

// DB is an in-memory DynamoDB. It is safe for concurrent use.
type DB struct {
	mu     sync.Mutex
	tables map[string]*table
	errs   map[string][]error
	hooks  map[string]func()
	calls  map[string]int
}

// New creates a DB with the given tables.
func New(tables ...Table) *DB {
	db := &DB{
		tables: make(map[string]*table),
		errs:   make(map[string][]error),
		hooks:  make(map[string]func()),
		calls:  make(map[string]int),
	}
	for _, t := range tables {
		db.tables[t.Name] = &table{Table: t, items: make(map[string]Item)}
	}
	return db
}

// Fail makes the next calls of op return errs, one per call.
func (db *DB) Fail(op string, errs ...error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.errs[op] = append(db.errs[op], errs...)
}

// Hook runs fn before every call of op, outside the lock, so fn may use
// the DB. Pass nil to remove it.
func (db *DB) Hook(op string, fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if fn == nil {
		delete(db.hooks, op)
		return
	}
	db.hooks[op] = fn
}

// Calls returns how many times op was called, failed calls included.
func (db *DB) Calls(op string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[op]
}

// TotalCalls returns the number of calls of every operation.
func (db *DB) TotalCalls() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, c := range db.calls {
		n += c
	}
	return n
}

// Seed stores item as is, bypassing validation.
func (db *DB) Seed(tableName string, item Item) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.tables[tableName]
	t.items[t.id(item)] = copyItem(item)
}

// Items returns copies of every item of a table, in key order.
func (db *DB) Items(tableName string) []Item {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.tables[tableName]
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyItem(t.items[id]))
	}
	return out
}

// Lookup returns a copy of the item stored under the given key values.
func (db *DB) Lookup(tableName, partition, sortKey string) (Item, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.tables[tableName]
	item, ok := t.items[partition+"\x00"+sortKey]
	return copyItem(item), ok
}

// begin counts the call, runs its hook and pops an injected error.
func (db *DB) begin(op string) error {
	db.mu.Lock()
	db.calls[op]++
	hook := db.hooks[op]
	db.mu.Unlock()

	if hook != nil {
		hook()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if q := db.errs[op]; len(q) > 0 {
		db.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (db *DB) table(name *string) (*table, error) {
	t, ok := db.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + aws.ToString(name) + " not found")}
	}
	return t, nil
}

func (t *table) id(item Item) string {
	return attrString(item[t.PartitionAttr]) + "\x00" + attrString(item[t.SortAttr])
}

func (t *table) keyOf(item Item) Item {
	k := Item{t.PartitionAttr: copyValue(item[t.PartitionAttr])}
	if t.SortAttr != "" {
		k[t.SortAttr] = copyValue(item[t.SortAttr])
	}
	return k
}

func (t *table) checkKey(key Item) error {
	want := 1
	if t.SortAttr != "" {
		want = 2
	}
	if len(key) != want {
		return validation("The provided key element does not match the schema")
	}
	for _, attr := range []string{t.PartitionAttr, t.SortAttr} {
		if attr == "" {
			continue
		}
		s, ok := key[attr].(*types.AttributeValueMemberS)
		if !ok || s.Value == "" {
			return validation("The provided key element does not match the schema")
		}
	}
	return nil
}

func attrString(av types.AttributeValue) string {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return x.Value
	case *types.AttributeValueMemberN:
		return x.Value
	}
	return ""
}

func validation(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg, Fault: smithy.FaultClient}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func checkCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item Item) error {
	if expr == nil {
		return nil
	}
	cond, err := parseCondition(*expr, names, values)
	if err != nil {
		return validation("Invalid ConditionExpression: " + err.Error())
	}
	if item == nil {
		item = Item{}
	}
	if !cond(item) {
		return conditionFailed()
	}
	return nil
}

// GetItem implements store.API.
func (db *DB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := db.begin(OpGetItem); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if err := t.checkKey(in.Key); err != nil {
		return nil, err
	}
	item, ok := t.items[t.id(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	out := copyItem(item)
	if in.ProjectionExpression != nil {
		attrs, err := parseProjection(*in.ProjectionExpression, in.ExpressionAttributeNames)
		if err != nil {
			return nil, validation("Invalid ProjectionExpression: " + err.Error())
		}
		projected := make(Item, len(attrs))
		for _, a := range attrs {
			if v, ok := out[a]; ok {
				projected[a] = v
			}
		}
		out = projected
	}
	return &dynamodb.GetItemOutput{Item: out}, nil
}

// PutItem implements store.API.
func (db *DB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := db.begin(OpPutItem); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if err := t.checkKey(t.keyOf(in.Item)); err != nil {
		return nil, err
	}
	id := t.id(in.Item)
	old := t.items[id]
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old); err != nil {
		return nil, err
	}
	t.items[id] = copyItem(in.Item)

	out := &dynamodb.PutItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// DeleteItem implements store.API.
func (db *DB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := db.begin(OpDeleteItem); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if err := t.checkKey(in.Key); err != nil {
		return nil, err
	}
	id := t.id(in.Key)
	old := t.items[id]
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old); err != nil {
		return nil, err
	}
	delete(t.items, id)

	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// UpdateItem implements store.API.
func (db *DB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if err := db.begin(OpUpdateItem); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if err := t.checkKey(in.Key); err != nil {
		return nil, err
	}
	id := t.id(in.Key)
	old := t.items[id]
	if err := checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old); err != nil {
		return nil, err
	}
	if in.UpdateExpression == nil {
		return nil, validation("UpdateExpression is required")
	}
	actions, err := parseUpdate(*in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, validation("Invalid UpdateExpression: " + err.Error())
	}

	snapshot := copyItem(old)
	if snapshot == nil {
		snapshot = copyItem(in.Key)
	}
	updated := copyItem(snapshot)
	for _, a := range actions {
		if err := a(updated, snapshot); err != nil {
			return nil, validation(err.Error())
		}
	}
	for attr := range in.Key {
		if !equal(updated[attr], in.Key[attr]) {
			return nil, validation("Cannot update attribute " + attr + ". This attribute is part of the key")
		}
	}
	t.items[id] = updated

	out := &dynamodb.UpdateItemOutput{}
	switch in.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = copyItem(updated)
	case types.ReturnValueAllOld:
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// Query implements store.API.
func (db *DB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := db.begin(OpQuery); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, validation("KeyConditionExpression is required")
	}
	keyCond, err := parseCondition(*in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, validation("Invalid KeyConditionExpression: " + err.Error())
	}
	filter := func(Item) bool { return true }
	if in.FilterExpression != nil {
		filter, err = parseCondition(*in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, validation("Invalid FilterExpression: " + err.Error())
		}
	}

	// order is the tuple items are sorted by: index keys, then table keys.
	order := []string{t.SortAttr, t.PartitionAttr}
	var required []string
	if in.IndexName != nil {
		idx, ok := t.Indexes[*in.IndexName]
		if !ok {
			return nil, validation("The table does not have the specified index: " + *in.IndexName)
		}
		order = []string{idx.SortAttr, t.PartitionAttr, t.SortAttr}
		required = []string{idx.PartitionAttr}
		if idx.SortAttr != "" {
			required = append(required, idx.SortAttr)
		}
	}

	var matched []Item
	for _, item := range t.items {
		if !hasAll(item, required) || !keyCond(item) {
			continue
		}
		matched = append(matched, item)
	}
	less := func(a, b Item) bool { return tupleCompare(a, b, order) < 0 }
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	if !forward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		start = len(matched)
		for i, item := range matched {
			c := tupleCompare(item, in.ExclusiveStartKey, order)
			if (forward && c > 0) || (!forward && c < 0) {
				start = i
				break
			}
		}
	}
	end := len(matched)
	if in.Limit != nil && *in.Limit > 0 && start+int(*in.Limit) < end {
		end = start + int(*in.Limit)
	}

	out := &dynamodb.QueryOutput{}
	for _, item := range matched[start:end] {
		out.ScannedCount++
		if filter(item) {
			out.Items = append(out.Items, copyItem(item))
			out.Count++
		}
	}
	if end < len(matched) && end > start {
		last := matched[end-1]
		lek := t.keyOf(last)
		for _, attr := range order {
			if attr != "" {
				if v, ok := last[attr]; ok {
					lek[attr] = copyValue(v)
				}
			}
		}
		out.LastEvaluatedKey = lek
	}
	return out, nil
}

func hasAll(item Item, attrs []string) bool {
	for _, a := range attrs {
		if _, ok := item[a]; !ok {
			return false
		}
	}
	return true
}

func tupleCompare(a, b Item, attrs []string) int {
	for _, attr := range attrs {
		if attr == "" {
			continue
		}
		av, bv := a[attr], b[attr]
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil:
			return -1
		case bv == nil:
			return 1
		}
		if c, ok := compare(av, bv); ok && c != 0 {
			return c
		}
	}
	return 0
}

// String describes the DB for test failure messages.
func (db *DB) String() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fmt.Sprintf("ddbtest.DB{%d tables}", len(db.tables))
}
