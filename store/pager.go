package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
)

// QueryOptions controls a query.
type QueryOptions struct {
	// Limit caps the number of items read per page. Zero means the
	// service default.
	Limit int32

	// Descending returns items in descending sort-key order. The ordering
	// is done by DynamoDB, never in memory.
	Descending bool

	// PageToken resumes a query from Pager.Token of an earlier pager built
	// with the same arguments.
	PageToken string

	// Match keeps only records whose declared fields equal these values.
	// It is applied as a filter, so skipped records still count against
	// Limit and a page may come back empty.
	Match codec.Record
}

// QueryByPrefix lists the records whose sort key starts with prefix, in
// sort-key order. An empty prefix lists the whole partition. On sharded
// tables the shards are read one after another.
func (t *Table[T]) QueryByPrefix(prefix string, opts QueryOptions) *Pager[T] {
	if t.cfg.SortAttr == "" {
		return t.failedPager(errors.New("prefix query on a table without sort key"))
	}

	match, hasMatch, err := t.matchCondition(opts)
	if err != nil {
		return t.failedPager(err)
	}

	partitions := t.keys.Partitions()
	inputs := make([]*dynamodb.QueryInput, 0, len(partitions))
	for _, pk := range partitions {
		kc := expression.Key(t.cfg.PartitionAttr).Equal(expression.Value(pk))
		if prefix != "" {
			kc = kc.And(expression.Key(t.cfg.SortAttr).BeginsWith(prefix))
		}
		b := expression.NewBuilder().WithKeyCondition(kc)
		if hasMatch {
			b = b.WithFilter(match)
		}
		expr, err := b.Build()
		if err != nil {
			return t.failedPager(err)
		}
		inputs = append(inputs, t.queryInput(expr, "", opts))
	}
	return t.newPager(inputs, keys.Key{Partition: t.cfg.Partition, Sort: prefix}, opts)
}

// QueryByKeyPrefix lists the records whose leading key parts are parts.
// The first part may itself contain the separator, so the records of a
// longer leading part such as "a_b" also match "a". Use Match on a field
// holding the leading part to exclude them.
func (t *Table[T]) QueryByKeyPrefix(opts QueryOptions, parts ...string) *Pager[T] {
	prefix, err := t.keys.Prefix(parts...)
	if err != nil {
		return t.failedPager(err)
	}
	return t.QueryByPrefix(prefix, opts)
}

// QueryContains lists the records whose sort key contains substr. The match
// is a filter, so every record of the partition is read.
func (t *Table[T]) QueryContains(substr string, opts QueryOptions) *Pager[T] {
	if t.cfg.SortAttr == "" {
		return t.failedPager(errors.New("contains query on a table without sort key"))
	}
	if substr == "" {
		return t.failedPager(errors.New("empty substring"))
	}

	match, hasMatch, err := t.matchCondition(opts)
	if err != nil {
		return t.failedPager(err)
	}

	partitions := t.keys.Partitions()
	inputs := make([]*dynamodb.QueryInput, 0, len(partitions))
	for _, pk := range partitions {
		filter := expression.Name(t.cfg.SortAttr).Contains(substr)
		if hasMatch {
			filter = filter.And(match)
		}
		expr, err := expression.NewBuilder().
			WithKeyCondition(expression.Key(t.cfg.PartitionAttr).Equal(expression.Value(pk))).
			WithFilter(filter).
			Build()
		if err != nil {
			return t.failedPager(err)
		}
		inputs = append(inputs, t.queryInput(expr, "", opts))
	}
	return t.newPager(inputs, keys.Key{Partition: t.cfg.Partition, Sort: "*" + substr + "*"}, opts)
}

// QueryByIndex lists the records whose index hash key equals value, in the
// index's sort order.
func (t *Table[T]) QueryByIndex(index, value string, opts QueryOptions) *Pager[T] {
	attr, ok := t.cfg.Indexes[index]
	if !ok {
		return t.failedPager(fmt.Errorf("unknown index %q", index))
	}
	if value == "" {
		return t.failedPager(errors.New("empty index value"))
	}

	match, hasMatch, err := t.matchCondition(opts)
	if err != nil {
		return t.failedPager(err)
	}
	b := expression.NewBuilder().WithKeyCondition(expression.Key(attr).Equal(expression.Value(value)))
	if hasMatch {
		b = b.WithFilter(match)
	}
	expr, err := b.Build()
	if err != nil {
		return t.failedPager(err)
	}
	input := t.queryInput(expr, index, opts)
	return t.newPager([]*dynamodb.QueryInput{input}, keys.Key{Partition: index + ":" + value}, opts)
}

// matchCondition builds the filter of opts.Match. ok is false without one.
func (t *Table[T]) matchCondition(opts QueryOptions) (cond expression.ConditionBuilder, ok bool, err error) {
	if len(opts.Match) == 0 {
		return cond, false, nil
	}
	cond, err = t.expectations(opts.Match)
	if err != nil {
		return cond, false, err
	}
	return cond, true, nil
}

func (t *Table[T]) queryInput(expr expression.Expression, index string, opts QueryOptions) *dynamodb.QueryInput {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.cfg.TableName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(!opts.Descending),
	}
	if index != "" {
		input.IndexName = aws.String(index)
	}
	if opts.Limit > 0 {
		input.Limit = aws.Int32(opts.Limit)
	}
	return input
}

// Pager iterates over query results one page at a time.
type Pager[T any] struct {
	table  *Table[T]
	client queryClient
	inputs []*dynamodb.QueryInput

	shard   int
	current *dynamodb.QueryPaginator
	lastKey map[string]types.AttributeValue
	err     error
	done    bool
}

func (t *Table[T]) failedPager(err error) *Pager[T] {
	return &Pager[T]{table: t, err: invalid(opQuery, err)}
}

func (t *Table[T]) newPager(inputs []*dynamodb.QueryInput, label keys.Key, opts QueryOptions) *Pager[T] {
	p := &Pager[T]{
		table:  t,
		client: queryClient{core: t.core, label: label},
		inputs: inputs,
	}
	if opts.PageToken != "" {
		tok, err := decodeToken(opts.PageToken)
		if err != nil || tok.Shard < 0 || tok.Shard >= len(inputs) {
			return t.failedPager(errors.New("invalid page token"))
		}
		p.shard = tok.Shard
		p.lastKey = tok.key()
		inputs[tok.Shard].ExclusiveStartKey = p.lastKey
	}
	return p
}

// HasMorePages reports whether NextPage may return more items.
func (p *Pager[T]) HasMorePages() bool {
	if p.err != nil {
		return true
	}
	return !p.done && p.shard < len(p.inputs)
}

// NextPage reads the next page. A page may be empty while more pages
// remain.
func (p *Pager[T]) NextPage(ctx context.Context) ([]T, error) {
	if p.err != nil {
		err := p.err
		p.err = nil
		p.done = true
		return nil, err
	}

	for !p.done && p.shard < len(p.inputs) {
		if p.current == nil {
			p.current = dynamodb.NewQueryPaginator(p.client, p.inputs[p.shard])
		}
		if !p.current.HasMorePages() {
			p.advance()
			continue
		}

		out, err := p.current.NextPage(ctx)
		if err != nil {
			p.done = true
			return nil, err
		}
		p.lastKey = out.LastEvaluatedKey
		if len(out.LastEvaluatedKey) == 0 {
			p.advance()
		}

		items := make([]T, 0, len(out.Items))
		for _, raw := range out.Items {
			v, err := p.table.decode(raw)
			if err != nil {
				p.done = true
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	}

	p.done = true
	return nil, nil
}

func (p *Pager[T]) advance() {
	p.shard++
	p.current = nil
	p.lastKey = nil
}

// Token returns an opaque token that resumes iteration after the last page
// read, or "" when nothing remains.
func (p *Pager[T]) Token() string {
	if !p.HasMorePages() || p.err != nil {
		return ""
	}
	return encodeToken(p.shard, p.lastKey)
}

// All drains the pager.
func (p *Pager[T]) All(ctx context.Context) ([]T, error) {
	var all []T
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
	return all, nil
}

// queryClient routes paginator calls through the table's retry, breaker,
// logging and metrics.
type queryClient struct {
	*core
	label keys.Key
}

func (c queryClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var out *dynamodb.QueryOutput
	err := c.do(ctx, opQuery, c.label, false, func(ctx context.Context) error {
		var err error
		out, err = c.api.Query(ctx, params, optFns...)
		return err
	})
	return out, err
}

type pageToken struct {
	Shard int                  `json:"s"`
	Key   map[string]tokenAttr `json:"k,omitempty"`
}

type tokenAttr struct {
	S *string `json:"S,omitempty"`
	N *string `json:"N,omitempty"`
}

func encodeToken(shard int, key map[string]types.AttributeValue) string {
	tok := pageToken{Shard: shard}
	if len(key) > 0 {
		tok.Key = make(map[string]tokenAttr, len(key))
		for name, av := range key {
			switch v := av.(type) {
			case *types.AttributeValueMemberS:
				tok.Key[name] = tokenAttr{S: aws.String(v.Value)}
			case *types.AttributeValueMemberN:
				tok.Key[name] = tokenAttr{N: aws.String(v.Value)}
			}
		}
	}
	b, _ := json.Marshal(tok)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeToken(s string) (pageToken, error) {
	var tok pageToken
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return tok, err
	}
	if err := json.Unmarshal(b, &tok); err != nil {
		return tok, err
	}
	for _, a := range tok.Key {
		if (a.S == nil) == (a.N == nil) {
			return tok, errors.New("page token attribute must be S or N")
		}
	}
	return tok, nil
}

func (tok pageToken) key() map[string]types.AttributeValue {
	if len(tok.Key) == 0 {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(tok.Key))
	for name, a := range tok.Key {
		if a.S != nil {
			out[name] = &types.AttributeValueMemberS{Value: *a.S}
		} else {
			out[name] = &types.AttributeValueMemberN{Value: *a.N}
		}
	}
	return out
}
