package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/edjab/dbclient/keys"
)

// API is the subset of the DynamoDB client the store uses.
// *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Operation names used in logs and metrics.
const (
	opGet       = "get"
	opPut       = "put"
	opDelete    = "delete"
	opUpdate    = "update"
	opIncrement = "increment"
	opQuery     = "query"
)

// Outcome labels used in logs and metrics.
const (
	outcomeOK          = "ok"
	outcomeConditional = "conditional"
	outcomeRetryable   = "retryable"
	outcomePermanent   = "permanent"
)

type options struct {
	logger  *zap.Logger
	retry   RetryPolicy
	breaker *BreakerSettings
	limiter *rate.Limiter
	metrics *Metrics
}

// Option customizes a Table.
type Option func(*options)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithCircuitBreaker puts a circuit breaker in front of the table's calls.
func WithCircuitBreaker(s BreakerSettings) Option {
	return func(o *options) { o.breaker = &s }
}

// WithWriteLimiter throttles writes client-side. The limiter may be shared
// between tables.
func WithWriteLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithMetrics records operation counts and latencies.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// core holds everything a table needs that does not depend on its record type.
type core struct {
	api     API
	cfg     Config
	keys    keys.Builder
	opts    options
	breaker *gobreaker.CircuitBreaker
}

func newCore(api API, cfg Config, opts []Option) *core {
	o := options{
		logger: zap.NewNop(),
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &core{
		api:  api,
		cfg:  cfg,
		keys: cfg.keyBuilder(),
		opts: o,
	}
	if o.breaker != nil {
		logger := o.logger
		c.breaker = newBreaker(cfg.TableName, *o.breaker, func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("table", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
	}
	return c
}

// do runs one backend call with rate limiting, circuit breaking, retries,
// logging and metrics. Conditional check failures are returned unwrapped so
// callers can map them; every other failure comes back classified.
func (c *core) do(ctx context.Context, op string, key keys.Key, write bool, fn func(context.Context) error) error {
	start := time.Now()
	err := c.run(ctx, op, write, fn)
	c.record(op, key, time.Since(start), err)
	return err
}

func (c *core) run(ctx context.Context, op string, write bool, fn func(context.Context) error) error {
	table := c.cfg.TableName
	if write && c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return &RetryableStoreError{Op: op, Table: table, Err: err}
		}
	}

	attempt := func() error {
		err := c.call(ctx, fn)
		if err == nil {
			return nil
		}
		if isConditionalFailure(err) {
			return backoff.Permanent(err)
		}
		classified := classify(op, table, err)
		if IsRetryable(classified) && ctx.Err() == nil {
			return classified
		}
		return backoff.Permanent(classified)
	}

	err := backoff.Retry(attempt, c.opts.retry.backOff(ctx))
	if err == nil || isConditionalFailure(err) {
		return err
	}
	return classify(op, table, err)
}

func (c *core) call(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

func (c *core) record(op string, key keys.Key, latency time.Duration, err error) {
	outcome := outcomeOf(err)
	c.opts.metrics.observe(c.cfg.TableName, op, outcome, latency)

	level := zapcore.DebugLevel
	switch outcome {
	case outcomeConditional:
		level = zapcore.InfoLevel
	case outcomeRetryable:
		level = zapcore.WarnLevel
	case outcomePermanent:
		level = zapcore.ErrorLevel
	}
	if ce := c.opts.logger.Check(level, "dynamodb call"); ce != nil {
		fields := []zap.Field{
			zap.String("op", op),
			zap.String("table", c.cfg.TableName),
			zap.String("key", key.String()),
			zap.String("outcome", outcome),
			zap.Duration("latency", latency),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case isConditionalFailure(err):
		return outcomeConditional
	case IsRetryable(err):
		return outcomeRetryable
	default:
		return outcomePermanent
	}
}

func (c *core) keyItem(k keys.Key) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		c.cfg.PartitionAttr: &types.AttributeValueMemberS{Value: k.Partition},
	}
	if c.cfg.SortAttr != "" {
		item[c.cfg.SortAttr] = &types.AttributeValueMemberS{Value: k.Sort}
	}
	return item
}

func (c *core) checkKey(op string, k keys.Key) error {
	if k.Partition == "" {
		return invalid(op, errors.New("key has no partition value"))
	}
	if c.cfg.SortAttr != "" && k.Sort == "" {
		return invalid(op, errors.New("key has no sort value"))
	}
	return nil
}

// keyOf reads the key attributes back from a stored item.
func (c *core) keyOf(item map[string]types.AttributeValue) keys.Key {
	var k keys.Key
	if s, ok := item[c.cfg.PartitionAttr].(*types.AttributeValueMemberS); ok {
		k.Partition = s.Value
	}
	if c.cfg.SortAttr != "" {
		if s, ok := item[c.cfg.SortAttr].(*types.AttributeValueMemberS); ok {
			k.Sort = s.Value
		}
	}
	return k
}
