package edjab

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edjab/dbclient/config"
	"github.com/edjab/dbclient/store"
	"github.com/edjab/dbclient/token"
)

// Client gives access to every Edjab table.
type Client struct {
	cfg      config.Config
	logger   *zap.Logger
	validate *validator.Validate
	tokens   *token.Issuer
	now      func() time.Time
	newID    func() string

	users        *store.Table[userRecord]
	schools      *store.Table[School]
	reviews      *store.Table[Review]
	images       *store.Table[Media]
	videos       *store.Table[Media]
	follows      *store.Table[Edge]
	likes        *store.Table[Edge]
	attends      *store.Table[Edge]
	imageAccess  *store.Table[Access]
	videoAccess  *store.Table[Access]
	reviewAccess *store.Table[Access]
}

type settings struct {
	logger    *zap.Logger
	metrics   *store.Metrics
	storeOpts []store.Option
	now       func() time.Time
	newID     func() string
}

// Option configures a Client.
type Option func(*settings)

// WithLogger sets the logger used by the client and all of its tables.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records table operations.
func WithMetrics(m *store.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithStoreOptions adds table options applied after the ones derived from
// the configuration.
func WithStoreOptions(opts ...store.Option) Option {
	return func(s *settings) { s.storeOpts = append(s.storeOpts, opts...) }
}

// WithClock replaces time.Now for timestamps and token ages.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the random UUIDs given to uploaded content.
func WithIDGenerator(newID func() string) Option {
	return func(s *settings) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// New creates a Client over api. The configuration is validated first.
func New(api store.API, cfg config.Config, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("edjab: nil dynamodb client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := settings{
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&s)
	}

	issuer, err := token.NewIssuer([]byte(cfg.Tokens.Secret), token.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		logger:   s.logger,
		validate: validator.New(),
		tokens:   issuer,
		now:      s.now,
		newID:    s.newID,
	}

	tableOpts := storeOptions(cfg, s)
	sorted := func(table, sortAttr string, indexes map[string]string) store.Config {
		tc := store.DefaultConfig()
		tc.TableName = table
		tc.SortAttr = sortAttr
		tc.Partition = cfg.Partition
		tc.NumShards = cfg.NumShards
		tc.Indexes = indexes
		return tc
	}
	users := store.DefaultConfig()
	users.TableName = cfg.Tables.Users
	users.PartitionAttr = attrUserID

	t, ix := cfg.Tables, cfg.Indexes
	reviewAccess := sorted(t.UserToReview, reviewAccessKind.sortAttr, nil)
	reviewAccess.Separator = reviewAccessSeparator

	if c.users, err = store.New[userRecord](api, users, userMapper{}, tableOpts...); err != nil {
		return nil, err
	}
	if c.schools, err = store.New[School](api, sorted(t.Schools, attrSchoolID, nil), schoolMapper{}, tableOpts...); err != nil {
		return nil, err
	}
	if c.reviews, err = store.New[Review](api, sorted(t.Reviews, attrUserSchool, map[string]string{ix.ReviewsBySchool: attrSchoolID}), reviewMapper{}, tableOpts...); err != nil {
		return nil, err
	}
	if c.images, err = store.New[Media](api, sorted(t.Images, imageKind.idAttr, map[string]string{ix.ImagesBySchool: attrSchoolID}), mediaMapper{imageKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.videos, err = store.New[Media](api, sorted(t.Videos, videoKind.idAttr, map[string]string{ix.VideosBySchool: attrSchoolID}), mediaMapper{videoKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.follows, err = store.New[Edge](api, sorted(t.Follows, attrUserSchool, nil), edgeMapper{followKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.likes, err = store.New[Edge](api, sorted(t.Likes, attrUserSchool, nil), edgeMapper{likeKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.attends, err = store.New[Edge](api, sorted(t.Attends, attrUserSchool, nil), edgeMapper{attendKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.imageAccess, err = store.New[Access](api, sorted(t.UserToImage, imageAccessKind.sortAttr, nil), accessMapper{imageAccessKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.videoAccess, err = store.New[Access](api, sorted(t.UserToVideo, videoAccessKind.sortAttr, nil), accessMapper{videoAccessKind}, tableOpts...); err != nil {
		return nil, err
	}
	if c.reviewAccess, err = store.New[Access](api, reviewAccess, accessMapper{reviewAccessKind}, tableOpts...); err != nil {
		return nil, err
	}
	return c, nil
}

// storeOptions turns the shared settings into table options. Every table
// gets its own circuit breaker; the write limiter is shared.
func storeOptions(cfg config.Config, s settings) []store.Option {
	opts := []store.Option{
		store.WithLogger(s.logger),
		store.WithRetryPolicy(store.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      2,
		}),
	}
	if cfg.Breaker.Enabled {
		opts = append(opts, store.WithCircuitBreaker(store.BreakerSettings{
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			MinRequests:      cfg.Breaker.MinRequests,
		}))
	}
	if cfg.WriteRateLimit > 0 {
		burst := cfg.WriteBurst
		if burst < 1 {
			burst = int(cfg.WriteRateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		opts = append(opts, store.WithWriteLimiter(rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), burst)))
	}
	if s.metrics != nil {
		opts = append(opts, store.WithMetrics(s.metrics))
	}
	return append(opts, s.storeOpts...)
}

// check validates an input struct before any I/O.
func (c *Client) check(op string, in any) error {
	if err := c.validate.Struct(in); err != nil {
		return &store.ValidationError{Op: op, Err: err}
	}
	return nil
}

// checkVar validates a single argument.
func (c *Client) checkVar(op, name string, v any, tag string) error {
	if err := c.validate.Var(v, tag); err != nil {
		return &store.ValidationError{Op: op, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return nil
}

func (c *Client) timestamp() time.Time {
	return c.now().UTC()
}
