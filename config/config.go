// Package config loads the settings shared by every edjab table client:
// AWS access, table and index names, the partition value, retry and
// throttling behavior, token secrets and logging.
//
// Settings come from Default, then an optional YAML file, then EDJAB_*
// environment variables, and are validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full client configuration.
type Config struct {
	AWS AWS `yaml:"aws"`

	// Partition is the hash key value every sharded table writes under.
	Partition string `yaml:"partition" validate:"required"`
	// NumShards spreads each table's partition over this many suffixed
	// values. 1 keeps the single fixed partition.
	NumShards int `yaml:"numShards" validate:"min=1,max=256"`

	Tables  Tables  `yaml:"tables"`
	Indexes Indexes `yaml:"indexes"`

	Retry   Retry   `yaml:"retry"`
	Breaker Breaker `yaml:"breaker"`
	// WriteRateLimit caps writes per second across all tables. 0 disables it.
	WriteRateLimit float64 `yaml:"writeRateLimit" validate:"gte=0"`
	WriteBurst     int     `yaml:"writeBurst" validate:"gte=0"`

	Tokens  Tokens  `yaml:"tokens"`
	Logging Logging `yaml:"logging"`
}

// AWS selects the region, endpoint and credentials.
type AWS struct {
	Region string `yaml:"region" validate:"required"`
	// Endpoint overrides the DynamoDB endpoint, e.g. DynamoDB Local.
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"accessKeyId" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secretAccessKey" validate:"required_with=AccessKeyID"`
	SessionToken    string `yaml:"sessionToken"`
}

// Tables names the backing DynamoDB tables.
type Tables struct {
	Users        string `yaml:"users" validate:"required"`
	Schools      string `yaml:"schools" validate:"required"`
	Reviews      string `yaml:"reviews" validate:"required"`
	Images       string `yaml:"images" validate:"required"`
	Videos       string `yaml:"videos" validate:"required"`
	Follows      string `yaml:"follows" validate:"required"`
	Likes        string `yaml:"likes" validate:"required"`
	Attends      string `yaml:"attends" validate:"required"`
	UserToImage  string `yaml:"userToImage" validate:"required"`
	UserToVideo  string `yaml:"userToVideo" validate:"required"`
	UserToReview string `yaml:"userToReview" validate:"required"`
}

// Indexes names the most-helpful-first secondary indexes.
type Indexes struct {
	ReviewsBySchool string `yaml:"reviewsBySchool" validate:"required"`
	ImagesBySchool  string `yaml:"imagesBySchool" validate:"required"`
	VideosBySchool  string `yaml:"videosBySchool" validate:"required"`
}

// Retry bounds the exponential backoff applied to retryable failures.
type Retry struct {
	MaxAttempts     int           `yaml:"maxAttempts" validate:"min=1,max=20"`
	InitialInterval time.Duration `yaml:"initialInterval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"maxInterval" validate:"gte=0"`
}

// Breaker configures the optional circuit breaker.
type Breaker struct {
	Enabled          bool          `yaml:"enabled"`
	MaxRequests      uint32        `yaml:"maxRequests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failureThreshold" validate:"gt=0,lte=1"`
	MinRequests      uint32        `yaml:"minRequests"`
}

// Tokens configures registration and password-reset tokens.
type Tokens struct {
	// Secret keys the token hashes. It has no default.
	Secret              string        `yaml:"secret" validate:"required,min=16"`
	RegistrationMaxAge  time.Duration `yaml:"registrationMaxAge" validate:"gte=0"`
	PasswordResetMaxAge time.Duration `yaml:"passwordResetMaxAge" validate:"gt=0"`
}

// Logging selects the zap logger.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the production layout: the original table names, one
// fixed partition per table and a 24 hour password-reset window.
func Default() Config {
	return Config{
		AWS:       AWS{Region: "ap-south-1"},
		Partition: "INDIA",
		NumShards: 1,
		Tables: Tables{
			Users:        "UserProfileEdjabProd",
			Schools:      "SchoolProfileEdjabProd",
			Reviews:      "ReviewEdjabProd",
			Images:       "ImageEdjabProd",
			Videos:       "VideoEdjabProd",
			Follows:      "FollowEdjabProd",
			Likes:        "LikeEdjabProd",
			Attends:      "AttendEdjabProd",
			UserToImage:  "UserToImageEdjabProd",
			UserToVideo:  "UserToVideoEdjabProd",
			UserToReview: "UserToReviewEdjabProd",
		},
		Indexes: Indexes{
			ReviewsBySchool: "MostHelpfulReviewsBySchoolEdjabProd",
			ImagesBySchool:  "MostHelpfulImagesBySchoolEdjabProd",
			VideosBySchool:  "MostHelpfulVideosBySchoolEdjabProd",
		},
		Retry: Retry{
			MaxAttempts:     3,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
		},
		Breaker: Breaker{
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
		Tokens: Tokens{
			RegistrationMaxAge:  7 * 24 * time.Hour,
			PasswordResetMaxAge: 24 * time.Hour,
		},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Load builds a Config from Default, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default without reading the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field constraint and reports all failures at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", e.Namespace(), e.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("EDJAB_AWS_REGION", &c.AWS.Region)
	str("EDJAB_AWS_ENDPOINT", &c.AWS.Endpoint)
	str("EDJAB_AWS_PROFILE", &c.AWS.Profile)
	str("EDJAB_PARTITION", &c.Partition)
	str("EDJAB_TOKEN_SECRET", &c.Tokens.Secret)
	str("EDJAB_LOG_LEVEL", &c.Logging.Level)
	str("EDJAB_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("EDJAB_NUM_SHARDS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EDJAB_NUM_SHARDS: %w", err)
		}
		c.NumShards = n
	}
	if v, ok := lookup("EDJAB_WRITE_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EDJAB_WRITE_RATE_LIMIT: %w", err)
		}
		c.WriteRateLimit = f
	}
	if v, ok := lookup("EDJAB_BREAKER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EDJAB_BREAKER_ENABLED: %w", err)
		}
		c.Breaker.Enabled = b
	}
	return nil
}
