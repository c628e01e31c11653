package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const testSecret = "0123456789abcdef0123"

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "INDIA", cfg.Partition)
	assert.Equal(t, 1, cfg.NumShards)
	assert.Equal(t, "UserProfileEdjabProd", cfg.Tables.Users)
	assert.Equal(t, "MostHelpfulReviewsBySchoolEdjabProd", cfg.Indexes.ReviewsBySchool)
	assert.Equal(t, 24*time.Hour, cfg.Tokens.PasswordResetMaxAge)

	// The token secret has no default.
	assert.ErrorContains(t, cfg.Validate(), "Secret")
	cfg.Tokens.Secret = testSecret
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
aws:
  region: us-east-1
  endpoint: http://localhost:8000
partition: TEST
numShards: 8
tables:
  users: Users
retry:
  maxAttempts: 5
  initialInterval: 10ms
tokens:
  secret: ` + testSecret + `
  passwordResetMaxAge: 2h
logging:
  level: debug
  format: console
`))
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, "http://localhost:8000", cfg.AWS.Endpoint)
	assert.Equal(t, "TEST", cfg.Partition)
	assert.Equal(t, 8, cfg.NumShards)
	assert.Equal(t, "Users", cfg.Tables.Users)
	assert.Equal(t, "SchoolProfileEdjabProd", cfg.Tables.Schools, "unset fields keep their defaults")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 2*time.Hour, cfg.Tokens.PasswordResetMaxAge)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "partition: [", "parse config"},
		{"shards out of range", "numShards: 1000\ntokens: {secret: " + testSecret + "}", "NumShards"},
		{"empty partition", "partition: ''\ntokens: {secret: " + testSecret + "}", "Partition"},
		{"short secret", "tokens: {secret: abc}", "Secret"},
		{"bad level", "logging: {level: loud}\ntokens: {secret: " + testSecret + "}", "Level"},
		{"bad endpoint", "aws: {endpoint: 'not a url'}\ntokens: {secret: " + testSecret + "}", "Endpoint"},
		{"half credentials", "aws: {accessKeyId: AKIA}\ntokens: {secret: " + testSecret + "}", "SecretAccessKey"},
		{"zero threshold", "breaker: {failureThreshold: 0}\ntokens: {secret: " + testSecret + "}", "FailureThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edjab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("partition: FILE\nnumShards: 2\n"), 0o600))

	t.Setenv("EDJAB_TOKEN_SECRET", testSecret)
	t.Setenv("EDJAB_PARTITION", "ENV")
	t.Setenv("EDJAB_WRITE_RATE_LIMIT", "25.5")
	t.Setenv("EDJAB_BREAKER_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ENV", cfg.Partition, "environment wins over the file")
	assert.Equal(t, 2, cfg.NumShards)
	assert.Equal(t, 25.5, cfg.WriteRateLimit)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, testSecret, cfg.Tokens.Secret)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	t.Setenv("EDJAB_TOKEN_SECRET", testSecret)
	t.Setenv("EDJAB_NUM_SHARDS", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "EDJAB_NUM_SHARDS")
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = NewLogger(Logging{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(Logging{Level: "loud"})
	assert.Error(t, err)
}

func TestNewDynamoDBClient(t *testing.T) {
	client, err := NewDynamoDBClient(context.Background(), AWS{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:8000",
		AccessKeyID:     "local",
		SecretAccessKey: "local",
	})
	require.NoError(t, err)

	opts := client.Options()
	assert.Equal(t, "us-east-1", opts.Region)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://localhost:8000", *opts.BaseEndpoint)

	creds, err := opts.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", creds.AccessKeyID)
}
