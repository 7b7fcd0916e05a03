package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsReaperLookbackDefault(t *testing.T) {
	cfg := &Config{
		RedisAddr:      "localhost:6379",
		ConnectionTTL:  10 * time.Second,
		ReaperInterval: time.Second,
		MaxBatchSize:   1,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20*time.Second, cfg.ReaperLookback)
}

func TestValidateKeepsExplicitReaperLookback(t *testing.T) {
	cfg := &Config{
		RedisAddr:      "localhost:6379",
		ConnectionTTL:  10 * time.Second,
		ReaperInterval: time.Second,
		ReaperLookback: 5 * time.Minute,
		MaxBatchSize:   1,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.ReaperLookback)
}

func TestValidateRejectsMissingRedisAddr(t *testing.T) {
	cfg := &Config{ConnectionTTL: time.Second, ReaperInterval: time.Second, MaxBatchSize: 1}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTTL(t *testing.T) {
	cfg := &Config{RedisAddr: "localhost:6379", ConnectionTTL: 0, ReaperInterval: time.Second, MaxBatchSize: 1}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroMaxBatchSize(t *testing.T) {
	cfg := &Config{RedisAddr: "localhost:6379", ConnectionTTL: time.Second, ReaperInterval: time.Second, MaxBatchSize: 0}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	cfg := &Config{
		RedisAddr: "localhost:6379", ConnectionTTL: time.Second, ReaperInterval: time.Second,
		MaxBatchSize: 1, MaxRetries: -1,
	}
	assert.Error(t, cfg.Validate())
}
