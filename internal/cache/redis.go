package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fraudguard/internal/ml"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	retry "github.com/sethvargo/go-retry"
)

// redisClient is the part of *redis.Client the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisOptions configures the shared cache backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	// Timeout bounds each cache round trip so a slow server cannot stall predictions.
	Timeout time.Duration
	// ConnectRetries is how many times a failed startup PING is retried.
	ConnectRetries uint64
}

// Redis is a cache shared between server instances. Values are JSON with a TTL.
type Redis struct {
	client  redisClient
	ttl     time.Duration
	timeout time.Duration
	rec     Recorder
	closer  func() error
}

// NewRedis connects to the server in opts and checks it with a PING. A failed ping is
// returned so the caller can fall back to another backend.
func NewRedis(ctx context.Context, opts RedisOptions, rec Recorder) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	b := retry.WithMaxRetries(opts.ConnectRetries, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			log.Debug().Err(err).Str("addr", opts.Addr).Msg("Redis ping failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis result cache")
	r := newRedis(client, opts.TTL, opts.Timeout, rec)
	r.closer = client.Close
	return r, nil
}

func newRedis(client redisClient, ttl, timeout time.Duration, rec Recorder) *Redis {
	return &Redis{client: client, ttl: ttl, timeout: timeout, rec: recorderOrNoop(rec)}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Get(ctx context.Context, key string) (ml.PredictionResult, bool) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.rec.Miss()
		return ml.PredictionResult{}, false
	}
	if err != nil {
		r.rec.Error()
		log.Warn().Err(err).Str("key", key).Msg("Redis cache read failed, bypassing cache")
		return ml.PredictionResult{}, false
	}

	var res ml.PredictionResult
	if err := json.Unmarshal(value, &res); err != nil {
		r.rec.Error()
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		return ml.PredictionResult{}, false
	}
	r.rec.Hit()
	return res, true
}

func (r *Redis) Set(ctx context.Context, key string, res ml.PredictionResult) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(res)
	if err != nil {
		r.rec.Error()
		log.Warn().Err(err).Msg("Failed to encode prediction for cache")
		return
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.rec.Error()
		log.Warn().Err(err).Str("key", key).Msg("Redis cache write failed")
	}
}

// Close releases the connection pool when the cache owns one.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
