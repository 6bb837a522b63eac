// Package redisstore persists the credential pair in Redis. It exists
// for headless fleet deployments where several processes on one device
// identity share a session and the refresh must be visible to all of
// them. Use filestore for a single operator device.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/threesixty/tripsync-go/session/credstore"
)

// Config for the Redis-backed credential store. Defaults can be loaded
// via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TRIPSYNC_CRED_KEY_PREFIX
	KeyPrefix string `env:"TRIPSYNC_CRED_KEY_PREFIX,default=tripsync:cred:"`
	// DeviceID distinguishes credentials of different device identities
	// sharing one Redis. ENV: TRIPSYNC_DEVICE_ID
	DeviceID string `env:"TRIPSYNC_DEVICE_ID,default=default"`

	// Client overrides the connection built from RedisAddr. Useful for
	// tests and custom dial options.
	Client *redis.Client
}

// Store implements credstore.Store on a single Redis key.
type Store struct {
	client *redis.Client
	key    string
}

// New creates a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tripsync:cred:"
	}
	device := cfg.DeviceID
	if device == "" {
		device = "default"
	}
	return &Store{client: cl, key: prefix + device}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Load(ctx context.Context) (credstore.Credential, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return credstore.Credential{}, nil
		}
		return credstore.Credential{}, fmt.Errorf("redisstore: get: %w", err)
	}
	var cred credstore.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return credstore.Credential{}, fmt.Errorf("redisstore: decode: %w", err)
	}
	return cred, nil
}

func (s *Store) Save(ctx context.Context, cred credstore.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redisstore: del: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
