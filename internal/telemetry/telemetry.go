// Package telemetry publishes gimbal positions to Redis so other
// processes can follow the mount without touching the serial bus.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shaunagostinho/stepbus/internal/gimbal"
)

// Config holds Redis connection and channel settings.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
	// Key holds the latest message, expiring after TTLSeconds.
	Key        string `yaml:"key" json:"key"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttlSeconds"`
}

func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		Channel:    "stepbus:position",
		Key:        "stepbus:position:latest",
		TTLSeconds: 10,
	}
}

// Client is the subset of *redis.Client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Message is the JSON document published for every position.
type Message struct {
	Session  string         `json:"session"`
	Time     time.Time      `json:"ts"`
	Position gimbal.Angles  `json:"position"`
	Target   *gimbal.Angles `json:"target,omitempty"`
}

// Publisher sends positions to a Redis channel and mirrors the latest
// one under a key.
type Publisher struct {
	client  Client
	cfg     Config
	session string
	log     *zap.Logger
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return New(rdb, cfg, log), nil
}

// New wraps an existing client.
func New(client Client, cfg Config, log *zap.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		cfg:     cfg,
		session: uuid.NewString(),
		log:     log.Named("telemetry"),
	}
}

func (p *Publisher) Session() string { return p.session }

// Publish sends pos, and target if one is in force. Failing to store the
// latest key is logged but does not fail the publish.
func (p *Publisher) Publish(ctx context.Context, pos gimbal.Angles, target *gimbal.Angles) error {
	msg := Message{
		Session:  p.session,
		Time:     time.Now().UTC(),
		Position: pos,
		Target:   target,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	if err := p.client.Publish(ctx, p.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.cfg.Channel, err)
	}

	if p.cfg.Key != "" {
		ttl := time.Duration(p.cfg.TTLSeconds) * time.Second
		if err := p.client.Set(ctx, p.cfg.Key, data, ttl).Err(); err != nil {
			p.log.Warn("store latest failed", zap.String("key", p.cfg.Key), zap.Error(err))
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
