package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound возвращается Get, когда ключа нет в Redis
var ErrKeyNotFound = errors.New("key not found")

// Client представляет клиент Redis
type Client struct {
	client *redis.Client
	log    *logger.Logger
}

// Connect создает подключение к Redis
func Connect(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Successfully connected to Redis")
	return NewFromClient(rdb, log), nil
}

// NewFromClient оборачивает готовый go-redis клиент
func NewFromClient(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{client: rdb, log: log}
}

// GetClient возвращает нижележащий клиент для скриптов и пайплайнов
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Close закрывает подключение к Redis
func (c *Client) Close() error {
	return c.client.Close()
}

// Set сохраняет значение в JSON с TTL
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	c.log.WithField("key", key).Debug("Value set in Redis")
	return nil
}

// Get читает значение по ключу в dest
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}

	c.log.WithField("key", key).Debug("Value retrieved from Redis")
	return nil
}

// Delete удаляет ключи
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys %v: %w", keys, err)
	}

	c.log.WithField("keys", keys).Debug("Keys deleted from Redis")
	return nil
}

// Health проверяет состояние Redis
func (c *Client) Health(ctx context.Context) error {
	_, err := c.client.Ping(ctx).Result()
	return err
}

// GenerateKey генерирует ключ для кеша
func GenerateKey(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

// Префиксы ключей
const (
	KeyPrefixOrder      = "order"
	KeyPrefixCourier    = "courier"
	KeyPrefixRestaurant = "restaurant"
	KeyPrefixRateLimit  = "rate_limit"
)
