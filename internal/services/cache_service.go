package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/redis"
)

// CacheService управляет кешированием данных
type CacheService struct {
	redis     *redis.Client
	config    *config.CacheConfig
	logger    *logger.Logger
	hits      atomic.Uint64 // Количество попаданий в кеш
	misses    atomic.Uint64 // Количество промахов
	evictions atomic.Uint64 // Количество инвалидаций
}

// CacheMetrics представляет метрики кеширования
type CacheMetrics struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	TotalReqs uint64  `json:"total_requests"`
	HitRate   float64 `json:"hit_rate"`
	CacheSize int64   `json:"cache_size"`
}

// NewCacheService создает новый сервис кеширования. redis может быть nil: кеш тогда выключен.
func NewCacheService(redis *redis.Client, cfg *config.CacheConfig, log *logger.Logger) *CacheService {
	return &CacheService{
		redis:  redis,
		config: cfg,
		logger: log,
	}
}

func (s *CacheService) enabled() bool {
	return s != nil && s.redis != nil && s.config.Enabled
}

// Get получает данные из кеша и десериализует в target
func (s *CacheService) Get(ctx context.Context, key string, target interface{}) (bool, error) {
	if !s.enabled() {
		if s != nil {
			s.misses.Add(1)
		}
		return false, nil
	}

	err := s.redis.Get(ctx, key, target)
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotFound) {
			s.misses.Add(1)
			return false, nil
		}
		s.logger.WithError(err).WithField("key", key).Error("Failed to get from cache")
		return false, err
	}

	s.hits.Add(1)
	return true, nil
}

// Set сохраняет данные в кеш с TTL
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.enabled() {
		return nil
	}

	if err := s.redis.Set(ctx, key, value, ttl); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to set cache")
		return err
	}
	return nil
}

// Delete удаляет ключи из кеша (инвалидация)
func (s *CacheService) Delete(ctx context.Context, keys ...string) error {
	if !s.enabled() || len(keys) == 0 {
		return nil
	}

	pipe := s.redis.GetClient().Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("keys", keys).Error("Failed to delete from cache")
		return err
	}

	s.evictions.Add(uint64(len(keys)))
	return nil
}

// Invalidate удаляет ключи и только логирует ошибку. Кеш не должен ломать запись в БД.
func (s *CacheService) Invalidate(ctx context.Context, keys ...string) {
	_ = s.Delete(ctx, keys...)
}

// GetMetrics возвращает метрики кеширования
func (s *CacheService) GetMetrics(ctx context.Context) (*CacheMetrics, error) {
	hits := s.hits.Load()
	misses := s.misses.Load()
	totalReqs := hits + misses

	var hitRate float64
	if totalReqs > 0 {
		hitRate = float64(hits) / float64(totalReqs) * 100
	}

	var cacheSize int64
	if s.enabled() {
		size, err := s.redis.GetClient().DBSize(ctx).Result()
		if err != nil {
			s.logger.WithError(err).Error("Failed to get cache size")
		} else {
			cacheSize = size
		}
	}

	return &CacheMetrics{
		Hits:      hits,
		Misses:    misses,
		Evictions: s.evictions.Load(),
		TotalReqs: totalReqs,
		HitRate:   hitRate,
		CacheSize: cacheSize,
	}, nil
}

// GetDefaultTTL возвращает TTL по умолчанию
func (s *CacheService) GetDefaultTTL() time.Duration {
	return time.Duration(s.config.DefaultTTL) * time.Second
}

// GetHotDataTTL возвращает TTL для горячих данных
func (s *CacheService) GetHotDataTTL() time.Duration {
	return time.Duration(s.config.HotDataTTL) * time.Second
}

// BuildKey создает ключ для кеша с префиксом
func BuildKey(prefix string, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

// WarmupCache прогревает кеш при старте приложения.
// Принимает функции для загрузки данных из БД.
func (s *CacheService) WarmupCache(ctx context.Context, warmupFuncs map[string]func() (interface{}, error)) {
	if s == nil {
		return
	}
	if !s.enabled() {
		s.logger.Info("Cache warming skipped (cache disabled)")
		return
	}

	s.logger.Info("Starting cache warming...")
	successCount := 0

	for key, fetchFunc := range warmupFuncs {
		data, err := fetchFunc()
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Error("Failed to fetch data for cache warming")
			continue
		}

		if err := s.Set(ctx, key, data, s.GetHotDataTTL()); err != nil {
			continue
		}
		successCount++
	}

	s.logger.WithField("success", successCount).
		WithField("total", len(warmupFuncs)).
		Info("Cache warming completed")
}
