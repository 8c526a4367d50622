package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/redis"
)

// Lua скрипт для атомарной проверки и инкремента счетчика
const rateLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current and tonumber(current) >= limit then
    return {0, tonumber(current) + 1, limit}
end

current = redis.call('INCR', key)
if current == 1 then
    redis.call('EXPIRE', key, ttl)
end
return {1, current, limit}
`

const rateLimitWindowSeconds = 60

// RateLimiterService ограничивает частоту запросов по ключу вызывающей стороны
// (subject токена или IP). Окно фиксированное, 1 минута.
type RateLimiterService struct {
	redis  *redis.Client
	config *config.RateLimitConfig
	log    *logger.Logger
	now    func() time.Time
}

// RateLimitResult содержит результат проверки rate limit
type RateLimitResult struct {
	Allowed     bool      `json:"allowed"`
	Remaining   int       `json:"remaining"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"reset_at,omitempty"`
	BannedUntil time.Time `json:"banned_until,omitempty"`
	RetryAfter  int       `json:"retry_after,omitempty"`
}

// NewRateLimiterService создает сервис. redis может быть nil: тогда все запросы пропускаются.
func NewRateLimiterService(redis *redis.Client, cfg *config.RateLimitConfig, log *logger.Logger) *RateLimiterService {
	return &RateLimiterService{
		redis:  redis,
		config: cfg,
		log:    log,
		now:    time.Now,
	}
}

func (s *RateLimiterService) enabled() bool {
	return s.redis != nil && s.config.Enabled
}

func unlimited() *RateLimitResult {
	return &RateLimitResult{
		Allowed:   true,
		Remaining: math.MaxInt,
		Limit:     math.MaxInt,
	}
}

func (s *RateLimiterService) limitFor(isVIP bool) int {
	if isVIP {
		return s.config.VIPRPM
	}
	return s.config.DefaultRPM
}

func counterKey(subject string) string {
	return fmt.Sprintf("%s:counter:%s", redis.KeyPrefixRateLimit, subject)
}

func banKey(subject string) string {
	return fmt.Sprintf("%s:ban:%s", redis.KeyPrefixRateLimit, subject)
}

// banned возвращает результат для забаненного ключа или nil
func (s *RateLimiterService) banned(ctx context.Context, subject string, limit int) *RateLimitResult {
	client := s.redis.GetClient()
	ttl, err := client.TTL(ctx, banKey(subject)).Result()
	if err != nil || ttl <= 0 {
		return nil
	}
	return &RateLimitResult{
		Allowed:     false,
		Remaining:   0,
		Limit:       limit,
		BannedUntil: s.now().Add(ttl),
		RetryAfter:  int(math.Ceil(ttl.Seconds())),
	}
}

// CheckLimit учитывает запрос и сообщает, пропускать ли его
func (s *RateLimiterService) CheckLimit(ctx context.Context, subject string, isVIP bool) (*RateLimitResult, error) {
	if !s.enabled() {
		return unlimited(), nil
	}

	limit := s.limitFor(isVIP)
	if res := s.banned(ctx, subject, limit); res != nil {
		return res, nil
	}

	client := s.redis.GetClient()
	key := counterKey(subject)

	result, err := client.Eval(ctx, rateLimitLuaScript, []string{key}, limit, rateLimitWindowSeconds).Result()
	if err != nil {
		s.log.WithError(err).WithField("subject", subject).Error("Rate limit script failed")
		// fail-open
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit}, nil
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		s.log.WithField("subject", subject).WithField("result", result).Error("Unexpected rate limit script result")
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit}, nil
	}
	allowedFlag, _ := values[0].(int64)
	count, _ := values[1].(int64)

	if allowedFlag != 1 {
		ban := time.Duration(s.config.BanDuration) * time.Second
		if ban > 0 {
			if err := client.Set(ctx, banKey(subject), "1", ban).Err(); err != nil {
				s.log.WithError(err).WithField("subject", subject).Error("Failed to store rate limit ban")
			}
		}

		s.log.WithField("subject", subject).
			WithField("count", count).
			WithField("limit", limit).
			WithField("ban_duration", s.config.BanDuration).
			Warn("Rate limit exceeded")

		retry := s.config.BanDuration
		if retry <= 0 {
			retry = rateLimitWindowSeconds
		}
		return &RateLimitResult{
			Allowed:     false,
			Remaining:   0,
			Limit:       limit,
			BannedUntil: s.now().Add(ban),
			RetryAfter:  retry,
		}, nil
	}

	ttl, _ := client.TTL(ctx, key).Result()
	return &RateLimitResult{
		Allowed:   true,
		Remaining: limit - int(count),
		Limit:     limit,
		ResetAt:   s.now().Add(ttl),
	}, nil
}

// ResetLimit снимает счетчик и бан
func (s *RateLimiterService) ResetLimit(ctx context.Context, subject string) error {
	if !s.enabled() {
		return nil
	}

	pipe := s.redis.GetClient().Pipeline()
	pipe.Del(ctx, counterKey(subject))
	pipe.Del(ctx, banKey(subject))
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("subject", subject).Error("Failed to reset rate limit")
		return err
	}

	s.log.WithField("subject", subject).Info("Rate limit reset")
	return nil
}

// GetStatus возвращает текущий статус без изменения счетчика
func (s *RateLimiterService) GetStatus(ctx context.Context, subject string, isVIP bool) (*RateLimitResult, error) {
	if !s.enabled() {
		return unlimited(), nil
	}

	limit := s.limitFor(isVIP)
	if res := s.banned(ctx, subject, limit); res != nil {
		return res, nil
	}

	client := s.redis.GetClient()
	key := counterKey(subject)

	count, err := client.Get(ctx, key).Int()
	if err != nil {
		count = 0
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	var resetAt time.Time
	if ttl, err := client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		resetAt = s.now().Add(ttl)
	}

	return &RateLimitResult{
		Allowed:   count < limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   resetAt,
	}, nil
}
