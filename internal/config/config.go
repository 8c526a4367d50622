package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config представляет конфигурацию приложения
type Config struct {
	Server          ServerConfig          `json:"server"`
	Database        DatabaseConfig        `json:"database"`
	Redis           RedisConfig           `json:"redis"`
	Kafka           KafkaConfig           `json:"kafka"`
	Logger          LoggerConfig          `json:"logger"`
	Cache           CacheConfig           `json:"cache"`
	RateLimit       RateLimitConfig       `json:"rate_limit"`
	DeliveryPricing DeliveryPricingConfig `json:"delivery_pricing"`
	Auth            AuthConfig            `json:"auth"`
	Dispatch        DispatchConfig        `json:"dispatch"`
	Tracking        TrackingConfig        `json:"tracking"`
}

// CacheConfig представляет конфигурацию кеширования
type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	DefaultTTL int  `json:"default_ttl"`  // TTL для обычных данных (секунды)
	HotDataTTL int  `json:"hot_data_ttl"` // TTL для горячих данных (секунды)
}

// ServerConfig представляет конфигурацию HTTP сервера
type ServerConfig struct {
	Port         string `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
}

// DatabaseConfig представляет конфигурацию базы данных.
// Driver = "postgres" для продакшена, "sqlite3" для локального запуска.
type DatabaseConfig struct {
	Driver     string `json:"driver"`
	Host       string `json:"host"`
	Port       string `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	DBName     string `json:"db_name"`
	SSLMode    string `json:"ssl_mode"`
	SQLitePath string `json:"sqlite_path"`
}

// RedisConfig представляет конфигурацию Redis
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// KafkaConfig представляет конфигурацию Kafka
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	GroupID string   `json:"group_id"`
	Topics  Topics   `json:"topics"`
}

// Topics представляет список топиков Kafka
type Topics struct {
	Orders    string `json:"orders"`
	Couriers  string `json:"couriers"`
	Locations string `json:"locations"`
	Dispatch  string `json:"dispatch"`
	Settings  string `json:"settings"`
}

// LoggerConfig представляет конфигурацию логгера
type LoggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// RateLimitConfig представляет конфигурацию ограничения частоты запросов
type RateLimitConfig struct {
	Enabled     bool `json:"enabled"`
	DefaultRPM  int  `json:"default_rpm"`  // запросов в минуту
	VIPRPM      int  `json:"vip_rpm"`      // для администраторов
	BanDuration int  `json:"ban_duration"` // секунды
}

// DeliveryPricingConfig представляет параметры расчета стоимости доставки
type DeliveryPricingConfig struct {
	BasePrice  float64 `json:"base_price"`
	PricePerKm float64 `json:"price_per_km"`
	MinPrice   float64 `json:"min_price"`
	MaxPrice   float64 `json:"max_price"`
}

// AuthConfig представляет настройки проверки токенов
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"-"`
}

// DispatchConfig задает начальные значения системных переменных
// и период фоновой проверки офферов.
type DispatchConfig struct {
	MaxRestaurantSearchDistanceKm float64       `json:"max_restaurant_search_distance_km"`
	MaxCourierSearchDistanceKm    float64       `json:"max_courier_search_distance_km"`
	CourierTaskAvailabilityTime   time.Duration `json:"courier_task_availability_time"`
	LocationUpdateInterval        time.Duration `json:"location_update_interval"`
	TimeoutValue                  time.Duration `json:"timeout_value"`
	SweepInterval                 time.Duration `json:"sweep_interval"`
}

// TrackingConfig представляет параметры детектора неактивности курьера
type TrackingConfig struct {
	InactivityWindow       time.Duration `json:"inactivity_window"`
	SignificanceThresholdM float64       `json:"significance_threshold_m"`
	IdleSessionTTL         time.Duration `json:"idle_session_ttl"` // после этого сессия трекинга без измерений закрывается
}

// Load загружает конфигурацию из переменных окружения.
// Если рядом лежит .env, он подгружается заранее и не перекрывает уже заданные переменные.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 10),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "dispatch_user"),
			Password:   getEnv("DB_PASSWORD", "dispatch_pass"),
			DBName:     getEnv("DB_NAME", "food_dispatch"),
			SSLMode:    getEnv("DB_SSL_MODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "dispatch.db"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", true),
			Brokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			GroupID: getEnv("KAFKA_GROUP_ID", "dispatch-service"),
			Topics: Topics{
				Orders:    getEnv("KAFKA_TOPIC_ORDERS", "orders"),
				Couriers:  getEnv("KAFKA_TOPIC_COURIERS", "couriers"),
				Locations: getEnv("KAFKA_TOPIC_LOCATIONS", "locations"),
				Dispatch:  getEnv("KAFKA_TOPIC_DISPATCH", "dispatch"),
				Settings:  getEnv("KAFKA_TOPIC_SETTINGS", "settings"),
			},
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvAsInt("CACHE_DEFAULT_TTL", 300), // 5 минут
			HotDataTTL: getEnvAsInt("CACHE_HOT_DATA_TTL", 30),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvAsBool("RATE_LIMIT_ENABLED", true),
			DefaultRPM:  getEnvAsInt("RATE_LIMIT_DEFAULT_RPM", 120),
			VIPRPM:      getEnvAsInt("RATE_LIMIT_VIP_RPM", 600),
			BanDuration: getEnvAsInt("RATE_LIMIT_BAN_DURATION", 60),
		},
		DeliveryPricing: DeliveryPricingConfig{
			BasePrice:  getEnvAsFloat("DELIVERY_BASE_PRICE", 2.5),
			PricePerKm: getEnvAsFloat("DELIVERY_PRICE_PER_KM", 0.8),
			MinPrice:   getEnvAsFloat("DELIVERY_MIN_PRICE", 3),
			MaxPrice:   getEnvAsFloat("DELIVERY_MAX_PRICE", 25),
		},
		Auth: AuthConfig{
			Enabled:   getEnvAsBool("AUTH_ENABLED", true),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Dispatch: DispatchConfig{
			MaxRestaurantSearchDistanceKm: getEnvAsFloat("MAX_RESTAURANT_SEARCH_DISTANCE_KM", 50),
			MaxCourierSearchDistanceKm:    getEnvAsFloat("MAX_COURIER_SEARCH_DISTANCE_KM", 50),
			CourierTaskAvailabilityTime:   getEnvAsDuration("COURIER_TASK_AVAILABILITY_TIME", 2*time.Minute),
			LocationUpdateInterval:        getEnvAsDuration("LOCATION_UPDATE_INTERVAL", 10*time.Second),
			TimeoutValue:                  getEnvAsDuration("ORDER_TIMEOUT_VALUE", 5*time.Minute),
			SweepInterval:                 getEnvAsDuration("DISPATCH_SWEEP_INTERVAL", 15*time.Second),
		},
		Tracking: TrackingConfig{
			InactivityWindow:       getEnvAsDuration("COURIER_INACTIVITY_WINDOW", 10*time.Minute),
			SignificanceThresholdM: getEnvAsFloat("COURIER_SIGNIFICANCE_THRESHOLD_M", 50),
			IdleSessionTTL:         getEnvAsDuration("TRACKING_IDLE_SESSION_TTL", 15*time.Minute),
		},
	}
}

// getEnv получает значение переменной окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt получает значение переменной окружения как int с значением по умолчанию
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration понимает как "90s"/"5m", так и целое число секунд
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
