package handlers

import (
	"context"
	"net/http"
	"time"

	"food-dispatch/internal/database"
	"food-dispatch/internal/redis"
)

// HealthHandler представляет обработчик для проверки здоровья системы.
// Redis необязателен: без него кеш и rate limiting выключены.
type HealthHandler struct {
	db           *database.DB
	redisClient  *redis.Client
	kafkaEnabled bool
	startedAt    time.Time
}

// NewHealthHandler создает новый обработчик здоровья
func NewHealthHandler(db *database.DB, redisClient *redis.Client, kafkaEnabled bool) *HealthHandler {
	return &HealthHandler{
		db:           db,
		redisClient:  redisClient,
		kafkaEnabled: kafkaEnabled,
		startedAt:    time.Now(),
	}
}

// HealthResponse представляет ответ проверки здоровья
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Version  string            `json:"version"`
	Uptime   string            `json:"uptime"`
}

const serviceVersion = "1.0.0"

func (h *HealthHandler) checkRedis(ctx context.Context) (string, bool) {
	if h.redisClient == nil {
		return "disabled", true
	}
	if err := h.redisClient.Health(ctx); err != nil {
		return "unhealthy: " + err.Error(), false
	}
	return "healthy", true
}

// Health проверяет состояние всех компонентов системы
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	overallStatus := "healthy"

	if err := h.db.Health(); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	redisStatus, ok := h.checkRedis(ctx)
	services["redis"] = redisStatus
	if !ok {
		overallStatus = "unhealthy"
	}

	// брокер без клиента метаданных не проверяем, отражаем только режим
	if h.kafkaEnabled {
		services["events"] = "kafka"
	} else {
		services["events"] = "in-process"
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, HealthResponse{
		Status:   overallStatus,
		Services: services,
		Version:  serviceVersion,
		Uptime:   time.Since(h.startedAt).String(),
	})
}

// Readiness проверяет готовность приложения к обработке запросов
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Health(); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "Database not ready")
		return
	}

	if _, ok := h.checkRedis(ctx); !ok {
		writeErrorResponse(w, http.StatusServiceUnavailable, "Redis not ready")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Liveness проверяет, что приложение живо
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(h.startedAt).String(),
	})
}
