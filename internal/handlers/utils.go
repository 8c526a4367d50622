package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ErrorResponse представляет структуру ответа с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// writeJSONResponse отправляет JSON ответ
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeErrorResponse отправляет ответ с ошибкой
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// statusForError переводит категорию ошибки ядра в HTTP статус
func statusForError(err error) int {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindExternalDependency:
		switch e.Reason {
		case apperr.ReasonDenied:
			if e.Collaborator == apperr.CollaboratorAuth {
				return http.StatusUnauthorized
			}
			return http.StatusForbidden
		case apperr.ReasonUnavailable:
			return http.StatusServiceUnavailable
		case apperr.ReasonTimeout:
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError отвечает ошибкой сервиса и считает ее в метриках.
// Инфраструктурные ошибки логируются и не раскрываются клиенту.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, operation string, err error) {
	status := statusForError(err)
	kind := string(apperr.KindOf(err))

	if kind == "" {
		metrics.OperationErrorsTotal.WithLabelValues(operation, "internal").Inc()
		log.WithError(err).WithField("operation", operation).Error("Operation failed")
		writeErrorResponse(w, status, "internal error")
		return
	}

	metrics.OperationErrorsTotal.WithLabelValues(operation, kind).Inc()
	log.WithError(err).WithField("operation", operation).Debug("Operation rejected")
	writeJSONResponse(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Kind:    kind,
		Reason:  string(apperr.ReasonOf(err)),
		Message: err.Error(),
	})
}

// decodeJSON читает тело запроса в dst
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathUUID извлекает UUID из переменной маршрута
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw, ok := mux.Vars(r)[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("missing %s in path", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}

// queryUUID читает необязательный UUID из query string
func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

// queryTime читает необязательное время в RFC3339
func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s, expected RFC3339", key)
	}
	return &t, nil
}

// queryFloat читает обязательное число с плавающей точкой
func queryFloat(r *http.Request, key string) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

// pagination читает limit и offset с ограничениями по умолчанию
func pagination(r *http.Request) (limit, offset int) {
	query := r.URL.Query()

	limit = defaultPageSize
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxPageSize {
			limit = l
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
