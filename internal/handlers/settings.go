package handlers

import (
	"net/http"

	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/services"
)

// SettingsHandler читает и меняет системные переменные
type SettingsHandler struct {
	settings *services.SettingsService
	log      *logger.Logger
}

// NewSettingsHandler создает обработчик настроек
func NewSettingsHandler(settings *services.SettingsService, log *logger.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, log: log}
}

// Get возвращает действующие настройки
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.settings.Current())
}

// Update применяет частичное изменение настроек
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := h.settings.Update(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.log, "settings.update", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, settings)
}
