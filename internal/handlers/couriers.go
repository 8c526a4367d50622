package handlers

import (
	"errors"
	"net/http"
	"strings"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/auth"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/services"

	"github.com/google/uuid"
)

// CourierHandler представляет обработчик курьеров
type CourierHandler struct {
	couriers *services.CourierService
	tracker  *services.LocationTracker
	orders   *services.OrderService
	engine   *services.DispatchEngine
	log      *logger.Logger
}

// NewCourierHandler создает новый обработчик курьеров
func NewCourierHandler(couriers *services.CourierService, tracker *services.LocationTracker, orders *services.OrderService,
	engine *services.DispatchEngine, log *logger.Logger) *CourierHandler {
	return &CourierHandler{
		couriers: couriers,
		tracker:  tracker,
		orders:   orders,
		engine:   engine,
		log:      log,
	}
}

// ensureCourierSelf запрещает курьеру действовать от имени другого курьера.
// Личность сопоставляется с записью курьера по email.
func ensureCourierSelf(r *http.Request, couriers *services.CourierService, courierID uuid.UUID) error {
	const op = "couriers.authorize"

	identity, ok := auth.FromContext(r.Context())
	if !ok || identity.Role != models.RoleCourier {
		return nil
	}
	courier, err := couriers.GetCourier(r.Context(), courierID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(courier.Email, identity.Email) {
		return apperr.External(op, "", apperr.ReasonDenied, errors.New("couriers may only act on their own record"))
	}
	return nil
}

// pathCourier читает {id} и проверяет право вызывающего действовать за этого курьера
func (h *CourierHandler) pathCourier(w http.ResponseWriter, r *http.Request, operation string) (uuid.UUID, bool) {
	courierID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, false
	}
	if err := ensureCourierSelf(r, h.couriers, courierID); err != nil {
		writeServiceError(w, h.log, operation, err)
		return uuid.Nil, false
	}
	return courierID, true
}

// Register находит курьера по email из токена или создает при первом входе.
// При выключенной аутентификации личность берется из тела запроса.
func (h *CourierHandler) Register(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		var req models.RegisterCourierRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		identity = &models.Identity{
			Subject:     req.Email,
			Name:        req.Name,
			Email:       req.Email,
			PhoneNumber: req.PhoneNumber,
			Role:        models.RoleCourier,
		}
	}

	courier, created, err := h.couriers.RegisterOrFind(r.Context(), identity)
	if err != nil {
		writeServiceError(w, h.log, "couriers.register", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.WithField("courier_id", courier.ID).Info("Courier registered")
	}
	writeJSONResponse(w, status, courier)
}

// GetCourier получает курьера по ID
func (h *CourierHandler) GetCourier(w http.ResponseWriter, r *http.Request) {
	courierID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	courier, err := h.couriers.GetCourier(r.Context(), courierID)
	if err != nil {
		writeServiceError(w, h.log, "couriers.get", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, courier)
}

// GetCouriers возвращает список курьеров с фильтрацией по статусу
func (h *CourierHandler) GetCouriers(w http.ResponseWriter, r *http.Request) {
	var filter models.CourierFilter
	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := models.CourierStatus(statusStr)
		if !status.Valid() {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid status")
			return
		}
		filter.Status = &status
	}
	filter.Limit, filter.Offset = pagination(r)

	couriers, err := h.couriers.ListCouriers(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, "couriers.list", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, couriers)
}

// UpdateStatus меняет статус GPS-связи курьера
func (h *CourierHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.status")
	if !ok {
		return
	}

	var req models.UpdateCourierStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	courier, err := h.couriers.SetStatus(r.Context(), courierID, req.Status)
	if err != nil {
		writeServiceError(w, h.log, "couriers.status", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, courier)
}

// UpdateMovementFlag меняет флаг движения курьера
func (h *CourierHandler) UpdateMovementFlag(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.movement")
	if !ok {
		return
	}

	var req models.UpdateMovementFlagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	courier, err := h.couriers.SetMovementFlag(r.Context(), courierID, req.MovementFlag)
	if err != nil {
		writeServiceError(w, h.log, "couriers.movement", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, courier)
}

// SubmitLocation принимает измерение позиции в сессию отслеживания
func (h *CourierHandler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.location")
	if !ok {
		return
	}

	var sample models.LocationSample
	if err := decodeJSON(r, &sample); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted, err := h.tracker.Submit(r.Context(), courierID, sample)
	if err != nil {
		writeServiceError(w, h.log, "couriers.location", err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"courier_id": courierID,
		"accepted":   accepted,
	})
}

// ReportPositioningFailure передает отказ источника позиционирования.
// Ответ всегда отражает категорию отказа.
func (h *CourierHandler) ReportPositioningFailure(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.location_failure")
	if !ok {
		return
	}

	var failure models.PositioningFailure
	if err := decodeJSON(r, &failure); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.tracker.ReportFailure(r.Context(), courierID, failure); err != nil {
		writeServiceError(w, h.log, "couriers.location_failure", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopTracking закрывает сессию, дописывая последнее накопленное измерение
func (h *CourierHandler) StopTracking(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.tracking")
	if !ok {
		return
	}

	if err := h.tracker.Close(r.Context(), courierID); err != nil {
		writeServiceError(w, h.log, "couriers.tracking", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTask возвращает текущий заказ курьера
func (h *CourierHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.task")
	if !ok {
		return
	}

	order, err := h.orders.ActiveTaskForCourier(r.Context(), courierID)
	if err != nil {
		writeServiceError(w, h.log, "couriers.task", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, order)
}

// OfferResponse представляет оффер вместе с предложенным заказом
type OfferResponse struct {
	Order *models.Order `json:"order"`
	Offer *models.Offer `json:"offer"`
}

// GetOffer возвращает открытый оффер курьера
func (h *CourierHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.offer")
	if !ok {
		return
	}

	order, offer, err := h.engine.CurrentOffer(r.Context(), courierID)
	if err != nil {
		writeServiceError(w, h.log, "couriers.offer", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, OfferResponse{Order: order, Offer: offer})
}

// AcceptOffer принимает оффер по заказу
func (h *CourierHandler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.accept")
	if !ok {
		return
	}
	orderID, err := pathUUID(r, "orderId")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.engine.Accept(r.Context(), orderID, courierID)
	if err != nil {
		writeServiceError(w, h.log, "couriers.accept", err)
		return
	}

	h.log.WithField("order_id", orderID).WithField("courier_id", courierID).Info("Offer accepted")
	writeJSONResponse(w, http.StatusOK, order)
}

// RejectOffer отклоняет оффер, заказ возвращается в подбор
func (h *CourierHandler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	courierID, ok := h.pathCourier(w, r, "couriers.reject")
	if !ok {
		return
	}
	orderID, err := pathUUID(r, "orderId")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.Reject(r.Context(), orderID, courierID); err != nil {
		writeServiceError(w, h.log, "couriers.reject", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Offer declined"})
}
