package services

import (
	"math"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/config"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/logger"
)

// DeliveryPricingService считает стоимость доставки по расстоянию ресторан → клиент
type DeliveryPricingService struct {
	config *config.DeliveryPricingConfig
	log    *logger.Logger
}

func NewDeliveryPricingService(cfg *config.DeliveryPricingConfig, log *logger.Logger) *DeliveryPricingService {
	return &DeliveryPricingService{
		config: cfg,
		log:    log,
	}
}

// CalculateDeliveryCost возвращает стоимость, ограниченную снизу и сверху, с точностью до цента
func (s *DeliveryPricingService) CalculateDeliveryCost(pickup, dropoff geo.Point) (float64, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return 0, apperr.Validation("pricing.CalculateDeliveryCost", "pickup and dropoff must be valid coordinates")
	}

	distance := geo.DistanceKm(pickup, dropoff)
	cost := s.config.BasePrice + distance*s.config.PricePerKm

	if cost < s.config.MinPrice {
		cost = s.config.MinPrice
	}
	if s.config.MaxPrice > 0 && cost > s.config.MaxPrice {
		cost = s.config.MaxPrice
	}

	s.log.WithField("distance_km", geo.RoundKm(distance)).
		WithField("cost", cost).
		Debug("Delivery cost calculated")

	return math.Round(cost*100) / 100, nil
}
