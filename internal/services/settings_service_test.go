package services

import (
	"context"
	"testing"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"
	"food-dispatch/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_LoadSeedsDefaultsOnce(t *testing.T) {
	h := newHarness(t)
	current := h.settings.Current()
	assert.Equal(t, 10.0, current.MaxCourierSearchDistanceKm)
	assert.Equal(t, 2*time.Minute, current.CourierTaskAvailabilityTime)

	// второй экземпляр с другими значениями по умолчанию видит уже записанные
	other := testSettings()
	other.MaxCourierSearchDistanceKm = 99
	second := NewSettingsService(repository.NewSettingsRepository(h.db), other, nil, logger.NewNop())
	require.NoError(t, second.Load(context.Background()))
	assert.Equal(t, 10.0, second.Current().MaxCourierSearchDistanceKm)
}

func TestSettings_UpdateAppliesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before := h.settings.Current()

	km := 3.5
	secs := int64(45)
	updated, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{
		MaxCourierSearchDistanceKm: &km,
		CourierTaskAvailabilitySec: &secs,
	})
	require.NoError(t, err)
	assert.Equal(t, 3.5, updated.MaxCourierSearchDistanceKm)
	assert.Equal(t, 45*time.Second, updated.CourierTaskAvailabilityTime)
	assert.Equal(t, before.TimeoutValue, updated.TimeoutValue)
	assert.Greater(t, updated.Version, before.Version)
	assert.Equal(t, updated, h.settings.Current())
	assert.Equal(t, 1, h.pub.count(models.EventTypeSettingsUpdated))
}

func TestSettings_UpdateNarrowsNextDispatchRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	h.activeCourier(t, "rider@example.com", near(5))

	km := 2.0
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{MaxCourierSearchDistanceKm: &km})
	require.NoError(t, err)

	order := h.confirmedOrder(t, rest.ID)
	offer, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, offer)
}

func TestSettings_UpdateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	negative := -1.0
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{MaxRestaurantSearchDistanceKm: &negative})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	zero := int64(0)
	_, err = h.settings.Update(ctx, &models.UpdateSettingsRequest{TimeoutValueSec: &zero})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = h.settings.Update(ctx, &models.UpdateSettingsRequest{LocationUpdateIntervalSec: &zero})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Equal(t, 0, h.pub.count(models.EventTypeSettingsUpdated))
}

func TestSettings_PeerReloadsOnEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	peer := NewSettingsService(repository.NewSettingsRepository(h.db), testSettings(), nil, logger.NewNop())
	require.NoError(t, peer.Load(ctx))

	secs := int64(600)
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{TimeoutValueSec: &secs})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, peer.Current().TimeoutValue)

	require.NoError(t, peer.HandleSettingsUpdated(ctx, models.EventTypeSettingsUpdated, nil))
	assert.Equal(t, 10*time.Minute, peer.Current().TimeoutValue)
}

func TestDefaultSettings_FromConfig(t *testing.T) {
	s := DefaultSettings(&config.DispatchConfig{
		MaxRestaurantSearchDistanceKm: 20,
		MaxCourierSearchDistanceKm:    7,
		CourierTaskAvailabilityTime:   90 * time.Second,
		LocationUpdateInterval:        5 * time.Second,
		TimeoutValue:                  3 * time.Minute,
	})
	assert.Equal(t, 20.0, s.MaxRestaurantSearchDistanceKm)
	assert.Equal(t, 7.0, s.MaxCourierSearchDistanceKm)
	assert.Equal(t, 90*time.Second, s.CourierTaskAvailabilityTime)
	assert.Equal(t, 5*time.Second, s.LocationUpdateInterval)
	assert.Equal(t, 3*time.Minute, s.TimeoutValue)
}
