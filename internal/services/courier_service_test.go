package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/geo"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = InactivityPolicy{Window: 10 * time.Minute, ThresholdM: 50}

func sampleAt(p geo.Point, ts time.Time) models.LocationSample {
	return models.LocationSample{Lat: p.Lat, Lng: p.Lng, Timestamp: ts}
}

func TestRegisterOrFind_IsIdempotentByEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.couriers.RegisterOrFind(ctx, &models.Identity{Email: "Rider@Example.com", Name: "Rider"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "rider@example.com", first.Email)
	assert.Equal(t, models.CourierStatusInactive, first.Status)
	assert.Equal(t, models.MovementFlagInactive, first.MovementFlag)
	assert.Nil(t, first.CurrentTaskID)
	assert.Zero(t, first.Earnings)

	second, created, err := h.couriers.RegisterOrFind(ctx, &models.Identity{Email: "rider@example.com", Name: "Someone else"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Rider", second.Name)

	assert.Equal(t, 1, h.pub.count(models.EventTypeCourierRegistered))
}

func TestRegisterOrFind_NameFallsBackToEmail(t *testing.T) {
	h := newHarness(t)

	c, _, err := h.couriers.RegisterOrFind(context.Background(), &models.Identity{Email: "fast.rider@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "fast.rider", c.Name)
}

func TestRegisterOrFind_RejectsMissingEmail(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.couriers.RegisterOrFind(context.Background(), &models.Identity{Name: "No Email"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRegisterOrFind_ConcurrentFirstLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 8
	ids := make([]uuid.UUID, n)
	var createdCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, created, err := h.couriers.RegisterOrFind(ctx, &models.Identity{Email: "race@example.com"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[i] = c.ID
			if created {
				createdCount++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	all, err := h.couriers.ListCouriers(ctx, models.CourierFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetStatusAndFlag_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _, err := h.couriers.RegisterOrFind(ctx, &models.Identity{Email: "rider@example.com"})
	require.NoError(t, err)

	_, err = h.couriers.SetStatus(ctx, c.ID, models.CourierStatus("sleeping"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = h.couriers.SetMovementFlag(ctx, c.ID, models.MovementFlag("flying"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = h.couriers.SetStatus(ctx, uuid.New(), models.CourierStatusActive)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	updated, err := h.couriers.SetStatus(ctx, c.ID, models.CourierStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.CourierStatusActive, updated.Status)
	assert.Equal(t, 1, h.pub.count(models.EventTypeCourierStatusChanged))

	// повторная установка того же статуса не порождает событие
	_, err = h.couriers.SetStatus(ctx, c.ID, models.CourierStatusActive)
	require.NoError(t, err)
	assert.Equal(t, 1, h.pub.count(models.EventTypeCourierStatusChanged))

	active := models.CourierStatusActive
	listed, err := h.couriers.ListCouriers(ctx, models.CourierFilter{Status: &active})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	bogus := models.CourierStatus("bogus")
	_, err = h.couriers.ListCouriers(ctx, models.CourierFilter{Status: &bogus})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCommitLocation_TimerGrowsWhileStill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := near(1)
	c := h.activeCourier(t, "rider@example.com", start)
	assert.Zero(t, c.InactivityTimer)

	// 10 метров, меньше порога значимого перемещения
	jitter := geo.Point{Lat: start.Lat + 0.00009, Lng: start.Lng}
	c, outcome, err := h.couriers.CommitLocation(ctx, c.ID, sampleAt(jitter, t0.Add(3*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, LocationCommitted, outcome)
	assert.Equal(t, int64(180), c.InactivityTimer)
	assert.Equal(t, models.MovementFlagActive, c.MovementFlag)
	require.NotNil(t, c.Location)
	assert.InDelta(t, jitter.Lat, c.Location.Lat, 1e-9)
}

func TestCommitLocation_SignificantMoveResetsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := near(1)
	c := h.activeCourier(t, "rider@example.com", start)

	c, _, err := h.couriers.CommitLocation(ctx, c.ID, sampleAt(start, t0.Add(4*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(240), c.InactivityTimer)

	moved := near(1.2)
	c, _, err = h.couriers.CommitLocation(ctx, c.ID, sampleAt(moved, t0.Add(5*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Zero(t, c.InactivityTimer)

	c, _, err = h.couriers.CommitLocation(ctx, c.ID, sampleAt(moved, t0.Add(6*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.InactivityTimer)
}

func TestCommitLocation_StaleSampleIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	_, outcome, err := h.couriers.CommitLocation(ctx, c.ID, sampleAt(near(2), t0.Add(time.Minute)), testPolicy)
	require.NoError(t, err)
	require.Equal(t, LocationCommitted, outcome)

	for _, ts := range []time.Time{t0.Add(time.Minute), t0.Add(30 * time.Second)} {
		got, outcome, err := h.couriers.CommitLocation(ctx, c.ID, sampleAt(near(5), ts), testPolicy)
		require.NoError(t, err)
		assert.Equal(t, LocationStale, outcome)
		assert.InDelta(t, near(2).Lat, got.Location.Lat, 1e-9)
	}
}

func TestCommitLocation_WindowExceededMarksInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := near(1)
	c := h.activeCourier(t, "rider@example.com", start)

	c, _, err := h.couriers.CommitLocation(ctx, c.ID, sampleAt(start, t0.Add(10*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, models.MovementFlagActive, c.MovementFlag, "exactly at the window is still active")

	c, _, err = h.couriers.CommitLocation(ctx, c.ID, sampleAt(start, t0.Add(11*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, models.MovementFlagInactive, c.MovementFlag)
	assert.Equal(t, int64(660), c.InactivityTimer)
	assert.Equal(t, 1, h.pub.count(models.EventTypeCourierInactive))

	// значимое перемещение сбрасывает таймер, но флаг не возвращает
	c, _, err = h.couriers.CommitLocation(ctx, c.ID, sampleAt(near(2), t0.Add(12*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Zero(t, c.InactivityTimer)
	assert.Equal(t, models.MovementFlagInactive, c.MovementFlag)
	assert.Equal(t, 1, h.pub.count(models.EventTypeCourierInactive))
}

func TestCommitLocation_NeedAssistanceIsNeverOverridden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := near(1)
	c := h.activeCourier(t, "rider@example.com", start)

	_, err := h.couriers.SetMovementFlag(ctx, c.ID, models.MovementFlagNeedAssistance)
	require.NoError(t, err)

	c, _, err = h.couriers.CommitLocation(ctx, c.ID, sampleAt(start, t0.Add(30*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, models.MovementFlagNeedAssistance, c.MovementFlag)
	assert.Equal(t, int64(1800), c.InactivityTimer)
	assert.Equal(t, 0, h.pub.count(models.EventTypeCourierInactive))
}

func TestSetMovementFlag_ResettingFlagsRestartTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := near(1)
	c := h.activeCourier(t, "rider@example.com", start)

	c, _, err := h.couriers.CommitLocation(ctx, c.ID, sampleAt(start, t0.Add(8*time.Minute)), testPolicy)
	require.NoError(t, err)
	require.Equal(t, int64(480), c.InactivityTimer)

	h.clock.Set(t0.Add(8 * time.Minute))
	c, err = h.couriers.SetMovementFlag(ctx, c.ID, models.MovementFlagWaitingForRestaurant)
	require.NoError(t, err)
	assert.Zero(t, c.InactivityTimer)
	assert.Equal(t, 2, h.pub.count(models.EventTypeCourierFlagChanged))

	c, _, err = h.couriers.CommitLocation(ctx, c.ID, sampleAt(start, t0.Add(12*time.Minute)), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(240), c.InactivityTimer)
	assert.Equal(t, models.MovementFlagWaitingForRestaurant, c.MovementFlag)
}

func TestCommitLocation_ConcurrentWritersKeepNewest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := h.couriers.CommitLocation(ctx, c.ID,
				sampleAt(near(float64(i)), t0.Add(time.Duration(i)*time.Second)), testPolicy)
			// проигравший гонку может исчерпать повторы, но не должен сломать данные
			if err != nil {
				assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
			}
		}(i)
	}
	wg.Wait()

	got, err := h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLocationUpdate)
	// записанное измерение не старше ни одного из принятых ранее
	assert.False(t, got.LastLocationUpdate.Before(t0.Add(time.Second)))
}
