package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationTracker_FirstSampleCommitsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	accepted, err := h.tracker.Submit(ctx, c.ID, sampleAt(near(2), t0.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 1, h.tracker.Active())

	got, err := h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, near(2).Lat, got.Location.Lat, 1e-9)
}

func TestLocationTracker_KeepsOnlyNewestWithinInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	_, err := h.tracker.Submit(ctx, c.ID, sampleAt(near(2), t0.Add(1*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(3), t0.Add(2*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(4), t0.Add(3*time.Second)))
	require.NoError(t, err)

	// интервал еще не прошел, в реестре первое измерение
	got, err := h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, near(2).Lat, got.Location.Lat, 1e-9)

	// закрытие сессии записывает самое свежее из накопленных
	require.NoError(t, h.tracker.Close(ctx, c.ID))
	got, err = h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, near(4).Lat, got.Location.Lat, 1e-9)
	assert.Equal(t, 0, h.tracker.Active())
	assert.Equal(t, 3, h.pub.count(models.EventTypeLocationUpdated), "one from setup, two from tracking")
}

func TestLocationTracker_DropsOutOfOrderSamples(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	accepted, err := h.tracker.Submit(ctx, c.ID, sampleAt(near(2), t0.Add(5*time.Second)))
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(3), t0.Add(4*time.Second)))
	require.NoError(t, err)
	assert.False(t, accepted)

	// не новее того, что уже лежит в реестре с момента регистрации
	accepted, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(3), t0))
	require.NoError(t, err)
	assert.False(t, accepted)

	require.NoError(t, h.tracker.Close(ctx, c.ID))
	got, err := h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, near(2).Lat, got.Location.Lat, 1e-9)
}

func TestLocationTracker_TimerFlushesBufferedSample(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	secs := int64(1)
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{LocationUpdateIntervalSec: &secs})
	require.NoError(t, err)

	_, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(2), t0.Add(1*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(3), t0.Add(2*time.Second)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := h.couriers.GetCourier(ctx, c.ID)
		return err == nil && got.Location != nil && got.Location.Lat == near(3).Lat
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLocationTracker_UnknownCourier(t *testing.T) {
	h := newHarness(t)

	_, err := h.tracker.Submit(context.Background(), uuid.New(), sampleAt(near(1), t0))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, 0, h.tracker.Active())
}

func TestLocationTracker_InvalidCoordinates(t *testing.T) {
	h := newHarness(t)
	c := h.activeCourier(t, "rider@example.com", near(1))

	_, err := h.tracker.Submit(context.Background(), c.ID, models.LocationSample{Lat: 91, Lng: 0, Timestamp: t0.Add(time.Second)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLocationTracker_ReportFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	_, err := h.tracker.Submit(ctx, c.ID, sampleAt(near(2), t0.Add(time.Second)))
	require.NoError(t, err)

	err = h.tracker.ReportFailure(ctx, c.ID, models.PositioningFailure{Reason: PositioningUnavailable})
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
	err = h.tracker.ReportFailure(ctx, c.ID, models.PositioningFailure{Reason: PositioningTimeout})
	assert.True(t, errors.Is(err, apperr.ErrTimeout))
	assert.Equal(t, 1, h.tracker.Active(), "transient failures keep the session")

	err = h.tracker.ReportFailure(ctx, c.ID, models.PositioningFailure{Reason: PositioningDenied, Message: "permission revoked"})
	assert.True(t, errors.Is(err, apperr.ErrPositioningDenied))
	assert.Equal(t, 0, h.tracker.Active())

	got, err := h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CourierStatusInactive, got.Status)

	err = h.tracker.ReportFailure(ctx, c.ID, models.PositioningFailure{Reason: "gremlins"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLocationTracker_StopRejectsNewSamples(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.activeCourier(t, "rider@example.com", near(1))

	_, err := h.tracker.Submit(ctx, c.ID, sampleAt(near(2), t0.Add(1*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(3), t0.Add(2*time.Second)))
	require.NoError(t, err)

	h.tracker.Stop(ctx)
	assert.Equal(t, 0, h.tracker.Active())

	got, err := h.couriers.GetCourier(ctx, c.ID)
	require.NoError(t, err)
	assert.InDelta(t, near(3).Lat, got.Location.Lat, 1e-9, "pending sample flushed on stop")

	_, err = h.tracker.Submit(ctx, c.ID, sampleAt(near(4), t0.Add(3*time.Second)))
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestLocationTracker_ReapIdleClosesQuietSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	quiet := h.activeCourier(t, "quiet@example.com", near(1))
	busy := h.activeCourier(t, "busy@example.com", near(1))

	_, err := h.tracker.Submit(ctx, quiet.ID, sampleAt(near(2), t0.Add(time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, busy.ID, sampleAt(near(2), t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 0, h.tracker.ReapIdle(ctx, time.Minute))

	h.clock.Advance(2 * time.Minute)
	// у busy взведен таймер с отложенным измерением, такую сессию не трогаем
	_, err = h.tracker.Submit(ctx, busy.ID, sampleAt(near(3), t0.Add(2*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, busy.ID, sampleAt(near(4), t0.Add(3*time.Second)))
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, h.tracker.ReapIdle(ctx, time.Minute))
	assert.Equal(t, 1, h.tracker.Active())

	// закрытая сессия открывается заново следующим измерением
	accepted, err := h.tracker.Submit(ctx, quiet.ID, sampleAt(near(4), t0.Add(3*time.Second)))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 2, h.tracker.Active())
}

func TestLocationTracker_StopSettlesTimerFlushes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	armed := h.activeCourier(t, "armed@example.com", near(1))
	fired := h.activeCourier(t, "fired@example.com", near(1))

	secs := int64(1)
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{LocationUpdateIntervalSec: &secs})
	require.NoError(t, err)

	// у fired таймер успевает сработать до Stop
	_, err = h.tracker.Submit(ctx, fired.ID, sampleAt(near(2), t0.Add(1*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, fired.ID, sampleAt(near(3), t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, err := h.couriers.GetCourier(ctx, fired.ID)
		return err == nil && got.Location != nil && got.Location.Lat == near(3).Lat
	}, 5*time.Second, 50*time.Millisecond)

	// у armed таймер взведен в момент Stop
	_, err = h.tracker.Submit(ctx, armed.ID, sampleAt(near(2), t0.Add(1*time.Second)))
	require.NoError(t, err)
	_, err = h.tracker.Submit(ctx, armed.ID, sampleAt(near(5), t0.Add(2*time.Second)))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.tracker.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	got, err := h.couriers.GetCourier(ctx, armed.ID)
	require.NoError(t, err)
	assert.InDelta(t, near(5).Lat, got.Location.Lat, 1e-9)
	assert.Equal(t, 0, h.tracker.Active())
}
