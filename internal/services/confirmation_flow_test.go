package services

import (
	"context"
	"testing"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmationFlow_ConfirmCancelsTimerAndRunsHooks(t *testing.T) {
	h := newHarness(t)
	rest := h.restaurant(t)

	var hooked []uuid.UUID
	h.flow.OnConfirmed(func(_ context.Context, o *models.Order) {
		hooked = append(hooked, o.ID)
	})

	order := h.placeOrder(t, rest.ID)
	assert.Equal(t, 1, h.scheduler.Pending())

	h.clock.Advance(4 * time.Minute)
	confirmed, err := h.flow.Confirm(context.Background(), rest.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusConfirmed, confirmed.DeliveryStatus)
	assert.Equal(t, 0, h.scheduler.Pending())
	assert.Equal(t, []uuid.UUID{order.ID}, hooked)
}

func TestConfirmationFlow_RejectIsExplicit(t *testing.T) {
	h := newHarness(t)
	rest := h.restaurant(t)
	order := h.placeOrder(t, rest.ID)

	rejected, err := h.flow.Reject(context.Background(), rest.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RejectionReasonExplicit, rejected.RejectionReason)
	assert.Equal(t, 0, h.scheduler.Pending())

	_, err = h.flow.Confirm(context.Background(), rest.ID, order.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestConfirmationFlow_OtherRestaurantCannotDecide(t *testing.T) {
	h := newHarness(t)
	rest := h.restaurant(t)
	order := h.placeOrder(t, rest.ID)

	_, err := h.flow.Confirm(context.Background(), uuid.New(), order.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = h.flow.Reject(context.Background(), uuid.New(), order.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConfirmationFlow_LateConfirmExpires(t *testing.T) {
	h := newHarness(t)
	rest := h.restaurant(t)
	order := h.placeOrder(t, rest.ID)

	h.clock.Advance(5 * time.Minute)
	_, err := h.flow.Confirm(context.Background(), rest.ID, order.ID)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))

	got, err := h.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusRejected, got.DeliveryStatus)
	assert.Equal(t, models.RejectionReasonTimeout, got.RejectionReason)
	require.NotNil(t, got.OrderConfirmed)
	assert.False(t, *got.OrderConfirmed)
}

func TestConfirmationFlow_SweepTimesOutOverdueOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)

	overdue := h.placeOrder(t, rest.ID)
	h.clock.Advance(3 * time.Minute)
	fresh := h.placeOrder(t, rest.ID)
	h.clock.Advance(2 * time.Minute)

	require.NoError(t, h.flow.Sweep(ctx))

	got, err := h.orders.GetOrder(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RejectionReasonTimeout, got.RejectionReason)

	got, err = h.orders.GetOrder(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusAtRestaurant, got.DeliveryStatus)

	last, ok := h.pub.last(models.EventTypeOrderRejected)
	require.True(t, ok)
	assert.Equal(t, overdue.ID.String(), last.Key)
}

func TestConfirmationFlow_ResumeAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)

	overdue := h.placeOrder(t, rest.ID)
	h.clock.Advance(3 * time.Minute)
	fresh := h.placeOrder(t, rest.ID)
	h.clock.Advance(2*time.Minute + time.Second)

	scheduler := NewScheduler()
	t.Cleanup(scheduler.Stop)
	restarted := NewConfirmationFlow(h.orders, scheduler, h.flow.log)
	restarted.now = h.clock.Now

	require.NoError(t, restarted.Resume(ctx))

	got, err := h.orders.GetOrder(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RejectionReasonTimeout, got.RejectionReason)

	got, err = h.orders.GetOrder(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusAtRestaurant, got.DeliveryStatus)
	assert.Equal(t, 1, scheduler.Pending())
}

func TestConfirmationFlow_TimerRejectsWithRealClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)

	secs := int64(1)
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{TimeoutValueSec: &secs})
	require.NoError(t, err)

	order := h.placeOrder(t, rest.ID)

	assert.Eventually(t, func() bool {
		got, err := h.orders.GetOrder(ctx, order.ID)
		return err == nil && got.RejectionReason == models.RejectionReasonTimeout
	}, 5*time.Second, 50*time.Millisecond)
}
