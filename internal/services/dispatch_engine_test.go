package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindEligibleCouriers_FiltersAndOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)

	far := h.activeCourier(t, "far@example.com", near(3))
	closest := h.activeCourier(t, "closest@example.com", near(0.5))
	h.activeCourier(t, "outside@example.com", near(12))

	offline := h.activeCourier(t, "offline@example.com", near(0.2))
	_, err := h.couriers.SetStatus(ctx, offline.ID, models.CourierStatusInactive)
	require.NoError(t, err)

	helpless := h.activeCourier(t, "helpless@example.com", near(0.3))
	_, err = h.couriers.SetMovementFlag(ctx, helpless.ID, models.MovementFlagNeedAssistance)
	require.NoError(t, err)

	waiting := h.activeCourier(t, "waiting@example.com", near(2))
	_, err = h.couriers.SetMovementFlag(ctx, waiting.ID, models.MovementFlagWaitingForCustomer)
	require.NoError(t, err)

	// зарегистрирован, но ни разу не прислал позицию
	_, _, err = h.couriers.RegisterOrFind(ctx, &models.Identity{Email: "silent@example.com"})
	require.NoError(t, err)

	order := h.confirmedOrder(t, rest.ID)
	eligible, err := h.engine.FindEligibleCouriers(ctx, order)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(eligible))
	for _, e := range eligible {
		ids = append(ids, e.Courier.ID)
		assert.LessOrEqual(t, e.DistanceKm, 10.0)
	}
	assert.Equal(t, []uuid.UUID{closest.ID, waiting.ID, far.ID}, ids)
}

func TestFindEligibleCouriers_TieBreaksByRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	spot := near(1)

	h.clock.Set(t0.Add(-time.Hour))
	veteran := h.activeCourier(t, "veteran@example.com", spot)
	h.clock.Set(t0)
	rookie := h.activeCourier(t, "rookie@example.com", spot)
	require.True(t, veteran.RegisteredAt.Before(rookie.RegisteredAt))

	order := h.confirmedOrder(t, rest.ID)
	eligible, err := h.engine.FindEligibleCouriers(ctx, order)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, veteran.ID, eligible[0].Courier.ID)
	assert.Equal(t, rookie.ID, eligible[1].Courier.ID)
}

func TestDispatch_OffersNearestAndReservesCourier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	closest := h.activeCourier(t, "closest@example.com", near(0.5))
	second := h.activeCourier(t, "second@example.com", near(4))

	first := h.confirmedOrder(t, rest.ID)
	offer, err := h.engine.Dispatch(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, closest.ID, offer.CourierID)
	assert.Equal(t, models.OfferStatusWaiting, offer.Status)
	assert.True(t, offer.ExpiresAt.Equal(t0.Add(2*time.Minute)))

	offered, err := h.orders.GetOrder(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, offered.OfferedTo)
	assert.Equal(t, closest.ID, *offered.OfferedTo)
	assertCourierInvariant(t, offered)

	// курьер с висящим оффером не получает второй заказ
	next := h.confirmedOrder(t, rest.ID)
	offer2, err := h.engine.Dispatch(ctx, next.ID)
	require.NoError(t, err)
	require.NotNil(t, offer2)
	assert.Equal(t, second.ID, offer2.CourierID)

	third := h.confirmedOrder(t, rest.ID)
	offer3, err := h.engine.Dispatch(ctx, third.ID)
	require.NoError(t, err)
	assert.Nil(t, offer3)
	last, ok := h.pub.last(models.EventTypeDispatchUnmatched)
	require.True(t, ok)
	assert.Equal(t, third.ID.String(), last.Key)

	// заказ с висящим оффером повторно не раздается
	_, err = h.engine.Dispatch(ctx, first.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	order, current, err := h.engine.CurrentOffer(ctx, closest.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, order.ID)
	assert.Equal(t, offer.ID, current.ID)
}

func TestOffer_RejectsOrdersOutsideDispatchPool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	courier := h.activeCourier(t, "rider@example.com", near(1))
	remote := h.activeCourier(t, "remote@example.com", near(30))

	pending := h.placeOrder(t, rest.ID)
	_, err := h.engine.Offer(ctx, pending.ID, courier.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	order := h.confirmedOrder(t, rest.ID)
	_, err = h.engine.Offer(ctx, order.ID, remote.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = h.engine.Offer(ctx, order.ID, courier.ID)
	require.NoError(t, err)
	_, err = h.engine.Offer(ctx, order.ID, courier.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestAccept_JustBeforeExpirySucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	courier := h.activeCourier(t, "rider@example.com", near(1))
	order := h.confirmedOrder(t, rest.ID)

	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	h.clock.Advance(2*time.Minute - time.Millisecond)
	accepted, err := h.engine.Accept(ctx, order.ID, courier.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusCourierEnRoute, accepted.DeliveryStatus)
	require.NotNil(t, accepted.CourierID)
	assert.Equal(t, courier.ID, *accepted.CourierID)
	assert.Nil(t, accepted.OfferedTo)
	assertCourierInvariant(t, accepted)

	c, err := h.couriers.GetCourier(ctx, courier.ID)
	require.NoError(t, err)
	require.NotNil(t, c.CurrentTaskID)
	assert.Equal(t, order.ID, *c.CurrentTaskID)
	assert.Nil(t, c.OfferedOrderID)

	history, err := h.engine.OfferHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OfferStatusAccepted, history[0].Status)

	assert.Equal(t, 1, h.pub.count(models.EventTypeCourierAssigned))
	assert.Equal(t, 0, h.scheduler.Pending())

	_, err = h.engine.Accept(ctx, order.ID, courier.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestAccept_AtExpiryReturnsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	courier := h.activeCourier(t, "rider@example.com", near(1))
	order := h.confirmedOrder(t, rest.ID)

	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.engine.Accept(ctx, order.ID, courier.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))

	released, err := h.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, released.OfferedTo)
	assert.Nil(t, released.CourierID)
	assert.Equal(t, models.DeliveryStatusConfirmed, released.DeliveryStatus)
	require.NotNil(t, released.LastDeclinedBy)
	assert.Equal(t, courier.ID, *released.LastDeclinedBy)

	c, err := h.couriers.GetCourier(ctx, courier.ID)
	require.NoError(t, err)
	assert.Nil(t, c.OfferedOrderID)
	assert.Nil(t, c.CurrentTaskID)

	history, err := h.engine.OfferHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OfferStatusExpired, history[0].Status)
	assert.Equal(t, 1, h.pub.count(models.EventTypeOfferExpired))
}

func TestAccept_AfterTimerExpiryReturnsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	courier := h.activeCourier(t, "rider@example.com", near(1))
	order := h.confirmedOrder(t, rest.ID)

	offer, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, offer)

	h.clock.Set(offer.ExpiresAt)
	require.NoError(t, h.engine.Expire(ctx, order.ID, courier.ID))

	h.clock.Advance(time.Second)
	_, err = h.engine.Accept(ctx, order.ID, courier.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))

	// курьер без оффера по-прежнему получает invalid_state
	_, err = h.engine.Accept(ctx, order.ID, uuid.New())
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	history, err := h.engine.OfferHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OfferStatusExpired, history[0].Status)
}

func TestAccept_WrongCourierIsInvalidState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	h.activeCourier(t, "rider@example.com", near(1))
	stranger := h.activeCourier(t, "stranger@example.com", near(2))
	order := h.confirmedOrder(t, rest.ID)

	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	_, err = h.engine.Accept(ctx, order.ID, stranger.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	err = h.engine.Reject(ctx, order.ID, stranger.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestAcceptAndExpire_ExactlyOneWins(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)
		ctx := context.Background()
		rest := h.restaurant(t)
		courier := h.activeCourier(t, "rider@example.com", near(1))
		order := h.confirmedOrder(t, rest.ID)
		_, err := h.engine.Dispatch(ctx, order.ID)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)

		var wg sync.WaitGroup
		var acceptErr, expireErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.engine.Accept(ctx, order.ID, courier.ID)
		}()
		go func() {
			defer wg.Done()
			expireErr = h.engine.Expire(ctx, order.ID, courier.ID)
		}()
		wg.Wait()

		require.True(t, (acceptErr == nil) != (expireErr == nil),
			"accept=%v expire=%v", acceptErr, expireErr)

		final, err := h.orders.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assertCourierInvariant(t, final)
		if acceptErr == nil {
			assert.True(t, apperr.IsStateError(expireErr))
			assert.Equal(t, models.DeliveryStatusCourierEnRoute, final.DeliveryStatus)
		} else {
			assert.True(t, apperr.IsStateError(acceptErr))
			assert.Equal(t, models.DeliveryStatusConfirmed, final.DeliveryStatus)
			assert.Nil(t, final.OfferedTo)
		}
	}
}

func TestReject_ExcludesCourierForOneRoundOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	first := h.activeCourier(t, "first@example.com", near(0.5))
	second := h.activeCourier(t, "second@example.com", near(2))
	order := h.confirmedOrder(t, rest.ID)

	offer, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, offer.CourierID)

	require.NoError(t, h.engine.Reject(ctx, order.ID, first.ID))
	assert.Equal(t, 1, h.pub.count(models.EventTypeOfferDeclined))

	offer, err = h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, offer.CourierID, "the decliner is skipped in the next round")

	require.NoError(t, h.engine.Reject(ctx, order.ID, second.ID))

	offer, err = h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, offer.CourierID, "the earlier decliner is eligible again")

	history, err := h.engine.OfferHistory(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestReject_OnlyCandidateLeavesOrderUnmatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	only := h.activeCourier(t, "only@example.com", near(1))
	order := h.confirmedOrder(t, rest.ID)

	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, h.engine.Reject(ctx, order.ID, only.ID))

	offer, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, offer)

	// исключение снято после раунда, следующий раунд снова предлагает ему
	offer, err = h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, only.ID, offer.CourierID)
}

func TestResume_ExpiresOverdueOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	courier := h.activeCourier(t, "rider@example.com", near(1))
	order := h.confirmedOrder(t, rest.ID)
	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	// новый экземпляр после перезапуска
	restarted := NewDispatchEngine(h.db, h.settings, NewScheduler(), nil, h.pub, logger.NewNop())
	restarted.now = h.clock.Now
	t.Cleanup(restarted.scheduler.Stop)

	h.clock.Advance(3 * time.Minute)
	require.NoError(t, restarted.Resume(ctx))

	released, err := h.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, released.OfferedTo)
	assert.Equal(t, 1, h.pub.count(models.EventTypeOfferExpired))

	c, err := h.couriers.GetCourier(ctx, courier.ID)
	require.NoError(t, err)
	assert.Nil(t, c.OfferedOrderID)
}

func TestResume_RearmsPendingOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	h.activeCourier(t, "rider@example.com", near(1))
	order := h.confirmedOrder(t, rest.ID)
	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	scheduler := NewScheduler()
	t.Cleanup(scheduler.Stop)
	restarted := NewDispatchEngine(h.db, h.settings, scheduler, nil, h.pub, logger.NewNop())
	restarted.now = h.clock.Now

	require.NoError(t, restarted.Resume(ctx))
	assert.Equal(t, 1, scheduler.Pending())

	still, err := h.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, still.OfferedTo)
}

func TestSweep_ExpiresAndRedispatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	first := h.activeCourier(t, "first@example.com", near(0.5))
	order := h.confirmedOrder(t, rest.ID)

	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	second := h.activeCourier(t, "second@example.com", near(3))
	h.clock.Advance(2*time.Minute + time.Second)
	require.NoError(t, h.engine.Sweep(ctx))

	reoffered, err := h.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, reoffered.OfferedTo)
	assert.Equal(t, second.ID, *reoffered.OfferedTo)
	assert.NotEqual(t, first.ID, *reoffered.OfferedTo)
}

func TestReofferPolicy_RedispatchesAfterDecline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	first := h.activeCourier(t, "first@example.com", near(0.5))
	second := h.activeCourier(t, "second@example.com", near(2))
	order := h.confirmedOrder(t, rest.ID)
	policy := NewReofferPolicy(h.engine, logger.NewNop())

	assert.ElementsMatch(t, []models.EventType{models.EventTypeOfferDeclined, models.EventTypeOfferExpired}, policy.EventTypes())

	_, err := h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, h.engine.Reject(ctx, order.ID, first.ID))

	declined, ok := h.pub.last(models.EventTypeOfferDeclined)
	require.True(t, ok)
	payload, err := json.Marshal(declined.Data)
	require.NoError(t, err)

	require.NoError(t, policy.Handle(ctx, models.EventTypeOfferDeclined, payload))

	reoffered, err := h.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, reoffered.OfferedTo)
	assert.Equal(t, second.ID, *reoffered.OfferedTo)

	// повтор того же события не ломает состояние
	assert.NoError(t, policy.Handle(ctx, models.EventTypeOfferDeclined, payload))
}

func TestReofferPolicy_IgnoresGoneOrdersAndRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	policy := NewReofferPolicy(h.engine, logger.NewNop())
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"order_id": uuid.NewString()})
	require.NoError(t, err)
	assert.NoError(t, policy.Handle(ctx, models.EventTypeOfferExpired, payload))

	assert.Error(t, policy.Handle(ctx, models.EventTypeOfferExpired, []byte(`{`)))
	assert.Error(t, policy.Handle(ctx, models.EventTypeOfferExpired, []byte(`{}`)))
}

func TestConfirmedHook_DispatchesAsync(t *testing.T) {
	h := newHarness(t)
	rest := h.restaurant(t)
	courier := h.activeCourier(t, "rider@example.com", near(1))
	h.flow.OnConfirmed(func(_ context.Context, o *models.Order) {
		h.engine.DispatchAsync(o.ID)
	})

	order := h.confirmedOrder(t, rest.ID)
	h.engine.Wait()

	offered, err := h.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, offered.OfferedTo)
	assert.Equal(t, courier.ID, *offered.OfferedTo)
}

func TestExpiryTimer_FiresWithRealClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rest := h.restaurant(t)
	h.activeCourier(t, "rider@example.com", near(1))

	secs := int64(1)
	_, err := h.settings.Update(ctx, &models.UpdateSettingsRequest{CourierTaskAvailabilitySec: &secs})
	require.NoError(t, err)
	h.engine.now = time.Now

	order := h.confirmedOrder(t, rest.ID)
	_, err = h.engine.Dispatch(ctx, order.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		o, err := h.orders.GetOrder(ctx, order.ID)
		return err == nil && o.OfferedTo == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, h.pub.count(models.EventTypeOfferExpired))
}
