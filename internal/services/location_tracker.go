package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"food-dispatch/internal/apperr"
	"food-dispatch/internal/logger"
	"food-dispatch/internal/metrics"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

// Причины отказа источника позиционирования
const (
	PositioningDenied      = "denied"
	PositioningUnavailable = "unavailable"
	PositioningTimeout     = "timeout"
)

// flushTimeout ограничивает запись позиции, запущенную таймером
const flushTimeout = 5 * time.Second

// LocationTracker принимает поток измерений позиции и пишет в реестр
// не чаще одного раза за locationUpdateInterval. Промежуточные измерения
// отбрасываются, сохраняется только самое свежее.
type LocationTracker struct {
	couriers *CourierService
	settings *SettingsService
	policy   InactivityPolicy
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*TrackingSession
	stopped  bool

	// flushes считает взведенные и выполняющиеся таймерные записи
	flushes sync.WaitGroup
}

// TrackingSession хранит сессию отслеживания одного курьера
type TrackingSession struct {
	courierID uuid.UUID
	tracker   *LocationTracker

	mu        sync.Mutex
	pending   *models.LocationSample
	lastSeen  time.Time // самое новое принятое измерение
	lastFlush time.Time // когда последний раз писали в реестр
	touched   time.Time // когда последний раз пришло измерение, по часам трекера
	timer     *time.Timer
	closed    bool
}

// NewLocationTracker создает трекер
func NewLocationTracker(couriers *CourierService, settings *SettingsService, policy InactivityPolicy, log *logger.Logger) *LocationTracker {
	return &LocationTracker{
		couriers: couriers,
		settings: settings,
		policy:   policy,
		log:      log,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*TrackingSession),
	}
}

func (t *LocationTracker) interval() time.Duration {
	return t.settings.Current().LocationUpdateInterval
}

// session возвращает открытую сессию или открывает новую для существующего курьера
func (t *LocationTracker) session(ctx context.Context, courierID uuid.UUID) (*TrackingSession, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, apperr.InvalidState("tracking.Submit", "location tracker is stopped")
	}
	if s, ok := t.sessions[courierID]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	courier, err := t.couriers.GetCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, apperr.InvalidState("tracking.Submit", "location tracker is stopped")
	}
	if s, ok := t.sessions[courierID]; ok {
		return s, nil
	}
	s := &TrackingSession{courierID: courierID, tracker: t, touched: t.now()}
	if courier.LastLocationUpdate != nil {
		s.lastSeen = *courier.LastLocationUpdate
	}
	t.sessions[courierID] = s
	metrics.TrackingSessions.Inc()

	t.log.WithField("courier_id", courierID).Debug("Tracking session opened")
	return s, nil
}

func (t *LocationTracker) forget(s *TrackingSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.sessions[s.courierID]; ok && current == s {
		delete(t.sessions, s.courierID)
		metrics.TrackingSessions.Dec()
	}
}

// Submit принимает измерение. Первое измерение после паузы пишется сразу,
// остальные копятся до конца интервала. Возвращает false, если измерение
// не новее уже принятого и было отброшено.
func (t *LocationTracker) Submit(ctx context.Context, courierID uuid.UUID, sample models.LocationSample) (bool, error) {
	const op = "tracking.Submit"

	if !sample.Point().Valid() {
		return false, apperr.Validation(op, "coordinates out of range")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = t.now()
	}
	sample.Timestamp = sample.Timestamp.UTC().Truncate(time.Microsecond)

	s, err := t.session(ctx, courierID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, apperr.InvalidState(op, "tracking session for courier %s is closed", courierID)
	}
	s.touched = t.now()
	if !sample.Timestamp.After(s.lastSeen) {
		s.mu.Unlock()
		metrics.LocationSamplesTotal.WithLabelValues(string(LocationStale)).Inc()
		return false, nil
	}
	s.lastSeen = sample.Timestamp
	s.pending = &sample

	if s.timer != nil {
		// таймер уже взведен и заберет это измерение
		s.mu.Unlock()
		return true, nil
	}

	wait := t.interval() - t.now().Sub(s.lastFlush)
	if wait > 0 {
		t.flushes.Add(1)
		s.timer = time.AfterFunc(wait, s.flushFromTimer)
		s.mu.Unlock()
		return true, nil
	}

	next := s.takePending()
	s.mu.Unlock()

	if err := s.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// takePending забирает буфер. Вызывается под s.mu.
func (s *TrackingSession) takePending() *models.LocationSample {
	next := s.pending
	s.pending = nil
	s.lastFlush = s.tracker.now()
	return next
}

func (s *TrackingSession) flushFromTimer() {
	defer s.tracker.flushes.Done()

	s.mu.Lock()
	s.timer = nil
	if s.closed || s.pending == nil {
		s.mu.Unlock()
		return
	}
	next := s.takePending()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.commit(ctx, next); err != nil {
		s.tracker.log.WithError(err).
			WithField("courier_id", s.courierID).
			Error("Failed to commit buffered location")
	}
}

func (s *TrackingSession) commit(ctx context.Context, sample *models.LocationSample) error {
	if sample == nil {
		return nil
	}
	_, outcome, err := s.tracker.couriers.CommitLocation(ctx, s.courierID, *sample, s.tracker.policy)
	if err != nil {
		return err
	}
	if outcome == LocationStale {
		s.tracker.log.WithField("courier_id", s.courierID).Debug("Stale location sample discarded")
	}
	return nil
}

// ReportFailure обрабатывает отказ источника позиционирования.
// denied завершает сессию и переводит курьера в inactive, unavailable и timeout
// возвращаются вызывающему без изменения состояния.
func (t *LocationTracker) ReportFailure(ctx context.Context, courierID uuid.UUID, failure models.PositioningFailure) error {
	const op = "tracking.ReportFailure"

	cause := errors.New(failure.Reason)
	if failure.Message != "" {
		cause = errors.New(failure.Message)
	}

	switch failure.Reason {
	case PositioningDenied:
		t.mu.Lock()
		s := t.sessions[courierID]
		t.mu.Unlock()
		if s != nil {
			s.mu.Lock()
			s.stopLocked()
			s.pending = nil
			s.mu.Unlock()
			t.forget(s)
		}
		if _, err := t.couriers.SetStatus(ctx, courierID, models.CourierStatusInactive); err != nil {
			return err
		}
		t.log.WithField("courier_id", courierID).Warn("Positioning permission denied, courier set inactive")
		return apperr.External(op, apperr.CollaboratorPositioning, apperr.ReasonDenied, cause)
	case PositioningUnavailable:
		return apperr.External(op, apperr.CollaboratorPositioning, apperr.ReasonUnavailable, cause)
	case PositioningTimeout:
		return apperr.External(op, apperr.CollaboratorPositioning, apperr.ReasonTimeout, cause)
	}
	return apperr.Validation(op, "unknown positioning failure reason %q", failure.Reason)
}

// stopLocked останавливает таймер и закрывает сессию. Вызывается под s.mu.
func (s *TrackingSession) stopLocked() {
	s.closed = true
	if s.timer != nil {
		// сработавший таймер сам отметит flushes в flushFromTimer
		if s.timer.Stop() {
			s.tracker.flushes.Done()
		}
		s.timer = nil
	}
}

// Close завершает сессию курьера, записывая последнее накопленное измерение
func (t *LocationTracker) Close(ctx context.Context, courierID uuid.UUID) error {
	t.mu.Lock()
	s := t.sessions[courierID]
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close(ctx)
}

func (s *TrackingSession) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stopLocked()
	next := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.tracker.forget(s)
	s.tracker.log.WithField("courier_id", s.courierID).Debug("Tracking session closed")
	return s.commit(ctx, next)
}

// Active возвращает число открытых сессий
func (t *LocationTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ReapIdle закрывает сессии, в которые дольше idle не приходили измерения
// и в которых нет отложенной записи. Возвращает число закрытых сессий.
func (t *LocationTracker) ReapIdle(ctx context.Context, idle time.Duration) int {
	now := t.now()

	t.mu.Lock()
	var idleSessions []*TrackingSession
	for _, s := range t.sessions {
		s.mu.Lock()
		if !s.closed && s.timer == nil && s.pending == nil && now.Sub(s.touched) >= idle {
			idleSessions = append(idleSessions, s)
		}
		s.mu.Unlock()
	}
	t.mu.Unlock()

	reaped := 0
	for _, s := range idleSessions {
		s.mu.Lock()
		// измерение могло прийти, пока мы собирали список
		stillIdle := !s.closed && s.timer == nil && now.Sub(s.touched) >= idle
		s.mu.Unlock()
		if !stillIdle {
			continue
		}
		if err := s.close(ctx); err != nil {
			t.log.WithError(err).WithField("courier_id", s.courierID).Error("Failed to close idle tracking session")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		t.log.WithField("sessions", reaped).Info("Idle tracking sessions reaped")
	}
	return reaped
}

// Run периодически закрывает простаивающие сессии до отмены ctx
func (t *LocationTracker) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ReapIdle(ctx, idle)
		}
	}
}

// Stop закрывает все сессии и дожидается таймерных записей, которые уже
// начали выполняться. Новые измерения после Stop не принимаются.
func (t *LocationTracker) Stop(ctx context.Context) {
	t.mu.Lock()
	t.stopped = true
	sessions := make([]*TrackingSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			t.log.WithError(err).WithField("courier_id", s.courierID).Error("Failed to flush location on shutdown")
		}
	}
	t.flushes.Wait()
}
