package services

import (
	"sync"
	"time"
)

// Scheduler хранит отложенные задачи по ключу. Повторный Schedule с тем же ключом
// заменяет прежний таймер, Stop отменяет все таймеры.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*scheduledTask
	stopped bool
}

type scheduledTask struct {
	timer *time.Timer
}

// NewScheduler создает пустой планировщик
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*scheduledTask)}
}

// Schedule запускает fn через delay. Отрицательная задержка означает немедленный запуск.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}

	task := &scheduledTask{}
	task.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// задача могла быть заменена или отменена, пока таймер срабатывал
		current, ok := s.timers[key]
		if !ok || current != task {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = task
}

// Cancel отменяет задачу. Возвращает true, если задача еще ждала запуска.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return task.timer.Stop()
}

// Pending возвращает число ожидающих задач
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop отменяет все задачи. После Stop новые задачи не принимаются.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, task := range s.timers {
		task.timer.Stop()
		delete(s.timers, key)
	}
}
