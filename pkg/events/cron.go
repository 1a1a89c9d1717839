package events

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// cronSource emits "tick" events on a schedule. The schedule is either a
// Go duration string ("30s", "5m") or a standard 5-field cron expression.
type cronSource struct {
	id        string
	schedule  string
	interval  time.Duration
	immediate bool

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	status string
	fires  int
}

func newCronSource(cfg SourceConfig) (*cronSource, error) {
	schedule, _ := cfg.Options["schedule"].(string)
	if schedule == "" {
		schedule, _ = cfg.Options["interval"].(string)
	}
	if schedule == "" {
		return nil, flowerr.Newf(flowerr.KindInvalidConfig, "cron source %q needs a schedule", cfg.ID)
	}
	immediate, _ := cfg.Options["immediate"].(bool)

	s := &cronSource{
		id:        cfg.ID,
		schedule:  schedule,
		immediate: immediate,
		status:    StatusDisconnected,
	}
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return nil, flowerr.Newf(flowerr.KindInvalidConfig, "cron source %q interval must be positive", cfg.ID)
		}
		s.interval = d
	} else if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, flowerr.Wrap(flowerr.KindInvalidConfig, "invalid cron schedule", err).WithService(cfg.ID)
	}
	return s, nil
}

func (s *cronSource) ID() string { return s.id }

func (s *cronSource) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *cronSource) Connect(_ context.Context, emit func(Event)) error {
	tick := func() {
		s.mu.Lock()
		s.fires++
		n := s.fires
		s.mu.Unlock()
		emit(Event{
			Source:    s.id,
			Type:      "tick",
			Data:      map[string]any{"schedule": s.schedule, "count": n},
			Timestamp: time.Now(),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go func() {
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					tick()
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		c := cron.New()
		if _, err := c.AddFunc(s.schedule, tick); err != nil {
			return flowerr.Wrap(flowerr.KindInvalidConfig, "invalid cron schedule", err).WithService(s.id)
		}
		c.Start()
		s.cron = c
	}
	s.status = StatusConnected
	if s.immediate {
		go tick()
	}
	return nil
}

func (s *cronSource) Stop() error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}
