package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor periodically evicts expired sessions.
type Janitor struct {
	registry *Registry
	interval time.Duration
	onEvict  func(n int)

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor that runs every interval. onEvict, if not nil,
// is called with the number of sessions removed by each non-empty pass.
func NewJanitor(r *Registry, interval time.Duration, onEvict func(n int)) *Janitor {
	if interval <= 0 {
		interval = r.cfg.EvictInterval
	}
	return &Janitor{
		registry: r,
		interval: interval,
		onEvict:  onEvict,
	}
}

// Start launches the eviction loop.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopChan = make(chan struct{})

	j.wg.Add(1)
	go j.loop(j.stopChan)
	log.Debug().Dur("interval", j.interval).Msg("session janitor started")
}

// Stop ends the loop and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Janitor) loop(stop <-chan struct{}) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			j.RunOnce(context.Background())
		}
	}
}

// RunOnce performs a single eviction pass.
func (j *Janitor) RunOnce(ctx context.Context) int {
	n, err := j.registry.EvictExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("session eviction pass failed")
	}
	if n > 0 {
		log.Info().Int("evicted", n).Msg("expired sessions evicted")
		if j.onEvict != nil {
			j.onEvict(n)
		}
	}
	return n
}
