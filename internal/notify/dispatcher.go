// internal/notify/dispatcher.go
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"lockershare/internal/config"
)

// Task is one best-effort side effect. Sink groups tasks that share a
// downstream dependency and therefore a circuit breaker.
type Task struct {
	Kind string
	Sink string
	Run  func(ctx context.Context) error
}

// Permanent marks err as final: the task is not retried and the failure
// does not count against its sink's breaker.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Dispatcher runs tasks on a fixed pool of workers, retrying with
// exponential backoff. Failures are logged and never reach the caller.
type Dispatcher struct {
	cfg     config.DispatcherConfig
	logger  zerolog.Logger
	queue   chan Task
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	closeMu sync.RWMutex

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc

	failed    atomic.Int64
	succeeded atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(cfg config.DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Task, cfg.QueueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers. Calling it twice has no effect.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Enqueue hands t to the workers without blocking. It returns false when
// the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(t Task) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed.Load() {
		d.dropped.Add(1)
		d.logger.Warn().Str("task", t.Kind).Msg("dispatcher stopped, dropping task")
		return false
	}
	select {
	case d.queue <- t:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("task", t.Kind).Int("queue_size", d.cfg.QueueSize).Msg("dispatch queue full, dropping task")
		return false
	}
}

// Stop closes the queue and waits for workers to drain it. When ctx expires
// first, in-flight retries are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed.CompareAndSwap(false, true) {
		close(d.queue)
	}
	d.closeMu.Unlock()

	if !d.started.Load() {
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats reports task outcomes since start.
func (d *Dispatcher) Stats() (succeeded, failed, dropped int64) {
	return d.succeeded.Load(), d.failed.Load(), d.dropped.Load()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(t, id)
	}
}

func (d *Dispatcher) run(t Task, worker int) {
	log := d.logger.With().Str("task", t.Kind).Str("sink", t.Sink).Int("worker", worker).Logger()
	cb := d.breaker(t.Sink)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff

	attempt := 0
	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		attempt++
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, t.Run(d.ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("task failed, retrying")
		}),
	)
	if err != nil {
		d.failed.Add(1)
		log.Error().Err(err).Int("attempts", attempt).Msg("task failed permanently")
		return
	}
	d.succeeded.Add(1)
}

func (d *Dispatcher) breaker(sink string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[sink]; ok {
		return cb
	}
	threshold := uint32(d.cfg.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	d.breakers[sink] = cb
	return cb
}
