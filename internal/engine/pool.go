package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/feasibility/internal/platform/telemetry"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// PoolConfig sizes a Pool.
type PoolConfig struct {
	// CoreSize workers live until Close.
	CoreSize int
	// MaxSize bounds the number of concurrent workers.
	MaxSize int
	// IdleTimeout is how long a worker above CoreSize waits for work before
	// exiting.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the sizes used when nothing is configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{CoreSize: 4, MaxSize: 16, IdleTimeout: 60 * time.Second}
}

// Pool runs tasks on a bounded set of goroutines. Core workers start with
// the pool; extra workers are started on demand up to MaxSize and stop
// after IdleTimeout without work.
type Pool struct {
	cfg       PoolConfig
	tasks     chan func()
	slots     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	live      atomic.Int32
	telemetry *telemetry.Provider
}

// NewPool starts the core workers.
func NewPool(cfg PoolConfig, tp *telemetry.Provider) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.CoreSize < 0 {
		cfg.CoreSize = 0
	}
	if cfg.CoreSize > cfg.MaxSize {
		cfg.CoreSize = cfg.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultPoolConfig().IdleTimeout
	}

	p := &Pool{
		cfg:       cfg,
		tasks:     make(chan func()),
		slots:     make(chan struct{}, cfg.MaxSize),
		closed:    make(chan struct{}),
		telemetry: tp,
	}
	for i := 0; i < cfg.CoreSize; i++ {
		p.slots <- struct{}{}
		p.start(nil, true)
	}
	return p
}

// Submit hands task to an idle worker, starts a new worker if below
// MaxSize, or blocks until a worker frees up or ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	select {
	case p.slots <- struct{}{}:
		p.start(task, false)
		return nil
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPoolClosed
	}
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int { return int(p.live.Load()) }

// Close stops accepting tasks and waits for running ones to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}

func (p *Pool) start(first func(), core bool) {
	p.wg.Add(1)
	p.telemetry.PoolWorkers(int(p.live.Add(1)))
	go p.work(first, core)
}

func (p *Pool) work(task func(), core bool) {
	defer func() {
		p.telemetry.PoolWorkers(int(p.live.Add(-1)))
		<-p.slots
		p.wg.Done()
	}()

	if task != nil {
		task()
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if !core {
		timer = time.NewTimer(p.cfg.IdleTimeout)
		defer timer.Stop()
	}

	for {
		if timer != nil {
			idle = timer.C
		}
		select {
		case t := <-p.tasks:
			t()
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.IdleTimeout)
			}
		case <-idle:
			return
		case <-p.closed:
			return
		}
	}
}
