// Package scheduler rebuilds configured knowledge bases on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
)

const lockTTL = 30 * time.Minute

var ErrNoSchedule = errors.New("rebuild schedule is empty")

type Builder interface {
	Build(ctx context.Context, path string, force bool) (*knowledge.BuildResult, error)
}

// Locker keeps two instances sharing a cache from rebuilding the same path.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, func(), error)
}

// Outcome is the result of rebuilding one path.
type Outcome struct {
	Path   string
	Result *knowledge.BuildResult
	Locked bool
	Err    error
}

type Scheduler struct {
	expr    *cronexpr.Expression
	paths   []string
	builder Builder
	locker  Locker
	log     *zap.Logger
	now     func() time.Time

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

func WithLocker(l Locker) Option { return func(s *Scheduler) { s.locker = l } }

func New(spec string, paths []string, b Builder, log *zap.Logger, opts ...Option) (*Scheduler, error) {
	if spec == "" {
		return nil, ErrNoSchedule
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid rebuild schedule %q: %w", spec, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		expr:    expr,
		paths:   paths,
		builder: b,
		log:     log,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next is the first due time strictly after from, or zero if the expression
// never fires again.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.expr.Next(from)
}

// Start runs the schedule until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("Rebuild scheduler started",
		zap.Strings("paths", s.paths),
		zap.Time("next", s.Next(s.now())),
	)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.now()
		next := s.Next(now)
		if next.IsZero() {
			s.log.Warn("Rebuild schedule has no further runs")
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends the loop started by Start and waits for a running rebuild.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// RunOnce incrementally rebuilds every configured path. A failure on one path
// does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) []Outcome {
	out := make([]Outcome, 0, len(s.paths))
	for _, path := range s.paths {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.rebuild(ctx, path))
	}
	return out
}

func (s *Scheduler) rebuild(ctx context.Context, path string) Outcome {
	o := Outcome{Path: path}
	if s.locker != nil {
		ok, release, err := s.locker.TryLock(ctx, "rebuild:"+path, lockTTL)
		if err != nil {
			s.log.Warn("Rebuild lock unavailable, building anyway", zap.String("path", path), zap.Error(err))
		} else if !ok {
			s.log.Info("Rebuild already running elsewhere", zap.String("path", path))
			o.Locked = true
			return o
		}
		defer release()
	}

	o.Result, o.Err = s.builder.Build(ctx, path, false)
	switch {
	case errors.Is(o.Err, knowledge.ErrEmptyKnowledgeBase):
		s.log.Warn("Scheduled rebuild skipped, knowledge base is empty", zap.String("path", path))
	case o.Err != nil:
		s.log.Error("Scheduled rebuild failed", zap.String("path", path), zap.Error(o.Err))
	default:
		s.log.Info("Scheduled rebuild finished",
			zap.String("path", path),
			zap.Int("documents", o.Result.Documents),
			zap.Int("skipped", o.Result.Skipped),
			zap.Int("chunks", o.Result.Chunks),
		)
	}
	return o
}
