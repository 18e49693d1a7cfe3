package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

type LiveMode int

const (
	LiveBoth LiveMode = iota
	LivePullOnly
	LivePushOnly
)

type LiveOptions struct {
	Mode             LiveMode
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	JitterRatio      float64
	PollInterval     time.Duration
	Buffer           int
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.MaxRetryInterval <= 0 {
		o.MaxRetryInterval = 30 * time.Second
	}
	if o.MaxRetryInterval < o.RetryInterval {
		o.MaxRetryInterval = o.RetryInterval
	}
	o.JitterRatio = ClampJitterRatio(o.JitterRatio)
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 16
	}
	return o
}

// LiveSync is a running bidirectional replication. Pulled batches arrive on
// Batches; records written locally are never echoed back.
type LiveSync struct {
	filter   docstore.Filter
	batches  chan Batch
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *Replicator) StartLive(ctx context.Context, filter docstore.Filter, opts LiveOptions) *LiveSync {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	l := &LiveSync{
		filter:  filter,
		batches: make(chan Batch, opts.Buffer),
		stop:    make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Mode != LivePushOnly {
		g.Go(func() error {
			r.liveLoop(gctx, l, DirectionPull, opts)
			return nil
		})
	}
	if opts.Mode != LivePullOnly {
		g.Go(func() error {
			r.liveLoop(gctx, l, DirectionPush, opts)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		cancel()
		close(l.batches)
		close(l.done)
	}()
	r.logger.Info("live replication started", zap.String("filter", filter.Key()))
	return l
}

func (l *LiveSync) Batches() <-chan Batch { return l.batches }

func (l *LiveSync) Done() <-chan struct{} { return l.done }

func (l *LiveSync) Filter() docstore.Filter { return l.filter }

// Stop cancels replication. It is safe to call more than once. No new pull
// or push starts after it returns; a batch already being handed to Batches
// may still arrive.
func (l *LiveSync) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.cancel()
	})
}

func (l *LiveSync) Wait() {
	<-l.done
}

func (l *LiveSync) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *LiveSync) dispatch(ctx context.Context, batch Batch) bool {
	if l.stopped() {
		return false
	}
	select {
	case l.batches <- batch:
		return true
	case <-l.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Replicator) liveLoop(ctx context.Context, l *LiveSync, direction Direction, opts LiveOptions) {
	watched := r.remote
	if direction == DirectionPush {
		watched = r.localEP
	}
	logger := r.logger.With(zap.String("direction", string(direction)), zap.String("filter", l.filter.Key()))

	var notify <-chan uint64
	attempt := 0
	for {
		if ctx.Err() != nil || l.stopped() {
			return
		}
		if notify == nil {
			ch, err := watched.Watch(ctx, l.filter)
			if err != nil {
				logger.Debug("change notifications unavailable; polling", zap.Error(err))
			} else {
				notify = ch
			}
		}

		var (
			batch Batch
			err   error
		)
		if direction == DirectionPull {
			batch, err = r.Pull(ctx, l.filter)
		} else {
			err = r.Push(ctx, l.filter)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			LiveRetries.WithLabelValues(string(direction)).Inc()
			delay := retryBackoff(attempt, opts)
			logger.Warn("live replication failed; retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			// records applied before the failure still count as received
			if len(batch.Records) > 0 && !l.dispatch(ctx, batch) {
				return
			}
			if waitWithContext(ctx, delay) != nil {
				return
			}
			continue
		}
		attempt = 0
		if len(batch.Records) > 0 && !l.dispatch(ctx, batch) {
			return
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case _, ok := <-notify:
			if !ok {
				notify = nil
				if waitWithContext(ctx, opts.RetryInterval) != nil {
					return
				}
			}
		case <-timer.C:
		}
		timer.Stop()
	}
}
