package rounds

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/broadcast"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	schedulerLockKey    = "rounds:scheduler"
	defaultLockTTL      = 30 * time.Second
	DefaultFreezeCutoff = 30 * time.Second
)

// Scheduler advances every duration track from a single clock reading per
// tick and broadcasts the resulting state.
type Scheduler struct {
	clock     clock.Clock
	books     []*book.Book
	tracks    []*Track
	publisher broadcast.Publisher
	locker    Locker
	lockTTL   time.Duration

	lastPools map[string]models.PoolTotals
}

type SchedulerOption func(*Scheduler)

// WithLocker makes the scheduler skip ticks while another node holds the lock.
func WithLocker(l Locker, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithPublisher(p broadcast.Publisher) SchedulerOption {
	return func(s *Scheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}

func NewScheduler(clk clock.Clock, books book.Set, settler Settler, cutoff time.Duration, opts ...SchedulerOption) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if cutoff <= 0 {
		cutoff = DefaultFreezeCutoff
	}
	s := &Scheduler{
		clock:     clk,
		books:     books.All(),
		publisher: broadcast.Discard{},
		lockTTL:   defaultLockTTL,
		lastPools: make(map[string]models.PoolTotals),
	}
	for _, d := range domain.Durations {
		s.tracks = append(s.tracks, NewTrack(d, cutoff, s.books, settler))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resume seeds live pool counters for every unsettled instance, so a
// restarted node serves correct totals before the first bet arrives.
func (s *Scheduler) Resume(ctx context.Context) error {
	for _, b := range s.books {
		unsettled, err := b.Store.Queries().ListUnsettledInstances(ctx)
		if err != nil {
			return fmt.Errorf("list unsettled instances in %s book: %w", b.Name, err)
		}
		for _, inst := range unsettled {
			if err := b.Pools.Rebuild(ctx, inst.ID); err != nil {
				return fmt.Errorf("rebuild pools of %s: %w", inst.ID, err)
			}
		}
		zap.L().Info("resumed book", zap.String("book", b.Name), zap.Int("unsettled_instances", len(unsettled)))
	}
	return nil
}

// Current returns the live instance of duration d, or nil.
func (s *Scheduler) Current(d time.Duration) *models.MarketInstance {
	for _, t := range s.tracks {
		if t.Duration() == d {
			return t.Current()
		}
	}
	return nil
}

// Tick advances all tracks to the current time. Tracks are processed
// shortest first so nested instances settle before their master.
func (s *Scheduler) Tick(ctx context.Context) ([]Transition, error) {
	started := time.Now()
	defer func() { observability.ObserveTick(time.Since(started)) }()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, schedulerLockKey, s.lockTTL)
		if errors.Is(err, ErrLockHeld) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer release()
	}

	now := s.clock.Now()
	var (
		applied []Transition
		errs    []error
	)
	for _, t := range s.tracks {
		trs, err := t.Tick(ctx, now)
		applied = append(applied, trs...)
		if err != nil {
			zap.L().Error("track tick failed", zap.String("duration", domain.DurationLabel(t.Duration())), zap.Error(err))
			errs = append(errs, err)
		}
	}

	s.broadcastTick(ctx, now)
	s.broadcastPools(ctx, now)
	return applied, errors.Join(errs...)
}

func (s *Scheduler) broadcastTick(ctx context.Context, now time.Time) {
	payload := broadcast.TickPayload{ServerTime: now}
	for _, t := range s.tracks {
		inst := t.Current()
		if inst == nil {
			continue
		}
		payload.Instances = append(payload.Instances, broadcast.InstanceClock{
			InstanceID:       inst.ID,
			Duration:         inst.DurationLabel(),
			Status:           inst.Status,
			WindowStart:      inst.WindowStart,
			WindowEnd:        inst.WindowEnd,
			FreezeAt:         inst.FreezeAt,
			RemainingSeconds: int64(Remaining(inst, now) / time.Second),
		})
	}
	s.publish(ctx, broadcast.EventTick, now, payload)
}

// broadcastPools sends poolsUpdated for every live instance whose totals
// changed since the previous tick.
func (s *Scheduler) broadcastPools(ctx context.Context, now time.Time) {
	seen := make(map[string]struct{})
	for _, t := range s.tracks {
		inst := t.Current()
		if inst == nil {
			continue
		}
		for _, b := range s.books {
			key := poolsKey(b.Name, inst.ID)
			seen[key] = struct{}{}
			totals, err := b.Pools.Totals(ctx, inst.ID)
			if err != nil {
				zap.L().Warn("pool totals unavailable", zap.String("book", b.Name), zap.String("instance_id", inst.ID.String()), zap.Error(err))
				continue
			}
			if prev, ok := s.lastPools[key]; ok && maps.Equal(prev, totals) {
				continue
			}
			s.lastPools[key] = totals
			s.publish(ctx, broadcast.EventPoolsUpdated, now, broadcast.PoolsPayload{
				Book:       b.Name,
				InstanceID: inst.ID,
				Duration:   inst.DurationLabel(),
				Pools:      totals,
			})
		}
	}
	for key := range s.lastPools {
		if _, ok := seen[key]; !ok {
			delete(s.lastPools, key)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, typ broadcast.EventType, now time.Time, payload any) {
	ev, err := broadcast.NewEvent(typ, now, payload)
	if err != nil {
		zap.L().Error("failed to encode event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	s.publisher.Publish(ctx, ev)
}

func poolsKey(bookName string, id uuid.UUID) string {
	return bookName + ":" + id.String()
}
