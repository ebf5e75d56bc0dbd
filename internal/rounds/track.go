package rounds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Settler pays out a frozen instance of one book.
type Settler interface {
	Settle(ctx context.Context, b *book.Book, instanceID uuid.UUID) (*models.MarketInstance, error)
}

// Transition records one applied status change.
type Transition struct {
	InstanceID uuid.UUID
	Duration   time.Duration
	From       string
	To         string
	At         time.Time
}

var statusRank = map[string]int{
	domain.InstanceStatusPreopen: 0,
	domain.InstanceStatusOpen:    1,
	domain.InstanceStatusFrozen:  2,
	domain.InstanceStatusSettled: 3,
}

// Track runs the instances of one duration. The first book is
// authoritative; every transition is mirrored to the others with the same
// instance id.
type Track struct {
	duration time.Duration
	cutoff   time.Duration
	books    []*book.Book
	settler  Settler

	mu      sync.Mutex
	current *models.MarketInstance
	lastSeq int64
}

func NewTrack(duration, cutoff time.Duration, books []*book.Book, settler Settler) *Track {
	return &Track{duration: duration, cutoff: cutoff, books: books, settler: settler, lastSeq: -1}
}

func (t *Track) Duration() time.Duration { return t.duration }

// Current returns the live instance of the track, or nil between instances.
func (t *Track) Current() *models.MarketInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	inst := *t.current
	return &inst
}

// Tick applies every transition due at now, in order, and creates the next
// instance once the current one has settled. A failed settlement leaves
// the instance frozen; the next tick retries it.
func (t *Track) Tick(ctx context.Context, now time.Time) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.load(ctx); err != nil {
		return nil, err
	}

	var applied []Transition
	for {
		if t.current == nil {
			w := WindowAt(t.duration, t.cutoff, now)
			if w.Sequence <= t.lastSeq {
				return applied, nil
			}
			inst, err := t.create(ctx, w, now)
			if err != nil {
				return applied, err
			}
			t.current = inst
			continue
		}

		inst := t.current
		var next string
		switch inst.Status {
		case domain.InstanceStatusPreopen:
			if now.Before(inst.WindowStart) {
				return applied, nil
			}
			next = domain.InstanceStatusOpen
		case domain.InstanceStatusOpen:
			if now.Before(inst.FreezeAt) {
				return applied, nil
			}
			next = domain.InstanceStatusFrozen
		case domain.InstanceStatusFrozen:
			if now.Before(inst.WindowEnd) {
				return applied, nil
			}
			if err := t.settle(ctx, inst.ID); err != nil {
				return applied, err
			}
			next = domain.InstanceStatusSettled
		case domain.InstanceStatusSettled:
			t.lastSeq = inst.Sequence
			t.current = nil
			continue
		default:
			return applied, fmt.Errorf("instance %s has unknown status %q", inst.ID, inst.Status)
		}

		if next != domain.InstanceStatusSettled {
			if err := t.transition(ctx, inst, next); err != nil {
				return applied, err
			}
		}
		applied = append(applied, Transition{InstanceID: inst.ID, Duration: t.duration, From: inst.Status, To: next, At: now})
		observability.IncrementTransition(domain.DurationLabel(t.duration), next)
		zap.L().Info("instance transition",
			zap.String("duration", domain.DurationLabel(t.duration)),
			zap.String("instance_id", inst.ID.String()),
			zap.String("from", inst.Status),
			zap.String("to", next),
		)
		inst.Status = next
	}
}

// load refreshes the current instance from the authoritative book so that
// progress made by another node is picked up.
func (t *Track) load(ctx context.Context) error {
	q := t.books[0].Store.Queries()
	if t.current != nil {
		inst, err := q.GetInstance(ctx, t.current.ID)
		if err != nil {
			return fmt.Errorf("reload instance %s: %w", t.current.ID, err)
		}
		t.current = inst
		return nil
	}

	latest, err := q.LatestInstance(ctx, t.duration)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest %s instance: %w", domain.DurationLabel(t.duration), err)
	}
	if latest.Status == domain.InstanceStatusSettled {
		if latest.Sequence > t.lastSeq {
			t.lastSeq = latest.Sequence
		}
		return nil
	}
	if err := t.mirror(ctx, latest); err != nil {
		return err
	}
	t.current = latest
	return nil
}

func (t *Track) create(ctx context.Context, w Window, now time.Time) (*models.MarketInstance, error) {
	fresh := w.Instance(now)
	for _, b := range t.books {
		if _, err := b.Store.Queries().InsertInstance(ctx, fresh); err != nil {
			return nil, fmt.Errorf("create %s instance in %s book: %w", domain.DurationLabel(t.duration), b.Name, err)
		}
	}
	// Another node may have created and advanced it already.
	inst, err := t.books[0].Store.Queries().GetInstance(ctx, fresh.ID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("instance created",
		zap.String("duration", domain.DurationLabel(t.duration)),
		zap.String("instance_id", inst.ID.String()),
		zap.Time("window_start", inst.WindowStart),
		zap.Time("window_end", inst.WindowEnd),
	)
	return inst, nil
}

// mirror makes sure every secondary book has the instance, e.g. after the
// ephemeral demo book was lost in a restart.
func (t *Track) mirror(ctx context.Context, inst *models.MarketInstance) error {
	for _, b := range t.books[1:] {
		if _, err := b.Store.Queries().InsertInstance(ctx, inst); err != nil {
			return fmt.Errorf("mirror instance %s to %s book: %w", inst.ID, b.Name, err)
		}
	}
	return nil
}

// transition applies from -> next in every book with a compare-and-set.
// A book that is already past next was advanced by someone else.
func (t *Track) transition(ctx context.Context, inst *models.MarketInstance, next string) error {
	for _, b := range t.books {
		q := b.Store.Queries()
		ok, err := q.TransitionInstance(ctx, inst.ID, inst.Status, next)
		if err != nil {
			return fmt.Errorf("%s book: %s -> %s: %w", b.Name, inst.Status, next, err)
		}
		if ok {
			continue
		}
		actual, err := q.GetInstance(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("%s book: read instance after failed transition: %w", b.Name, err)
		}
		if statusRank[actual.Status] < statusRank[next] {
			return fmt.Errorf("%s book: instance %s is %s, cannot move to %s: %w", b.Name, inst.ID, actual.Status, next, domain.ErrInvalidStateChange)
		}
	}
	return nil
}

// settle runs the secondary books first and stops at the first failure,
// leaving the authoritative book frozen. load reads the authoritative book,
// so the next tick retries every book before the next instance is created.
// Books already settled are returned unchanged by the settler.
func (t *Track) settle(ctx context.Context, id uuid.UUID) error {
	order := make([]*book.Book, 0, len(t.books))
	order = append(order, t.books[1:]...)
	order = append(order, t.books[0])
	for _, b := range order {
		if _, err := t.settler.Settle(ctx, b, id); err != nil {
			return fmt.Errorf("settle %s in %s book: %w", id, b.Name, err)
		}
	}
	return nil
}
