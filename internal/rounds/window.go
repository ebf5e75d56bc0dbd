// Package rounds drives the market instance lifecycle of every duration
// track from one authoritative clock.
package rounds

import (
	"fmt"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
)

var instanceNamespace = uuid.MustParse("6f1c2a52-93d4-4c83-9e43-8b0f5c7a1d20")

// Window is one aligned interval of a track. Windows are aligned to the
// Unix epoch, so every 5m and 10m window nests inside exactly one 20m
// master window.
type Window struct {
	Duration    time.Duration
	Sequence    int64
	Start       time.Time
	End         time.Time
	FreezeAt    time.Time
	MasterStart time.Time
}

// WindowAt returns the window of duration d containing t.
func WindowAt(d, cutoff time.Duration, t time.Time) Window {
	start := t.UTC().Truncate(d)
	end := start.Add(d)
	return Window{
		Duration:    d,
		Sequence:    start.Unix() / int64(d/time.Second),
		Start:       start,
		End:         end,
		FreezeAt:    end.Add(-cutoff),
		MasterStart: MasterStart(t),
	}
}

// MasterStart returns the start of the 20m master window containing t.
func MasterStart(t time.Time) time.Time {
	return t.UTC().Truncate(domain.MasterDuration)
}

// Upcoming lists n consecutive windows starting with the one containing from.
func Upcoming(d, cutoff time.Duration, from time.Time, n int) []Window {
	out := make([]Window, 0, n)
	w := WindowAt(d, cutoff, from)
	for i := 0; i < n; i++ {
		out = append(out, w)
		w = WindowAt(d, cutoff, w.End)
	}
	return out
}

// Contains reports whether inner lies entirely within w.
func (w Window) Contains(inner Window) bool {
	return !inner.Start.Before(w.Start) && !inner.End.After(w.End)
}

// InstanceID derives the deterministic id of the instance for (d, seq), so
// every node and every book agree on it.
func InstanceID(d time.Duration, seq int64) uuid.UUID {
	return uuid.NewSHA1(instanceNamespace, []byte(fmt.Sprintf("%d:%d", int64(d/time.Second), seq)))
}

// Instance returns a new PREOPEN instance for the window.
func (w Window) Instance(now time.Time) *models.MarketInstance {
	return &models.MarketInstance{
		ID:          InstanceID(w.Duration, w.Sequence),
		Duration:    w.Duration,
		Sequence:    w.Sequence,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		FreezeAt:    w.FreezeAt,
		MasterStart: w.MasterStart,
		Status:      domain.InstanceStatusPreopen,
		Pools:       models.PoolTotals{}.Clone(),
		CreatedAt:   now,
	}
}

// Remaining returns the time left until the instance freezes, never negative.
func Remaining(inst *models.MarketInstance, now time.Time) time.Duration {
	if d := inst.FreezeAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
