// Package archive exports settled instances and their bets as JSONL files
// to object storage, one file per book and UTC day.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Writer stores one archive object.
type Writer interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// Record is one JSONL line.
type Record struct {
	Book     string                `json:"book"`
	Duration string                `json:"duration"`
	Instance models.MarketInstance `json:"instance"`
	Bets     []models.Bet          `json:"bets"`
}

// Archiver reads settled instances from a book and uploads them.
type Archiver struct {
	writer Writer
	books  []*book.Book
}

func NewArchiver(w Writer, books ...*book.Book) *Archiver {
	return &Archiver{writer: w, books: books}
}

// ArchiveDay uploads every instance settled during the UTC day containing
// day. Re-running a day overwrites the same object, so the job is safe to
// retry. Returns the number of instances written.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	from := clock.StartOfDay(day)
	to := from.Add(24 * time.Hour)

	total := 0
	for _, b := range a.books {
		q := b.Store.Queries()
		instances, err := q.ListSettledBetween(ctx, from, to)
		if err != nil {
			return total, fmt.Errorf("archive %s: list settled instances: %w", b.Name, err)
		}
		if len(instances) == 0 {
			continue
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, inst := range instances {
			bets, err := q.ListBetsByInstance(ctx, inst.ID)
			if err != nil {
				return total, fmt.Errorf("archive %s: list bets of %s: %w", b.Name, inst.ID, err)
			}
			if err := enc.Encode(Record{Book: b.Name, Duration: inst.DurationLabel(), Instance: inst, Bets: bets}); err != nil {
				return total, fmt.Errorf("archive %s: encode %s: %w", b.Name, inst.ID, err)
			}
		}

		key := objectKey(b.Name, from)
		if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
			return total, err
		}
		total += len(instances)
		zap.L().Info("archived settled instances", zap.String("book", b.Name), zap.String("key", key), zap.Int("count", len(instances)))
	}
	return total, nil
}

// objectKey partitions archives by book and day:
//
//	instances/real/2026-06-01.jsonl
func objectKey(bookName string, day time.Time) string {
	return fmt.Sprintf("instances/%s/%s.jsonl", bookName, day.Format("2006-01-02"))
}

// Job runs ArchiveDay for the previous UTC day on a cron schedule.
type Job struct {
	cron     *cron.Cron
	archiver *Archiver
	clock    clock.Clock
	timeout  time.Duration
}

// NewJob registers the archive run at schedule, a standard five-field cron
// expression evaluated in UTC.
func NewJob(a *Archiver, clk clock.Clock, schedule string) (*Job, error) {
	if clk == nil {
		clk = clock.System{}
	}
	j := &Job{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		archiver: a,
		clock:    clk,
		timeout:  10 * time.Minute,
	}
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("register archive job %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce archives yesterday.
func (j *Job) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	day := j.clock.Now().Add(-24 * time.Hour)
	n, err := j.archiver.ArchiveDay(ctx, day)
	if err != nil {
		zap.L().Error("archive run failed", zap.Time("day", clock.StartOfDay(day)), zap.Error(err))
		return
	}
	zap.L().Info("archive run finished", zap.Time("day", clock.StartOfDay(day)), zap.Int("instances", n))
}

func (j *Job) Start() {
	j.cron.Start()
	zap.L().Info("archive job started")
}

// Stop waits for a running archive to finish.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
	zap.L().Info("archive job stopped")
}
