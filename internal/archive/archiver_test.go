package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	objects map[string][]byte
}

func (w *memWriter) Put(_ context.Context, key string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[key] = b
	return nil
}

func settledBook(t *testing.T, settledAt ...time.Time) *book.Book {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	b := book.New(st, ledger.New(st, nil, false), pool.NewAggregator(st, nil))
	q := st.Queries()
	for _, at := range settledAt {
		inst := rounds.WindowAt(domain.Duration5m, 30*time.Second, at.Add(-time.Minute)).Instance(at)
		_, err := q.InsertInstance(ctx, inst)
		require.NoError(t, err)
		ok, err := q.TransitionInstance(ctx, inst.ID, domain.InstanceStatusPreopen, domain.InstanceStatusFrozen)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = q.MarkInstanceSettled(ctx, inst.ID, at, false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return b
}

func TestArchiveDay_WritesOneFilePerBook(t *testing.T) {
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	b := settledBook(t,
		day.Add(10*time.Hour),
		day.Add(23*time.Hour+55*time.Minute),
		day.Add(24*time.Hour+5*time.Minute), // next day
	)
	w := &memWriter{}

	n, err := NewArchiver(w, b).ArchiveDay(context.Background(), day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, ok := w.objects["instances/real/2026-06-01.jsonl"]
	require.True(t, ok)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lines := 0
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.Equal(t, "real", rec.Book)
		assert.Equal(t, "5m", rec.Duration)
		assert.Equal(t, domain.InstanceStatusSettled, rec.Instance.Status)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestArchiveDay_NothingSettled(t *testing.T) {
	w := &memWriter{}
	n, err := NewArchiver(w, settledBook(t)).ArchiveDay(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestJob_RunOnceArchivesYesterday(t *testing.T) {
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	w := &memWriter{}
	clk := clock.NewManual(day.Add(24*time.Hour + 3*time.Hour))

	job, err := NewJob(NewArchiver(w, settledBook(t, day.Add(time.Hour))), clk, "15 3 * * *")
	require.NoError(t, err)
	job.RunOnce()

	assert.Contains(t, w.objects, "instances/real/2026-06-01.jsonl")
}

func TestNewJob_RejectsBadSchedule(t *testing.T) {
	_, err := NewJob(NewArchiver(&memWriter{}), nil, "not a cron")
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
