package metricsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/pulsesync/internal/adapters/sync/sqlite"
	"github.com/jbctechsolutions/pulsesync/internal/application/metricstore"
	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/application/syncgate"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/storage"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/testutil"
)

type fetchCall struct {
	ownerID    string
	metricType metric.Type
	from, to   time.Time
}

type fakeSource struct {
	mu         sync.Mutex
	aggregates []ports.BucketAggregate
	err        error
	calls      []fetchCall
	block      chan struct{}
}

func (f *fakeSource) FetchBucketedAggregates(ctx context.Context, ownerID string, metricType metric.Type, from, to time.Time) ([]ports.BucketAggregate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{ownerID: ownerID, metricType: metricType, from: from, to: to})
	block := f.block
	aggs, err := f.aggregates, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return aggs, err
}

func (f *fakeSource) set(aggs []ports.BucketAggregate, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregates, f.err = aggs, err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) lastCall() fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// failingWriter fails writes for selected buckets and delegates the rest.
type failingWriter struct {
	next    EntryWriter
	failFor map[time.Time]bool
}

func (w *failingWriter) Write(ctx context.Context, candidate metric.Entry) (metricstore.WriteResult, error) {
	if w.failFor[candidate.BucketStart] {
		return metricstore.WriteResult{}, errors.New("disk full")
	}
	return w.next.Write(ctx, candidate)
}

type handlerFixture struct {
	handler *Handler
	source  *fakeSource
	gate    *syncgate.Gate
	store   *metricstore.Store
	clock   *testutil.Clock
}

func setupHandler(t *testing.T, metricType metric.Type, wrap func(EntryWriter) EntryWriter) *handlerFixture {
	t.Helper()

	db := testutil.OpenTestDB(t)
	clock := testutil.NewClock(testutil.UTCDay(10, 5))

	entries := storage.NewMetricEntryRepository(db)
	entries.SetClock(clock.Now)
	events := storage.NewOutboxRepository(db)
	events.SetClock(clock.Now)

	store := metricstore.New(entries, events, sqlite.TxRunner{DB: db}, nil, metricstore.Config{
		Location:          time.UTC,
		BoundaryTolerance: time.Hour,
		MaxAttempts:       5,
	}, logging.Nop())
	store.SetClock(clock.Now)

	gate := syncgate.New(storage.NewSyncLedgerRepository(db))
	gate.SetClock(clock.Now)

	var writer EntryWriter = store
	if wrap != nil {
		writer = wrap(store)
	}

	source := &fakeSource{}
	h, err := NewHandler(Config{
		MetricType:      metricType,
		GateThreshold:   5 * time.Minute,
		InitialLookback: 3 * time.Hour,
		Location:        time.UTC,
	}, gate, writer, source, nil, logging.Nop())
	require.NoError(t, err)
	h.SetClock(clock.Now)

	return &handlerFixture{handler: h, source: source, gate: gate, store: store, clock: clock}
}

func agg(hour int, value float64) ports.BucketAggregate {
	return ports.BucketAggregate{BucketStart: testutil.UTCDay(hour, 0), Value: value}
}

func TestNewHandler_UnknownType(t *testing.T) {
	_, err := NewHandler(Config{MetricType: "blood_oxygen"}, &syncgate.Gate{}, &failingWriter{}, &fakeSource{}, nil, logging.Nop())
	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeConfiguration, domainErrors.CodeOf(err))
}

func TestHandler_RequiresOwner(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)

	_, err := f.handler.Sync(context.Background(), "")
	assert.True(t, domainErrors.IsValidation(err))
	assert.Zero(t, f.source.callCount())
}

func TestHandler_InitialWindow(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)
	f.source.set([]ports.BucketAggregate{agg(7, 100), agg(8, 200), agg(9, 300), agg(10, 40)}, nil)

	res, err := f.handler.Sync(context.Background(), "u1")
	require.NoError(t, err)

	call := f.source.lastCall()
	assert.Equal(t, testutil.UTCDay(7, 0), call.from, "initial window starts at the lookback bucket")
	assert.Equal(t, testutil.UTCDay(10, 5), call.to)
	assert.Equal(t, metric.TypeSteps, call.metricType)

	assert.False(t, res.Skipped)
	assert.Equal(t, 4, res.Created)
	assert.Empty(t, res.Errors)

	bucket, ok, err := f.gate.LastSyncedBucket(context.Background(), "u1", metric.TypeSteps)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testutil.UTCDay(10, 0), bucket)
}

func TestHandler_GateSkips(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)
	ctx := context.Background()

	_, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.source.callCount(), "a gated pass must not hit the source")
}

func TestHandler_LiveBucketRefetched(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)
	ctx := context.Background()

	f.source.set([]ports.BucketAggregate{agg(10, 120)}, nil)
	res, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	f.clock.Set(testutil.UTCDay(10, 30))
	f.source.set([]ports.BucketAggregate{agg(10, 450)}, nil)
	res, err = f.handler.Sync(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, testutil.UTCDay(10, 0), f.source.lastCall().from, "current bucket is always re-read")
	assert.Equal(t, 1, res.Updated)

	entries, err := f.store.FetchByOwnerAndType(ctx, "u1", metric.TypeSteps, testutil.UTCDay(0, 0), testutil.UTCDay(23, 0))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 450, entries[0].Value, 0.001)
}

func TestHandler_WindowAfterLastBucket(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)
	ctx := context.Background()

	_, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)

	f.clock.Set(testutil.UTCDay(13, 20))
	f.source.set([]ports.BucketAggregate{agg(10, 500), agg(11, 80), agg(12, 90), agg(13, 5)}, nil)
	res, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, testutil.UTCDay(11, 0), f.source.lastCall().from)
	// The 10:00 bucket closed before it was written, so it is new.
	assert.Equal(t, 4, res.Created)
}

func TestHandler_ClosedBucketNotOverwritten(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)
	ctx := context.Background()

	f.source.set([]ports.BucketAggregate{agg(10, 450)}, nil)
	_, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)

	f.clock.Set(testutil.UTCDay(13, 5))
	f.source.set([]ports.BucketAggregate{agg(10, 999), agg(13, 10)}, nil)
	res, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Unchanged)

	entries, err := f.store.FetchByOwnerAndType(ctx, "u1", metric.TypeSteps, testutil.UTCDay(10, 0), testutil.UTCDay(11, 0))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 450, entries[0].Value, 0.001)
}

func TestHandler_FetchErrorRecordsAttempt(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)
	ctx := context.Background()

	f.source.set(nil, errors.New("platform unavailable"))
	res, err := f.handler.Sync(ctx, "u1")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, domainErrors.CodeSource, domainErrors.CodeOf(err))

	_, ok, err := f.gate.LastSyncedBucket(ctx, "u1", metric.TypeSteps)
	require.NoError(t, err)
	assert.False(t, ok, "a failed fetch must not advance the bucket")

	allowed, err := f.gate.ShouldSync(ctx, "u1", metric.TypeSteps, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "a failed fetch still counts as an attempt")
}

func TestHandler_PerBucketErrorsCollected(t *testing.T) {
	failing := testutil.UTCDay(8, 0)
	f := setupHandler(t, metric.TypeSteps, func(next EntryWriter) EntryWriter {
		return &failingWriter{next: next, failFor: map[time.Time]bool{failing: true}}
	})

	f.source.set([]ports.BucketAggregate{agg(7, 10), agg(8, 20), agg(9, 30)}, nil)
	res, err := f.handler.Sync(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, failing, res.Errors[0].BucketStart)
	assert.Contains(t, res.Errors[0].Error(), "disk full")
}

func TestHandler_InvalidAggregateCollected(t *testing.T) {
	f := setupHandler(t, metric.TypeSteps, nil)

	f.source.set([]ports.BucketAggregate{agg(9, 30), {BucketStart: testutil.UTCDay(9, 30), Value: 5}}, nil)
	res, err := f.handler.Sync(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 1)
	assert.True(t, domainErrors.IsValidation(res.Errors[0].Err))
}

func TestHandler_DailyBuckets(t *testing.T) {
	f := setupHandler(t, metric.TypeSleepSession, nil)
	ctx := context.Background()

	day := testutil.UTCDay(0, 0)
	f.source.set([]ports.BucketAggregate{{
		BucketStart: day,
		Value:       420,
		Payload:     testutil.SleepPayload(day.Add(-2*time.Hour), day.Add(5*time.Hour)),
	}}, nil)

	res, err := f.handler.Sync(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, day, f.source.lastCall().from)

	f.clock.Set(day.AddDate(0, 0, 1).Add(9 * time.Hour))
	f.source.set(nil, nil)
	_, err = f.handler.Sync(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, day.AddDate(0, 0, 1), f.source.lastCall().from)
}
