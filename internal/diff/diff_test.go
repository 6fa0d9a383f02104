package diff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func set(ids ...string) map[string]crawler.Listing {
	out := make(map[string]crawler.Listing, len(ids))
	for _, id := range ids {
		out[id] = crawler.Listing{ExternalID: id, Title: "item " + id, Price: 10, Currency: "USD"}
	}
	return out
}

func rangeSet(from, to int) map[string]crawler.Listing {
	ids := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		ids = append(ids, fmt.Sprintf("%04d", i))
	}
	return set(ids...)
}

func newEngine(t *testing.T, cfg Config) (*Engine, *memory.Repository, *memory.SnapshotStore) {
	t.Helper()
	repo := memory.NewRepository()
	snaps := memory.NewSnapshotStore()
	e, err := NewEngine(snaps, repo, fixedClock{t0}, cfg, nil)
	require.NoError(t, err)
	return e, repo, snaps
}

func seed(t *testing.T, repo *memory.Repository, snaps *memory.SnapshotStore, baseline map[string]crawler.Listing) {
	t.Helper()
	for _, l := range baseline {
		l.StoreID = "s"
		l.LastSeenAt = t0.Add(-time.Hour)
		require.NoError(t, repo.UpsertNew(context.Background(), l))
	}
	require.NoError(t, snaps.Put(context.Background(), "s", baseline))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	newIDs, removedIDs, common := Classify(set("B", "C", "D"), set("A", "B", "C"))
	require.Equal(t, []string{"D"}, newIDs)
	require.Equal(t, []string{"A"}, removedIDs)
	require.Equal(t, []string{"B", "C"}, common)
}

func TestApplyMarksRemovedAndInsertsNew(t *testing.T) {
	t.Parallel()

	e, repo, snaps := newEngine(t, DefaultConfig())
	seed(t, repo, snaps, set("A", "B", "C"))

	res, err := e.Apply(context.Background(), "s", set("B", "C", "D"))
	require.NoError(t, err)
	require.Equal(t, 1, res.New)
	require.Equal(t, 1, res.Removed)
	require.False(t, res.Anomaly)
	require.False(t, res.Initial)

	a, _ := repo.Listing("A")
	require.Equal(t, crawler.StatusRemoved, a.Status)
	require.Equal(t, crawler.VerificationPending, a.VerificationStatus)
	require.Equal(t, t0, a.LastSeenAt)

	d, ok := repo.Listing("D")
	require.True(t, ok)
	require.Equal(t, crawler.StatusActive, d.Status)
	require.Equal(t, crawler.VerificationVerified, d.VerificationStatus)

	baseline, _, _ := snaps.Get(context.Background(), "s")
	require.Len(t, baseline, 3)
	require.Contains(t, baseline, "D")
	require.NotContains(t, baseline, "A")
}

func TestApplyAnomalyGuard(t *testing.T) {
	t.Parallel()

	e, repo, snaps := newEngine(t, DefaultConfig())
	seed(t, repo, snaps, rangeSet(0, 100))

	res, err := e.Apply(context.Background(), "s", rangeSet(0, 90))
	require.NoError(t, err)
	require.True(t, res.Anomaly)
	require.Zero(t, res.Removed)

	counts, _ := repo.CountByVerificationStatus(context.Background())
	require.Zero(t, counts[crawler.VerificationPending], "no listing may be marked during an anomaly")

	baseline, _, _ := snaps.Get(context.Background(), "s")
	require.Len(t, baseline, 90, "baseline is replaced even when the guard trips")
}

func TestApplyAnomalyLeavesCommonListingsUntouched(t *testing.T) {
	t.Parallel()

	e, repo, snaps := newEngine(t, DefaultConfig())
	seed(t, repo, snaps, rangeSet(0, 100))

	current := rangeSet(0, 90)
	l := current["0001"]
	l.Price = 99
	current["0001"] = l

	res, err := e.Apply(context.Background(), "s", current)
	require.NoError(t, err)
	require.True(t, res.Anomaly)
	require.Zero(t, res.Updated)

	got, _ := repo.Listing("0001")
	require.InDelta(t, 10, got.Price, 0.0001)
	require.Equal(t, t0.Add(-time.Hour), got.LastSeenAt)

	baseline, _, _ := snaps.Get(context.Background(), "s")
	require.InDelta(t, 99, baseline["0001"].Price, 0.0001)
}

func TestApplyAtThresholdStillMarks(t *testing.T) {
	t.Parallel()

	e, repo, snaps := newEngine(t, DefaultConfig())
	seed(t, repo, snaps, rangeSet(0, 20))

	res, err := e.Apply(context.Background(), "s", rangeSet(5, 20))
	require.NoError(t, err)
	require.False(t, res.Anomaly)
	require.Equal(t, 5, res.Removed)
}

func TestApplyEndToEndScenario(t *testing.T) {
	t.Parallel()

	e, repo, snaps := newEngine(t, DefaultConfig())
	seed(t, repo, snaps, rangeSet(0, 100))

	current := rangeSet(2, 100)
	for id, l := range rangeSet(100, 103) {
		current[id] = l
	}
	res, err := e.Apply(context.Background(), "s", current)
	require.NoError(t, err)
	require.Equal(t, 101, res.Found)
	require.Equal(t, 3, res.New)
	require.Equal(t, 2, res.Removed)
	require.Equal(t, []string{"0000", "0001"}, res.RemovedIDs)
}

func TestApplyUpdatesChangedFieldsOnly(t *testing.T) {
	t.Parallel()

	e, repo, snaps := newEngine(t, DefaultConfig())
	seed(t, repo, snaps, set("A", "B"))

	current := set("A", "B")
	b := current["B"]
	b.Price = 12
	current["B"] = b

	res, err := e.Apply(context.Background(), "s", current)
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)

	got, _ := repo.Listing("B")
	require.InDelta(t, 12, got.Price, 0.0001)
	got, _ = repo.Listing("A")
	require.Equal(t, t0, got.LastSeenAt, "lastSeenAt always refreshes")
}

func TestApplyInitialBaseline(t *testing.T) {
	t.Parallel()

	e, _, snaps := newEngine(t, DefaultConfig())
	res, err := e.Apply(context.Background(), "s", set("A", "B"))
	require.NoError(t, err)
	require.True(t, res.Initial)
	require.Equal(t, 2, res.New)
	_, found, _ := snaps.Get(context.Background(), "s")
	require.True(t, found)
}

func TestThresholdScaling(t *testing.T) {
	t.Parallel()

	cfg := Config{AnomalyThreshold: 5, AnomalyRatio: 0.05}
	require.Equal(t, 5, cfg.Threshold(40))
	require.Equal(t, 50, cfg.Threshold(1000))
	require.Equal(t, 5, DefaultConfig().Threshold(1000))
}

type countingSnapshots struct {
	*memory.SnapshotStore
	putCalls int
}

func (f *countingSnapshots) Put(context.Context, string, map[string]crawler.Listing) error {
	f.putCalls++
	return nil
}

type failingRepo struct {
	*memory.Repository
}

func (failingRepo) UpsertNew(context.Context, crawler.Listing) error {
	return errors.New("db down")
}

func TestApplyKeepsBaselineOnPersistFailure(t *testing.T) {
	t.Parallel()

	snaps := &countingSnapshots{SnapshotStore: memory.NewSnapshotStore()}
	e, err := NewEngine(snaps, failingRepo{memory.NewRepository()}, fixedClock{t0}, DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = e.Apply(context.Background(), "s", set("A"))
	require.Error(t, err)
	require.Zero(t, snaps.putCalls)
}
