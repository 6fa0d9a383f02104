package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestLockManagerTryAcquire(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	locks, err := NewLockManager(mock, 30*time.Minute, fixedClock{testNow})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_locks").
		WithArgs("store-1", "worker-a", testNow, testNow.Add(-30*time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_locks").
		WithArgs("store-1", "worker-b", testNow, testNow.Add(-30*time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := locks.TryAcquire(context.Background(), "store-1", "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.TryAcquire(context.Background(), "store-1", "worker-b")
	require.NoError(t, err)
	require.False(t, ok, "second worker must see the lock as held")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManagerAcquireOnlyFreeOrStale(t *testing.T) {
	t.Parallel()

	matcher := pgxmock.QueryMatcherFunc(func(expected, actual string) error {
		if !strings.Contains(actual, expected) {
			return fmt.Errorf("query %q does not contain %q", actual, expected)
		}
		if strings.Contains(actual, "crawl_locks.owner_id = EXCLUDED.owner_id") {
			return errors.New("acquire must not let the current owner re-enter")
		}
		return nil
	})
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(matcher))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	locks, err := NewLockManager(mock, 30*time.Minute, fixedClock{testNow})
	require.NoError(t, err)
	mock.ExpectExec("WHERE crawl_locks.is_running = FALSE").
		WithArgs("store-1", "worker-a", testNow, testNow.Add(-30*time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := locks.TryAcquire(context.Background(), "store-1", "worker-a")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManagerReleaseAndSweep(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	locks, err := NewLockManager(mock, 30*time.Minute, fixedClock{testNow})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_locks").WithArgs("store-1", "worker-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_locks").WithArgs("worker-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE crawl_locks").WithArgs(testNow.Add(-time.Hour)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	require.NoError(t, locks.Release(context.Background(), "store-1", "worker-a"))
	n, err := locks.ReleaseAll(context.Background(), "worker-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = locks.SweepStale(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetStore(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewRepository(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, store_name").WithArgs("store-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "store_name", "is_active", "crawl_interval_seconds", "last_crawled_at"}).
			AddRow("store-1", "camera-shop", true, int64(3600), nil))
	mock.ExpectQuery("SELECT id, store_name").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	store, err := repo.GetStore(context.Background(), "store-1")
	require.NoError(t, err)
	require.Equal(t, "camera-shop", store.Name)
	require.Equal(t, time.Hour, store.CrawlInterval)
	require.Nil(t, store.LastCrawledAt)

	_, err = repo.GetStore(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListPending(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewRepository(mock)
	require.NoError(t, err)

	cols := []string{
		"external_item_id", "store_id", "title", "price", "currency", "condition", "image_url", "url",
		"status", "verification_status", "first_seen_at", "last_seen_at", "sold_at", "last_verified_at",
		"verification_error", "last_available_qty", "last_remaining_qty", "last_sold_qty",
	}
	since := testNow.Add(-24 * time.Hour)
	mock.ExpectQuery("FROM listings").WithArgs("PENDING", since, 50).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"111", "store-1", "Camera", 10.5, "USD", "Used", "", "",
			"REMOVED", "PENDING", since, testNow, nil, nil, "", nil, nil, nil,
		))

	listings, err := repo.ListPending(context.Background(), since, 50)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, crawler.StatusRemoved, listings[0].Status)
	require.Equal(t, crawler.VerificationPending, listings[0].VerificationStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryApplyVerification(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewRepository(mock)
	require.NoError(t, err)

	zero, one := 0, 1
	update := crawler.VerificationUpdate{
		Status:             crawler.StatusSold,
		VerificationStatus: crawler.VerificationSoldConfirmed,
		VerifiedAt:         testNow,
		SoldAt:             &testNow,
		Quantities:         crawler.Quantities{Available: &zero, Remaining: &zero, Sold: &one},
	}
	mock.ExpectExec("UPDATE listings SET status").
		WithArgs("111", "SOLD", "SOLD_CONFIRMED", testNow, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE listings SET status").
		WithArgs("999", "SOLD", "SOLD_CONFIRMED", testNow, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.ApplyVerification(context.Background(), "111", update))
	err = repo.ApplyVerification(context.Background(), "999", update)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCountByVerificationStatus(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewRepository(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT verification_status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"verification_status", "count"}).
			AddRow("PENDING", int64(4)).
			AddRow("SOLD_CONFIRMED", int64(2)))

	counts, err := repo.CountByVerificationStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, counts[crawler.VerificationPending])
	require.Equal(t, 2, counts[crawler.VerificationSoldConfirmed])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFinishCrawlLogTruncates(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	repo, err := NewRepository(mock)
	require.NoError(t, err)

	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	truncated := string(long[:crawler.MaxCrawlLogError])
	mock.ExpectExec("UPDATE crawl_logs").
		WithArgs("log-1", "failed", 0, 0, 0, 0, &testNow, &truncated, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.FinishCrawlLog(context.Background(), crawler.CrawlLog{
		ID:           "log-1",
		Status:       crawler.CrawlFailed,
		CompletedAt:  &testNow,
		ErrorMessage: string(long),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStorePutReplaces(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	snaps, err := NewSnapshotStore(mock, fixedClock{testNow})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM store_snapshots").WithArgs("store-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"store_snapshots"}, snapshotColumns).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO store_snapshot_heads").WithArgs("store-1", testNow, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = snaps.Put(context.Background(), "store-1", map[string]crawler.Listing{
		"a": {ExternalID: "a", Title: "A"},
		"b": {ExternalID: "b", Title: "B"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStorePutRollsBack(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	snaps, err := NewSnapshotStore(mock, fixedClock{testNow})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM store_snapshots").WithArgs("store-1").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = snaps.Put(context.Background(), "store-1", map[string]crawler.Listing{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreGet(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	snaps, err := NewSnapshotStore(mock, fixedClock{testNow})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT taken_at").WithArgs("new-store").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT taken_at").WithArgs("store-1").
		WillReturnRows(pgxmock.NewRows([]string{"taken_at"}).AddRow(testNow))
	mock.ExpectQuery("FROM store_snapshots").WithArgs("store-1").
		WillReturnRows(pgxmock.NewRows([]string{"external_item_id", "title", "price", "currency", "condition", "image_url", "url"}).
			AddRow("a", "A", 1.0, "USD", "", "", ""))

	_, found, err := snaps.Get(context.Background(), "new-store")
	require.NoError(t, err)
	require.False(t, found)

	got, found, err := snaps.Get(context.Background(), "store-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "A", got["a"].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stores").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
