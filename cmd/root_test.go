package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/config"
	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/verify"
	"github.com/JakeFAU/storewatch/internal/worker"
)

type fakeApp struct {
	cfg        config.Config
	crawled    []string
	cycle      worker.CycleResult
	crawlRes   crawler.CrawlResult
	batch      verify.BatchResult
	retried    bool
	swept      int
	migrated   bool
	migrateErr error
	served     bool
	closed     bool
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) CrawlStore(_ context.Context, storeID string) crawler.CrawlResult {
	f.crawled = append(f.crawled, storeID)
	res := f.crawlRes
	res.StoreID = storeID
	return res
}

func (f *fakeApp) RunCycle(context.Context) (worker.CycleResult, error) { return f.cycle, nil }

func (f *fakeApp) ProcessPending(context.Context) (verify.BatchResult, error) { return f.batch, nil }

func (f *fakeApp) RetryErrors(context.Context) (verify.BatchResult, error) {
	f.retried = true
	return f.batch, nil
}

func (f *fakeApp) SweepLocks(context.Context) (int, error) { return f.swept, nil }

func (f *fakeApp) Stats(context.Context) (map[crawler.VerificationStatus]int, error) {
	return map[crawler.VerificationStatus]int{
		crawler.VerificationPending:       2,
		crawler.VerificationSoldConfirmed: 1,
	}, nil
}

func (f *fakeApp) Migrate(context.Context) error {
	f.migrated = true
	return f.migrateErr
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Shutdown(context.Context) error { return nil }

func (f *fakeApp) Close() { f.closed = true }

func withFakeApp(t *testing.T, f *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		f.cfg = cfg
		return f, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := execute(context.Background(), args, &out)
	return out.String(), err
}

func TestCrawlSingleStore(t *testing.T) {
	f := &fakeApp{crawlRes: crawler.CrawlResult{Success: true, Found: 10, New: 2}}
	withFakeApp(t, f)

	out, err := run(t, "crawl", "--store", "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, f.crawled)
	assert.Contains(t, out, "s1\tok\tfound=10 new=2")
	assert.True(t, f.closed)
}

func TestCrawlFailureReturnsError(t *testing.T) {
	f := &fakeApp{crawlRes: crawler.CrawlResult{Err: errors.New("challenge")}}
	withFakeApp(t, f)

	out, err := run(t, "crawl", "--store", "s1")
	require.Error(t, err)
	assert.Contains(t, out, "failed")
}

func TestCrawlSkippedIsNotAnError(t *testing.T) {
	f := &fakeApp{crawlRes: crawler.CrawlResult{Skipped: true, SkipReason: worker.SkipLocked}}
	withFakeApp(t, f)

	out, err := run(t, "crawl", "--store", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")
}

func TestCrawlCycle(t *testing.T) {
	f := &fakeApp{cycle: worker.CycleResult{
		Results:   []crawler.CrawlResult{{StoreID: "a", Success: true}, {StoreID: "b", Err: errors.New("boom")}},
		Succeeded: 1,
		Failed:    1,
	}}
	withFakeApp(t, f)

	out, err := run(t, "crawl")
	require.ErrorContains(t, err, "1 store crawls failed")
	assert.Contains(t, out, "a\tok")
	assert.Contains(t, out, "b\tfailed\tboom")
}

func TestVerifyAndRetryPrintBatch(t *testing.T) {
	f := &fakeApp{batch: verify.BatchResult{Processed: 4, Successful: 3, Failed: 1}}
	withFakeApp(t, f)

	out, err := run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, `"processed": 4`)

	_, err = run(t, "retry-errors")
	require.NoError(t, err)
	assert.True(t, f.retried)
}

func TestStatsPrintsSortedCounts(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.Equal(t, "PENDING\t2\nSOLD_CONFIRMED\t1\nTOTAL\t3\n", out)
}

func TestSweepLocksAndMigrate(t *testing.T) {
	f := &fakeApp{swept: 2}
	withFakeApp(t, f)

	out, err := run(t, "sweep-locks")
	require.NoError(t, err)
	assert.Contains(t, out, "released 2 stale locks")

	_, err = run(t, "migrate")
	require.NoError(t, err)
	assert.True(t, f.migrated)

	f.migrateErr = errors.New("migrate requires db.dsn")
	_, err = run(t, "migrate")
	require.ErrorContains(t, err, "db.dsn")
}

func TestServe(t *testing.T) {
	f := &fakeApp{}
	withFakeApp(t, f)

	_, err := run(t, "serve")
	require.NoError(t, err)
	assert.True(t, f.served)
}

func TestConfigFlagIsLoaded(t *testing.T) {
	f := &fakeApp{}
	withFakeApp(t, f)

	path := filepath.Join(t.TempDir(), "storewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	_, err := run(t, "--config", path, "stats")
	require.NoError(t, err)
	assert.Equal(t, 9191, f.cfg.Server.Port)
}

func TestInvalidConfigFails(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock:\n  backend: etcd\n"), 0o600))

	_, err := run(t, "--config", path, "stats")
	require.ErrorContains(t, err, "lock.backend")
}
