package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePageFetcher struct {
	calls []int
	fail  map[int]error
}

func (f *fakePageFetcher) FetchPage(_ context.Context, _ string, page int) (Page, error) {
	f.calls = append(f.calls, page)
	if err := f.fail[page]; err != nil {
		return Page{}, err
	}
	return Page{Number: page, HTML: []byte(fmt.Sprintf("%d", page))}, nil
}

// fakeExtractor returns a canned page per page number, keyed by the HTML body.
type fakeExtractor struct {
	pages map[string]ExtractedPage
}

func (f *fakeExtractor) Extract(html []byte) (ExtractedPage, error) {
	page, ok := f.pages[string(html)]
	if !ok {
		return ExtractedPage{}, errors.New("unexpected page")
	}
	return page, nil
}

func listingsFrom(start, n int) []Listing {
	out := make([]Listing, 0, n)
	for i := start; i < start+n; i++ {
		out = append(out, Listing{ExternalID: fmt.Sprintf("%d", i), Title: "item"})
	}
	return out
}

func newTestPaginator(f PageFetcher, e Extractor, maxPages int) *Paginator {
	p := NewPaginator(f, e, PaginatorConfig{MaxPages: maxPages, PageDelay: time.Second}, nil)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestShouldContinue(t *testing.T) {
	t.Parallel()

	require.False(t, ShouldContinue(ExtractedPage{Listings: listingsFrom(0, 239), HasNext: true}))
	require.True(t, ShouldContinue(ExtractedPage{Listings: listingsFrom(0, 240), HasNext: true}))
	require.False(t, ShouldContinue(ExtractedPage{Listings: listingsFrom(0, 240), HasNext: true, NextDisabled: true}))
	require.False(t, ShouldContinue(ExtractedPage{Listings: listingsFrom(0, 240)}))
}

func TestPaginatorStopsOnShortPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakePageFetcher{}
	extractor := &fakeExtractor{pages: map[string]ExtractedPage{
		"1": {Listings: listingsFrom(0, 240), HasNext: true},
		"2": {Listings: listingsFrom(240, 10), HasNext: true},
	}}
	out, err := newTestPaginator(fetcher, extractor, 50).Crawl(context.Background(), Store{ID: "s1", Name: "shop"})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, fetcher.calls)
	require.Len(t, out.Listings, 250)
	require.Equal(t, 2, out.Pages)
	require.Equal(t, "s1", out.Listings["0"].StoreID)
}

func TestPaginatorDedupesAcrossPages(t *testing.T) {
	t.Parallel()

	fetcher := &fakePageFetcher{}
	extractor := &fakeExtractor{pages: map[string]ExtractedPage{
		"1": {Listings: listingsFrom(0, 240), HasNext: true},
		"2": {Listings: listingsFrom(200, 40)},
	}}
	out, err := newTestPaginator(fetcher, extractor, 50).Crawl(context.Background(), Store{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, out.Listings, 240)
}

func TestPaginatorHonorsPageCap(t *testing.T) {
	t.Parallel()

	fetcher := &fakePageFetcher{}
	pages := map[string]ExtractedPage{}
	for i := 1; i <= 5; i++ {
		pages[fmt.Sprintf("%d", i)] = ExtractedPage{Listings: listingsFrom(i*1000, 240), HasNext: true}
	}
	out, err := newTestPaginator(fetcher, &fakeExtractor{pages: pages}, 3).Crawl(context.Background(), Store{ID: "s1"})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, fetcher.calls)
	require.Len(t, out.Listings, 720)
}

func TestPaginatorAbortsOnPageFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakePageFetcher{fail: map[int]error{2: ErrChallengeDetected}}
	extractor := &fakeExtractor{pages: map[string]ExtractedPage{
		"1": {Listings: listingsFrom(0, 240), HasNext: true},
	}}
	_, err := newTestPaginator(fetcher, extractor, 50).Crawl(context.Background(), Store{ID: "s1"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrChallengeDetected)
	var pageErr *PageError
	require.ErrorAs(t, err, &pageErr)
	require.Equal(t, 2, pageErr.Page)
}

func TestPaginatorPageDelayHonorsCancel(t *testing.T) {
	t.Parallel()

	fetcher := &fakePageFetcher{}
	extractor := &fakeExtractor{pages: map[string]ExtractedPage{
		"1": {Listings: listingsFrom(0, 240), HasNext: true},
	}}
	p := NewPaginator(fetcher, extractor, PaginatorConfig{MaxPages: 5, PageDelay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := p.Crawl(ctx, Store{ID: "s1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []int{1}, fetcher.calls)
	require.Equal(t, 1, out.Pages)
}
