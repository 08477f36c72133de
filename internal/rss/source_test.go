package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andgineer/news-recap/internal/repository"
	"github.com/stretchr/testify/require"
)

type fakeRssRepo struct {
	states    map[string]repository.RssSourceState
	snapshots map[string]repository.RssProcessingSnapshot
	deleted   []string
}

func newFakeRssRepo() *fakeRssRepo {
	return &fakeRssRepo{
		states:    map[string]repository.RssSourceState{},
		snapshots: map[string]repository.RssProcessingSnapshot{},
	}
}

func (f *fakeRssRepo) GetRssSourceState(ctx context.Context, userID, feedURL string) (repository.RssSourceState, error) {
	return f.states[feedURL], nil
}

func (f *fakeRssRepo) SaveRssSourceState(ctx context.Context, state repository.RssSourceState) error {
	f.states[state.FeedURL] = state
	return nil
}

func (f *fakeRssRepo) GetRssProcessingSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) (repository.RssProcessingSnapshot, bool, error) {
	snap, ok := f.snapshots[feedSetHash]
	return snap, ok, nil
}

func (f *fakeRssRepo) SaveRssProcessingSnapshot(ctx context.Context, snapshot repository.RssProcessingSnapshot) error {
	snapshot.UpdatedAt = time.Now().UTC()
	f.snapshots[snapshot.FeedSetHash] = snapshot
	return nil
}

func (f *fakeRssRepo) DeleteRssProcessingSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) error {
	f.deleted = append(f.deleted, feedSetHash)
	delete(f.snapshots, feedSetHash)
	return nil
}

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<item>
  <title>First Item</title>
  <link>https://example.com/1</link>
  <guid>guid-1</guid>
  <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
  <description>First summary</description>
</item>
<item>
  <title>Second Item</title>
  <link>https://example.com/2</link>
  <guid>guid-2</guid>
  <pubDate>Tue, 03 Jan 2006 15:04:05 +0000</pubDate>
  <description>Second summary</description>
</item>
</channel></rss>`

func TestFetchPageBuildsAndPaginatesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	repo := newFakeRssRepo()
	source := NewSource(repo, "user-1", "hn", []string{server.URL})

	source.BeginRun()
	page, err := source.FetchPage(context.Background(), nil, 1)
	require.NoError(t, err)
	require.Len(t, page.Articles, 1)
	require.Equal(t, "Second Item", page.Articles[0].Title, "newest-first sort puts Jan 3 before Jan 2")
	require.NotNil(t, page.NextCursor)

	require.NoError(t, source.MarkPageProcessed(context.Background(), page.NextCursor))

	page2, err := source.FetchPage(context.Background(), page.NextCursor, 1)
	require.NoError(t, err)
	require.Len(t, page2.Articles, 1)
	require.Equal(t, "First Item", page2.Articles[0].Title)
	require.Nil(t, page2.NextCursor)

	require.NoError(t, source.MarkPageProcessed(context.Background(), page2.NextCursor))
	require.Contains(t, repo.deleted, source.FeedSetHash())
}

func TestFetchPageResumesFromFreshSnapshot(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	repo := newFakeRssRepo()
	source := NewSource(repo, "user-1", "hn", []string{server.URL})
	source.BeginRun()
	_, err := source.FetchPage(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	resumedNext := "1"
	repo.snapshots[source.FeedSetHash()] = repository.RssProcessingSnapshot{
		FeedSetHash:  source.FeedSetHash(),
		SnapshotJSON: repo.snapshots[source.FeedSetHash()].SnapshotJSON,
		NextCursor:   &resumedNext,
		UpdatedAt:    time.Now().UTC(),
	}

	source2 := NewSource(repo, "user-1", "hn", []string{server.URL})
	source2.BeginRun()
	page, err := source2.FetchPage(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "resumed snapshot should not refetch the feed")
	require.Len(t, page.Articles, 1, "resume cursor of 1 should skip the first article")
}

func TestFetchFeedOpensRetryableGapOn503(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	repo := newFakeRssRepo()
	source := NewSource(repo, "user-1", "hn", []string{server.URL})
	source.BeginRun()

	_, err := source.FetchPage(context.Background(), nil, 10)
	require.Error(t, err)
	var temp *TemporarySourceError
	require.ErrorAs(t, err, &temp)
	require.Equal(t, "HTTP_503", temp.Code)
	require.NotNil(t, temp.RetryAfter)
	require.Equal(t, 30, *temp.RetryAfter)
}

func TestFetchFeedFailsNonRetryableOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	repo := newFakeRssRepo()
	source := NewSource(repo, "user-1", "hn", []string{server.URL})
	source.BeginRun()

	_, err := source.FetchPage(context.Background(), nil, 10)
	require.Error(t, err)
	var nonRetryable *NonRetryableSourceError
	require.ErrorAs(t, err, &nonRetryable)
	require.Equal(t, "HTTP_404", nonRetryable.Code)
}

func TestParseFeedHandlesRSSAndAtom(t *testing.T) {
	articles, err := parseFeed([]byte(sampleRSS), "https://example.com/feed")
	require.NoError(t, err)
	require.Len(t, articles, 2)

	atom := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<entry>
  <title>Atom Entry</title>
  <link href="https://example.com/atom1"/>
  <id>atom-guid-1</id>
  <updated>2006-01-02T15:04:05Z</updated>
  <summary>Atom summary</summary>
</entry>
</feed>`
	atomArticles, err := parseFeed([]byte(atom), "https://example.com/atomfeed")
	require.NoError(t, err)
	require.Len(t, atomArticles, 1)
	require.Equal(t, "Atom Entry", atomArticles[0].Title)
	require.Equal(t, "https://example.com/atom1", atomArticles[0].URL)
}

func TestParseFeedEmptyBodyReturnsNoArticles(t *testing.T) {
	articles, err := parseFeed([]byte("  "), "https://example.com/feed")
	require.NoError(t, err)
	require.Empty(t, articles)
}

func TestApplyInoreaderLimitAddsQueryParam(t *testing.T) {
	got := applyInoreaderLimit("https://www.inoreader.com/stream/user/1/tag", 25)
	require.Contains(t, got, "n=25")
}

func TestApplyInoreaderLimitLeavesOtherHostsUnchanged(t *testing.T) {
	got := applyInoreaderLimit("https://example.com/feed.xml", 25)
	require.Equal(t, "https://example.com/feed.xml", got)
}
