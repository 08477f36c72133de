// Package rss implements the resumable, conditional-GET feed source:
// fetch RSS/Atom feeds, normalize items into SourceArticle values, and
// checkpoint progress in a snapshot so a crashed run can resume
// without refetching.
package rss

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andgineer/news-recap/internal/models"
	"github.com/andgineer/news-recap/internal/repository"
)

// DefaultSnapshotMaxAge bounds how stale a persisted processing
// snapshot may be before it's treated as expired and rebuilt from the
// feeds rather than resumed.
const DefaultSnapshotMaxAge = 6 * time.Hour

// DefaultPageLimit is used when the caller passes limit<=0.
const DefaultPageLimit = 25

// Repository is the subset of repository.Repository a Source depends
// on for conditional-GET state and resumable snapshots.
type Repository interface {
	GetRssSourceState(ctx context.Context, userID, feedURL string) (repository.RssSourceState, error)
	SaveRssSourceState(ctx context.Context, state repository.RssSourceState) error
	GetRssProcessingSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) (repository.RssProcessingSnapshot, bool, error)
	SaveRssProcessingSnapshot(ctx context.Context, snapshot repository.RssProcessingSnapshot) error
	DeleteRssProcessingSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) error
}

// Stats reports what happened on the first fetch_page call of a run.
type Stats struct {
	Resumed        bool
	FeedsFetched   int
	FeedsNotModified int
	ArticlesTotal  int
}

// Source streams normalized articles across a fixed set of feed URLs
// for one (user, source) pair.
type Source struct {
	repo           Repository
	httpClient     *http.Client
	userID         string
	sourceName     string
	feedURLs       []string
	feedSetHash    string
	snapshotMaxAge time.Duration
	userAgent      string

	snapshot []models.SourceArticle
	stats    Stats
	began    bool
}

// Option configures a Source.
type Option func(*Source)

// WithSnapshotMaxAge overrides DefaultSnapshotMaxAge.
func WithSnapshotMaxAge(d time.Duration) Option {
	return func(s *Source) { s.snapshotMaxAge = d }
}

// WithUserAgent overrides the User-Agent header sent on feed requests.
func WithUserAgent(ua string) Option {
	return func(s *Source) { s.userAgent = ua }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Source) { s.httpClient = client }
}

// NewSource builds a Source over a fixed, ordered set of feed URLs.
func NewSource(repo Repository, userID, sourceName string, feedURLs []string, opts ...Option) *Source {
	s := &Source{
		repo:           repo,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		userID:         userID,
		sourceName:     sourceName,
		feedURLs:       feedURLs,
		feedSetHash:    feedSetHash(feedURLs),
		snapshotMaxAge: DefaultSnapshotMaxAge,
		userAgent:      "news-recap/1.0 (+rss-source)",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FeedSetHash exposes the stable key derived from the feed URL set,
// used by the orchestrator and by RssProcessingSnapshot lookups.
func (s *Source) FeedSetHash() string { return s.feedSetHash }

func feedSetHash(feedURLs []string) string {
	sorted := append([]string(nil), feedURLs...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// BeginRun clears per-run in-memory state and statistics. Call once at
// the start of each ingestion run before the first FetchPage.
func (s *Source) BeginRun() {
	s.snapshot = nil
	s.stats = Stats{}
	s.began = false
}

// Stats returns the statistics accumulated since the last BeginRun.
func (s *Source) Stats() Stats { return s.stats }

// FetchPage returns the page of articles at the given cursor (a
// decimal offset, nil meaning the start), building or resuming the
// combined, sorted snapshot on the first call of a run.
func (s *Source) FetchPage(ctx context.Context, cursor *string, limit int) (models.SourcePage, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	effectiveCursor := cursor
	if !s.began {
		s.began = true
		resumeCursor, err := s.loadOrBuildSnapshot(ctx)
		if err != nil {
			return models.SourcePage{}, err
		}
		if s.stats.Resumed {
			effectiveCursor = resumeCursor
		}
	}

	offset := parseOffset(effectiveCursor)
	end := offset + limit
	if end > len(s.snapshot) {
		end = len(s.snapshot)
	}
	if offset > len(s.snapshot) {
		offset = len(s.snapshot)
	}

	page := models.SourcePage{Articles: append([]models.SourceArticle(nil), s.snapshot[offset:end]...)}
	if end < len(s.snapshot) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	page.Cursor = strconv.Itoa(offset)
	return page, nil
}

// MarkPageProcessed updates the stored snapshot cursor, or deletes the
// snapshot entirely once the chain is drained (nextCursor == nil).
func (s *Source) MarkPageProcessed(ctx context.Context, nextCursor *string) error {
	if nextCursor == nil {
		return s.repo.DeleteRssProcessingSnapshot(ctx, s.userID, s.sourceName, s.feedSetHash)
	}
	blob, err := json.Marshal(s.snapshot)
	if err != nil {
		return fmt.Errorf("marshaling rss snapshot: %w", err)
	}
	return s.repo.SaveRssProcessingSnapshot(ctx, repository.RssProcessingSnapshot{
		UserID:       s.userID,
		SourceName:   s.sourceName,
		FeedSetHash:  s.feedSetHash,
		SnapshotJSON: blob,
		NextCursor:   nextCursor,
	})
}

// loadOrBuildSnapshot restores a fresh persisted snapshot if one
// exists, else fetches all feeds and builds a new combined, sorted
// snapshot. It returns the resume cursor when a snapshot was restored.
func (s *Source) loadOrBuildSnapshot(ctx context.Context) (*string, error) {
	saved, ok, err := s.repo.GetRssProcessingSnapshot(ctx, s.userID, s.sourceName, s.feedSetHash)
	if err != nil {
		return nil, fmt.Errorf("loading rss processing snapshot: %w", err)
	}
	if ok && time.Since(saved.UpdatedAt) < s.snapshotMaxAge {
		var articles []models.SourceArticle
		if err := json.Unmarshal(saved.SnapshotJSON, &articles); err == nil {
			s.snapshot = articles
			s.stats.Resumed = true
			s.stats.ArticlesTotal = len(articles)
			return saved.NextCursor, nil
		}
	}

	var combined []models.SourceArticle
	for _, feedURL := range s.feedURLs {
		articles, notModified, err := s.fetchFeed(ctx, feedURL)
		if err != nil {
			return nil, err
		}
		s.stats.FeedsFetched++
		if notModified {
			s.stats.FeedsNotModified++
		}
		combined = append(combined, articles...)
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].PublishedAt.After(combined[j].PublishedAt)
	})
	s.snapshot = combined
	s.stats.ArticlesTotal = len(combined)

	blob, err := json.Marshal(combined)
	if err != nil {
		return nil, fmt.Errorf("marshaling rss snapshot: %w", err)
	}
	if err := s.repo.SaveRssProcessingSnapshot(ctx, repository.RssProcessingSnapshot{
		UserID:       s.userID,
		SourceName:   s.sourceName,
		FeedSetHash:  s.feedSetHash,
		SnapshotJSON: blob,
	}); err != nil {
		return nil, fmt.Errorf("saving rss snapshot: %w", err)
	}
	return nil, nil
}

// fetchFeed performs a conditional GET against one feed URL, applying
// the Inoreader page-size override, and returns the parsed articles.
func (s *Source) fetchFeed(ctx context.Context, feedURL string) ([]models.SourceArticle, bool, error) {
	requestURL := applyInoreaderLimit(feedURL, DefaultPageLimit)

	state, err := s.repo.GetRssSourceState(ctx, s.userID, feedURL)
	if err != nil {
		return nil, false, fmt.Errorf("loading rss source state for %s: %w", feedURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, false, &NonRetryableSourceError{Code: "INVALID_URL", cause: err}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if state.ETag != nil {
		req.Header.Set("If-None-Match", *state.ETag)
	}
	if state.LastModified != nil {
		req.Header.Set("If-Modified-Since", *state.LastModified)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, &TemporarySourceError{Code: "NETWORK_ERROR", cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, true, nil
	}

	if resp.StatusCode != http.StatusOK {
		if retryableStatusCodes[resp.StatusCode] {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, false, &TemporarySourceError{
				Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
				RetryAfter: retryAfter,
			}
		}
		return nil, false, &NonRetryableSourceError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, &TemporarySourceError{Code: "READ_ERROR", cause: err}
	}

	newState := state
	if etag := resp.Header.Get("ETag"); etag != "" {
		newState.ETag = &etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		newState.LastModified = &lastMod
	}
	newState.UserID, newState.FeedURL = s.userID, feedURL
	if err := s.repo.SaveRssSourceState(ctx, newState); err != nil {
		return nil, false, fmt.Errorf("saving rss source state for %s: %w", feedURL, err)
	}

	articles, err := parseFeed(body, feedURL)
	if err != nil {
		return nil, false, err
	}
	return articles, false, nil
}

func parseOffset(cursor *string) int {
	if cursor == nil || *cursor == "" {
		return 0
	}
	offset, err := strconv.Atoi(*cursor)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// applyInoreaderLimit adds the `n=<limit>` query override Inoreader
// stream URLs accept to control page size.
func applyInoreaderLimit(feedURL string, limit int) string {
	parsed, err := url.Parse(feedURL)
	if err != nil || !strings.Contains(strings.ToLower(parsed.Host), "inoreader") {
		return feedURL
	}
	values := parsed.Query()
	values.Set("n", strconv.Itoa(limit))
	parsed.RawQuery = values.Encode()
	return parsed.String()
}

func parseRetryAfter(header string) *int {
	if header == "" {
		return nil
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil {
		return nil
	}
	return &seconds
}

// parseFeed parses an RSS 2.0 or Atom document, matching element local
// names case-insensitively, and returns one SourceArticle per item or
// entry.
func parseFeed(data []byte, feedURL string) ([]models.SourceArticle, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = false
	decoder.Entity = xml.HTMLEntity

	var articles []models.SourceArticle
	var current map[string]string
	var currentField string
	var buf strings.Builder
	inItem := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &NonRetryableSourceError{Code: "PARSE_ERROR", cause: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if name == "item" || name == "entry" {
				inItem = true
				current = map[string]string{}
				continue
			}
			if !inItem {
				continue
			}
			currentField = normalizeFieldName(name)
			buf.Reset()
			if name == "link" {
				for _, attr := range t.Attr {
					if strings.ToLower(attr.Name.Local) == "href" && attr.Value != "" {
						setIfEmpty(current, "link", attr.Value)
					}
				}
			}
		case xml.CharData:
			if inItem && currentField != "" {
				buf.Write(t)
			}
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			if name == "item" || name == "entry" {
				inItem = false
				articles = append(articles, buildSourceArticle(current, feedURL))
				current = nil
				continue
			}
			if inItem && normalizeFieldName(name) == currentField {
				text := strings.TrimSpace(buf.String())
				if text != "" {
					setIfEmpty(current, currentField, text)
				}
				currentField = ""
			}
		}
	}
	return articles, nil
}

func setIfEmpty(m map[string]string, key, value string) {
	if m[key] == "" {
		m[key] = value
	}
}

// normalizeFieldName collapses the RSS/Atom field-name variants this
// parser cares about onto a small shared vocabulary.
func normalizeFieldName(local string) string {
	switch local {
	case "guid", "id":
		return "guid"
	case "pubdate", "published", "updated", "date":
		return "pubdate"
	case "description", "summary":
		return "description"
	case "encoded", "content":
		return "content"
	case "title", "link":
		return local
	default:
		return ""
	}
}

func buildSourceArticle(fields map[string]string, feedURL string) models.SourceArticle {
	if fields == nil {
		fields = map[string]string{}
	}
	guid := fields["guid"]
	link := fields["link"]
	title := fields["title"]
	pubDateRaw := fields["pubdate"]
	publishedAt := parseFeedDate(pubDateRaw)

	var externalID string
	if guid != "" {
		externalID = hashFeedURL(feedURL) + ":" + guid
	} else {
		payload, _ := json.Marshal([]string{feedURL, link, title, pubDateRaw})
		sum := sha1.Sum(payload)
		externalID = "generated:" + hex.EncodeToString(sum[:])
	}

	return models.SourceArticle{
		ExternalID:  externalID,
		URL:         link,
		Title:       title,
		Source:      feedURL,
		PublishedAt: publishedAt,
		Content:     fields["content"],
		Summary:     fields["description"],
		RawPayload:  map[string]any{"guid": guid, "pubdate": pubDateRaw},
	}
}

func hashFeedURL(feedURL string) string {
	sum := sha1.Sum([]byte(feedURL))
	return hex.EncodeToString(sum[:])[:10]
}

// unknownPublishedAt is the sentinel assigned to items whose date
// could not be parsed.
var unknownPublishedAt = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

var feedDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseFeedDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownPublishedAt
	}
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return unknownPublishedAt
}
