package recap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andgineer/news-recap/internal/ingestion"
)

// MaxFetchedChars bounds how much cleaned text one resource fetch keeps.
const MaxFetchedChars = 20000

// ResourceFetcher retrieves the full text of an article's source page.
// YouTube-specific extraction (transcripts, captions) is out of scope;
// a caller that needs it injects its own ResourceFetcher.
type ResourceFetcher interface {
	FetchArticleText(ctx context.Context, url string) (string, error)
}

// HTTPResourceFetcher is the default ResourceFetcher: a plain GET
// followed by the same HTML-stripping pass the ingestion pipeline uses
// on RSS item bodies.
type HTTPResourceFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPResourceFetcher returns a ResourceFetcher with sane defaults.
func NewHTTPResourceFetcher() *HTTPResourceFetcher {
	return &HTTPResourceFetcher{
		Client:  &http.Client{Timeout: 20 * time.Second},
		Timeout: 20 * time.Second,
	}
}

// FetchArticleText downloads url and strips it down to clean text.
func (f *HTTPResourceFetcher) FetchArticleText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "news-recap/1.0 (+resource-loader)")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}

	clean := ingestion.StripHTML(string(body))
	clean = strings.TrimSpace(clean)
	if len(clean) > MaxFetchedChars {
		clean = clean[:MaxFetchedChars]
	}
	return clean, nil
}
