// Package ingestion sequences one ingestion run: fetch
// pages from an RSS source, normalize and upsert articles, then hand
// off to the dedup engine, under a single run lifecycle with heartbeat
// and counters.
package ingestion

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/andgineer/news-recap/internal/models"
)

// MaxCleanTextChars is the default truncation limit applied to cleaned
// article text; callers may override per Normalize call.
const MaxCleanTextChars = 20000

// trackingParamPrefixes are query parameters stripped during URL
// canonicalization because they vary per click/share and would
// otherwise prevent the same article from matching across fetches.
var trackingParamPrefixes = []string{"utm_", "ref", "fbclid", "gclid", "mc_cid", "mc_eid"}

// CanonicalizeURL normalizes a URL for identity comparison: lowercases
// the scheme and host, strips the fragment, drops tracking query
// parameters, and removes a single trailing slash.
func CanonicalizeURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(raw)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		values := parsed.Query()
		for key := range values {
			lowerKey := strings.ToLower(key)
			for _, prefix := range trackingParamPrefixes {
				if strings.HasPrefix(lowerKey, prefix) {
					values.Del(key)
					break
				}
			}
		}
		parsed.RawQuery = values.Encode()
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String()
}

// HashURL returns a stable, content-addressed hash of a canonical URL,
// used for fallback-key matching and dedup alt-source tracking.
func HashURL(canonicalURL string) string {
	sum := sha1.Sum([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// SourceDomain extracts the registrable-ish host (scheme and port
// stripped) from a URL for display and alt-source grouping.
func SourceDomain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// StripHTML extracts visible text from an HTML fragment, collapsing
// whitespace and dropping script/style contents. It never errors: a
// malformed fragment degrades to whatever text the tokenizer managed to
// read before giving up.
func StripHTML(input string) string {
	if !strings.ContainsAny(input, "<&") {
		return strings.TrimSpace(collapseWhitespace(input))
	}

	tokenizer := html.NewTokenizer(strings.NewReader(input))
	var sb strings.Builder
	skipDepth := 0
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			break
		}
		switch tokenType {
		case html.StartTagToken, html.SelfClosingTagToken:
			tagName := tokenizer.Token().Data
			if tagName == "script" || tagName == "style" {
				if tokenType == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if tagName == "br" || tagName == "p" || tagName == "div" || tagName == "li" {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			tagName := tokenizer.Token().Data
			if (tagName == "script" || tagName == "style") && skipDepth > 0 {
				skipDepth--
				continue
			}
			if tagName == "p" || tagName == "div" || tagName == "li" {
				sb.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth == 0 {
				sb.WriteString(tokenizer.Token().Data)
				sb.WriteByte(' ')
			}
		}
	}
	return strings.TrimSpace(collapseWhitespace(sb.String()))
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// Truncate cuts text to maxChars runes, reporting whether truncation
// occurred.
func Truncate(text string, maxChars int) (string, bool) {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text, false
	}
	return string(runes[:maxChars]), true
}

// NormalizeOptions configures Normalize.
type NormalizeOptions struct {
	SourceName     string
	MaxCleanChars  int
	RunID          string
}

// Normalize converts a raw SourceArticle into the cleaned, canonicalized
// form the repository upserts: clean HTML to text, truncate at the
// configured max chars, infer is_full_content, and compute the URL
// hash.
func Normalize(article models.SourceArticle, opts NormalizeOptions) models.NormalizedArticle {
	maxChars := opts.MaxCleanChars
	if maxChars <= 0 {
		maxChars = MaxCleanTextChars
	}

	canonical := CanonicalizeURL(article.URL)
	rawText := article.Content
	isFull := rawText != ""
	if rawText == "" {
		rawText = article.Summary
	}
	cleanText := StripHTML(rawText)
	truncated, wasTruncated := Truncate(cleanText, maxChars)

	return models.NormalizedArticle{
		SourceName:       opts.SourceName,
		ExternalID:       article.ExternalID,
		URL:              article.URL,
		URLCanonical:     canonical,
		URLHash:          HashURL(canonical),
		Title:            strings.TrimSpace(article.Title),
		SourceDomain:     SourceDomain(article.URL),
		PublishedAt:      article.PublishedAt,
		LanguageDetected: "",
		ContentRaw:       article.Content,
		SummaryRaw:       article.Summary,
		IsFullContent:    isFull,
		CleanText:        truncated,
		CleanTextChars:   len([]rune(truncated)),
		IsTruncated:      wasTruncated,
	}
}
