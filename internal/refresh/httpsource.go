package refresh

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSource is the default Source: a conditional GET of the feed URL with
// ETag/Last-Modified validators and a minimal RSS enclosure parse. A
// deployment with its own feed layer substitutes that layer's Source
// instead.
type HTTPSource struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
}

// NewHTTPSource builds an HTTPSource with sane defaults.
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{
		Client:    &http.Client{Timeout: 2 * time.Minute},
		UserAgent: "Mozilla/5.0 (compatible; podscrub/1.0)",
		MaxBytes:  20 * 1024 * 1024,
	}
}

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID      string `xml:"guid"`
	Title     string `xml:"title"`
	PubDate   string `xml:"pubDate"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, url, etag, lastModified string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{NotModified: true, ETag: etag, LastModified: lastModified}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("fetch feed: HTTP %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if s.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, s.MaxBytes)
	}

	var doc rssDocument
	if err := xml.NewDecoder(body).Decode(&doc); err != nil {
		return FetchResult{}, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]Item, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		items = append(items, Item{
			GUID:         it.GUID,
			Title:        it.Title,
			EnclosureURL: it.Enclosure.URL,
			PublishedAt:  parsePubDate(it.PubDate),
		})
	}

	return FetchResult{
		Items:        items,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func parsePubDate(raw string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
