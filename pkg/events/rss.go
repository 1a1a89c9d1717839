package events

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// rssSource polls a feed URL and emits a "new_item" event per previously
// unseen entry. The first poll only seeds the seen set, so subscribing to
// an existing feed does not replay its history. Fetch and parse failures
// emit "error" events and the next poll proceeds normally.
type rssSource struct {
	id       string
	url      string
	interval time.Duration
	maxItems int
	client   *http.Client

	mu     sync.Mutex
	seen   map[string]bool
	seeded bool
	cancel context.CancelFunc
	status string
}

type rssDocument struct {
	Channel *struct { // RSS 2.0
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Title   string    `xml:"title"` // Atom
	Entries []rssItem `xml:"entry"`
}

type rssItem struct {
	Title   string  `xml:"title"`
	GUID    string  `xml:"guid"`
	AtomID  string  `xml:"id"`
	Link    rssLink `xml:"link"`
	PubDate string  `xml:"pubDate"`
	Updated string  `xml:"updated"`
	Summary string  `xml:"description"`
	Excerpt string  `xml:"summary"`
}

func (it rssItem) summary() string {
	if it.Summary != "" {
		return it.Summary
	}
	return it.Excerpt
}

// rssLink reads both forms: RSS 2.0 puts the URL in chardata, Atom in the
// href attribute.
type rssLink struct {
	Href string `xml:"href,attr"`
	Text string `xml:",chardata"`
}

func (l rssLink) URL() string {
	if l.Href != "" {
		return l.Href
	}
	return l.Text
}

// identity keys an item for deduplication: guid, then id, then link, then
// title as a last resort.
func (it rssItem) identity() string {
	switch {
	case it.GUID != "":
		return it.GUID
	case it.AtomID != "":
		return it.AtomID
	case it.Link.URL() != "":
		return it.Link.URL()
	}
	return it.Title
}

func newRSSSource(cfg SourceConfig) (*rssSource, error) {
	url, _ := cfg.Options["url"].(string)
	if url == "" {
		return nil, flowerr.Newf(flowerr.KindInvalidConfig, "rss source %q needs a url", cfg.ID)
	}
	interval := 5 * time.Minute
	if raw, ok := cfg.Options["interval"].(string); ok {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, flowerr.Newf(flowerr.KindInvalidConfig, "rss source %q has invalid interval %q", cfg.ID, raw)
		}
		interval = d
	}
	maxItems := 10
	switch n := cfg.Options["max_items"].(type) {
	case int:
		maxItems = n
	case float64:
		maxItems = int(n)
	}
	return &rssSource{
		id:       cfg.ID,
		url:      url,
		interval: interval,
		maxItems: maxItems,
		client:   &http.Client{Timeout: 30 * time.Second},
		seen:     make(map[string]bool),
		status:   StatusDisconnected,
	}, nil
}

func (s *rssSource) ID() string { return s.id }

func (s *rssSource) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connect performs the seeding poll synchronously, then polls on the
// configured interval until Stop.
func (s *rssSource) Connect(ctx context.Context, emit func(Event)) error {
	pollCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.status = StatusConnected
	s.mu.Unlock()

	s.poll(ctx, emit)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.poll(pollCtx, emit)
			case <-pollCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *rssSource) poll(ctx context.Context, emit func(Event)) {
	items, feedTitle, err := s.fetch(ctx)
	if err != nil {
		log.Warn("rss poll failed", "source", s.id, "error", err)
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		emit(Event{
			Source:    s.id,
			Type:      "error",
			Data:      map[string]any{"error": err.Error(), "url": s.url},
			Timestamp: time.Now(),
		})
		return
	}

	s.mu.Lock()
	s.status = StatusConnected
	seeding := !s.seeded
	s.seeded = true
	var fresh []rssItem
	for _, item := range items {
		id := item.identity()
		if id == "" || s.seen[id] {
			continue
		}
		if seeding {
			s.seen[id] = true
			continue
		}
		// Only emitted items are marked seen; overflow past max_items
		// stays unseen and surfaces on a later poll.
		if len(fresh) == s.maxItems {
			continue
		}
		s.seen[id] = true
		fresh = append(fresh, item)
	}
	s.mu.Unlock()

	if seeding {
		return
	}
	for _, item := range fresh {
		published := item.PubDate
		if published == "" {
			published = item.Updated
		}
		emit(Event{
			Source: s.id,
			Type:   "new_item",
			Data: map[string]any{
				"feed":      feedTitle,
				"id":        item.identity(),
				"title":     item.Title,
				"link":      item.Link.URL(),
				"summary":   item.summary(),
				"published": published,
			},
			Timestamp: time.Now(),
		})
	}
}

// fetch downloads and parses the feed, accepting RSS 2.0 and Atom.
func (s *rssSource) fetch(ctx context.Context) ([]rssItem, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building feed request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching feed: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading feed body: %w", err)
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, "", fmt.Errorf("parsing feed: %w", err)
	}
	if doc.Channel != nil {
		return doc.Channel.Items, doc.Channel.Title, nil
	}
	return doc.Entries, doc.Title, nil
}

func (s *rssSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
