package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

func TestWaitForEventReturnsOldestMatch(t *testing.T) {
	m := NewManager()
	m.dispatch(&Event{Source: "chat", Type: "message", Data: map[string]any{"n": 1}, Timestamp: time.Now()})
	m.dispatch(&Event{Source: "chat", Type: "message", Data: map[string]any{"n": 2}, Timestamp: time.Now()})

	first, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "chat", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Data["n"])

	second, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "chat", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Data["n"])
}

func TestWaitForEventFilters(t *testing.T) {
	m := NewManager()
	m.dispatch(&Event{Source: "feed", Type: "new_item", Timestamp: time.Now()})
	m.dispatch(&Event{Source: "chat", Type: "message", Timestamp: time.Now()})

	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "chat", Type: "message", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "chat", got.Source)

	// The non-matching event is still queued.
	got, err = m.WaitForEvent(context.Background(), WaitFilter{Type: "new_item", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "feed", got.Source)
}

func TestWaitForEventWakesOnLaterDispatch(t *testing.T) {
	m := NewManager()
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.dispatch(&Event{Source: "timer", Type: "tick", Timestamp: time.Now()})
	}()

	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "timer", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "tick", got.Type)
}

func TestWaitForEventTimesOut(t *testing.T) {
	m := NewManager()
	_, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "nothing", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, flowerr.KindTimeout, flowerr.KindOf(err))
}

func TestSourceTypeFilter(t *testing.T) {
	m := NewManager()
	emit := m.emitter([]string{"item"})
	emit(Event{Source: "feed", Type: "new_item", Timestamp: time.Now()})
	emit(Event{Source: "feed", Type: "error", Timestamp: time.Now()})

	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "feed", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "new_item", got.Type)

	_, err = m.WaitForEvent(context.Background(), WaitFilter{Source: "feed", Timeout: 20 * time.Millisecond})
	assert.Equal(t, flowerr.KindTimeout, flowerr.KindOf(err))
}

func TestAddRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	cfg := SourceConfig{Kind: "cron", ID: "timer", Options: map[string]any{"interval": "1h"}}
	require.NoError(t, m.Add(context.Background(), cfg))

	err := m.Add(context.Background(), cfg)
	assert.Equal(t, flowerr.KindProviderConflict, flowerr.KindOf(err))

	err = m.Add(context.Background(), SourceConfig{Kind: "carrier-pigeon", ID: "p1"})
	assert.Equal(t, flowerr.KindUnsupportedCapability, flowerr.KindOf(err))

	err = m.Add(context.Background(), SourceConfig{Kind: "cron"})
	assert.Equal(t, flowerr.KindInvalidConfig, flowerr.KindOf(err))
}

func TestRemoveAndStats(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	require.NoError(t, m.Add(context.Background(), SourceConfig{
		Kind: "cron", ID: "timer", Options: map[string]any{"interval": "1h"},
	}))
	assert.Equal(t, map[string]string{"timer": StatusConnected}, m.Stats())

	require.NoError(t, m.Remove("timer"))
	assert.Empty(t, m.Stats())

	err := m.Remove("timer")
	assert.Equal(t, flowerr.KindProviderNotFound, flowerr.KindOf(err))
}

func TestCronIntervalTicks(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	require.NoError(t, m.Add(context.Background(), SourceConfig{
		Kind: "cron", ID: "timer", Options: map[string]any{"interval": "10ms"},
	}))

	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "timer", Type: "tick", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "10ms", got.Data["schedule"])
}

func TestCronImmediateFiresWithoutWaiting(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	require.NoError(t, m.Add(context.Background(), SourceConfig{
		Kind: "cron", ID: "timer", Options: map[string]any{"interval": "1h", "immediate": true},
	}))

	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "timer", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "tick", got.Type)
}

func TestCronRejectsBadSchedules(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
	}{
		{"gibberish", "whenever"},
		{"negative interval", "-5s"},
		{"too many fields", "* * * * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCronSource(SourceConfig{
				Kind: "cron", ID: "bad", Options: map[string]any{"interval": tt.schedule},
			})
			require.Error(t, err)
			assert.Equal(t, flowerr.KindInvalidConfig, flowerr.KindOf(err))
		})
	}
}

// feedServer serves a mutable RSS 2.0 document.
type feedServer struct {
	mu    sync.Mutex
	items []string
	fail  bool
}

func (f *feedServer) addItem(guid, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items,
		fmt.Sprintf("<item><title>%s</title><guid>%s</guid><link>http://example.com/%s</link></item>", title, guid, guid))
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Blog</title>`)
	for _, item := range f.items {
		fmt.Fprint(w, item)
	}
	fmt.Fprint(w, `</channel></rss>`)
}

func TestRSSFirstPollSeedsWithoutEmitting(t *testing.T) {
	feed := &feedServer{}
	feed.addItem("g1", "First")
	feed.addItem("g2", "Second")
	server := httptest.NewServer(feed)
	defer server.Close()

	m := NewManager()
	defer m.StopAll()
	require.NoError(t, m.Add(context.Background(), SourceConfig{
		Kind: "rss", ID: "blog", Options: map[string]any{"url": server.URL, "interval": "10ms"},
	}))

	// Existing entries never replay.
	_, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "blog", Type: "new_item", Timeout: 50 * time.Millisecond})
	assert.Equal(t, flowerr.KindTimeout, flowerr.KindOf(err))

	feed.addItem("g3", "Third")
	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "blog", Type: "new_item", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "g3", got.Data["id"])
	assert.Equal(t, "Third", got.Data["title"])
	assert.Equal(t, "http://example.com/g3", got.Data["link"])
	assert.Equal(t, "Blog", got.Data["feed"])
}

func TestRSSOverflowEmitsOnLaterPolls(t *testing.T) {
	feed := &feedServer{}
	server := httptest.NewServer(feed)
	defer server.Close()

	source, err := newRSSSource(SourceConfig{
		Kind: "rss", ID: "blog",
		Options: map[string]any{"url": server.URL, "max_items": 2},
	})
	require.NoError(t, err)

	var got []Event
	emit := func(ev Event) { got = append(got, ev) }

	// First poll seeds the empty feed.
	source.poll(context.Background(), emit)
	require.Empty(t, got)

	feed.addItem("g1", "One")
	feed.addItem("g2", "Two")
	feed.addItem("g3", "Three")

	// A burst larger than max_items emits in batches, nothing dropped.
	source.poll(context.Background(), emit)
	require.Len(t, got, 2)
	assert.Equal(t, "g1", got[0].Data["id"])
	assert.Equal(t, "g2", got[1].Data["id"])

	source.poll(context.Background(), emit)
	require.Len(t, got, 3)
	assert.Equal(t, "g3", got[2].Data["id"])

	source.poll(context.Background(), emit)
	assert.Len(t, got, 3)
}

func TestRSSFetchFailureEmitsErrorEvent(t *testing.T) {
	feed := &feedServer{fail: true}
	server := httptest.NewServer(feed)
	defer server.Close()

	m := NewManager()
	defer m.StopAll()
	require.NoError(t, m.Add(context.Background(), SourceConfig{
		Kind: "rss", ID: "blog", Options: map[string]any{"url": server.URL, "interval": "1h"},
	}))

	got, err := m.WaitForEvent(context.Background(), WaitFilter{Source: "blog", Type: "error", Timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, got.Data["error"], "status 500")
	assert.Equal(t, StatusError, m.Stats()["blog"])
}

func TestRSSParsesAtomFeeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Blog</title>
  <entry>
    <title>Entry One</title>
    <id>urn:uuid:1</id>
    <link href="http://example.com/one"/>
    <summary>short</summary>
    <updated>2026-08-26T00:00:00Z</updated>
  </entry>
</feed>`)
	}))
	defer server.Close()

	source, err := newRSSSource(SourceConfig{Kind: "rss", ID: "atom", Options: map[string]any{"url": server.URL}})
	require.NoError(t, err)

	items, title, err := source.fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Atom Blog", title)
	require.Len(t, items, 1)
	assert.Equal(t, "urn:uuid:1", items[0].identity())
	assert.Equal(t, "http://example.com/one", items[0].Link.URL())
	assert.Equal(t, "short", items[0].summary())
}

func TestRSSRequiresURL(t *testing.T) {
	_, err := newRSSSource(SourceConfig{Kind: "rss", ID: "blog"})
	require.Error(t, err)
	assert.Equal(t, flowerr.KindInvalidConfig, flowerr.KindOf(err))
}
