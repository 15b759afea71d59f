package feed

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RSS2(t *testing.T) {
	data, err := os.ReadFile("testdata/rss2.xml")
	require.NoError(t, err)

	fetchedAt := time.Date(2026, 10, 6, 0, 0, 0, 0, time.UTC)
	title, items, err := Parse(data, "https://example.com/feed.xml", fetchedAt)
	require.NoError(t, err)

	assert.Equal(t, "Example Wire", title)
	require.Len(t, items, 3, "entry with neither link nor guid is dropped")

	first := items[0]
	assert.Equal(t, "wire-1", first.GUID)
	assert.Equal(t, "https://example.com/news/roblox-hacked?utm_source=rss", first.URL)
	assert.Equal(t, "Jordan Lee", first.Author)
	assert.Equal(t, "https://cdn.example.com/roblox.jpg", first.HeroImage)
	assert.Equal(t, time.Date(2026, 10, 5, 10, 0, 0, 0, time.UTC), first.PublishedAt)

	assert.Equal(t, "https://cdn.example.com/council.png", items[1].HeroImage, "image enclosure")

	storm := items[2]
	assert.Equal(t, "", storm.GUID)
	assert.Equal(t, "https://example.com/news/storm", storm.URL, "relative link resolved against feed url")
	assert.Equal(t, "https://cdn.example.com/storm.jpg", storm.HeroImage, "img scan of summary html")
	assert.Equal(t, fetchedAt, storm.PublishedAt, "missing date falls back to fetch time")
}

func TestParse_AtomUsesUpdatedDate(t *testing.T) {
	data, err := os.ReadFile("testdata/atom.xml")
	require.NoError(t, err)

	title, items, err := Parse(data, "https://example.org/atom", time.Now())
	require.NoError(t, err)

	assert.Equal(t, "Example Atom", title)
	require.Len(t, items, 1)
	assert.Equal(t, "urn:example:atom:1", items[0].GUID)
	assert.Equal(t, "https://example.org/posts/1", items[0].URL)
	assert.Equal(t, "Sam Rivera", items[0].Author)
	assert.Contains(t, items[0].Summary, "HTML content")
	assert.Equal(t, time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC), items[0].PublishedAt)
}

func TestParse_JSONFeed(t *testing.T) {
	body := []byte(`{
  "version": "https://jsonfeed.org/version/1.1",
  "title": "JSON Example",
  "items": [
    {"id": "j-1", "url": "https://example.net/a", "title": "First", "content_text": "Body", "image": "https://example.net/a.png", "date_published": "2026-10-01T08:00:00Z"}
  ]
}`)
	title, items, err := Parse(body, "https://example.net/feed.json", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "JSON Example", title)
	require.Len(t, items, 1)
	assert.Equal(t, "j-1", items[0].GUID)
	assert.Equal(t, "https://example.net/a.png", items[0].HeroImage)
}

func TestParse_Invalid(t *testing.T) {
	_, _, err := Parse([]byte(""), "", time.Now())
	assert.Error(t, err, "empty body")

	_, _, err = Parse([]byte("<?xml version='1.0'?><root><item>not a feed</item></root>"), "", time.Now())
	assert.Error(t, err, "non-feed xml")
}

func TestParse_DeclaredLanguage(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>Zeitung</title>
  <language>de-DE</language>
  <item><guid>z-1</guid><link>https://example.de/a</link><title>Eins</title></item>
  <item><guid>z-2</guid><link>https://example.de/b</link><title>Two</title><dc:language>en_GB</dc:language></item>
</channel>
</rss>`)

	_, items, err := Parse(body, "https://example.de/feed", time.Now())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "de", items[0].Language, "channel language applies to entries")
	assert.Equal(t, "en", items[1].Language, "entry language overrides the channel")
}
