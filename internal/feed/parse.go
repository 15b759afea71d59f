package feed

import (
	"bytes"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"horse.fit/newsloom/internal/language"
)

// ParsedItem is one feed entry normalized across RSS, Atom, RDF and JSON Feed.
type ParsedItem struct {
	GUID        string
	URL         string
	Title       string
	Summary     string
	Author      string
	PublishedAt time.Time
	HeroImage   string
	// Language is the declared ISO 639-1 code, from the entry or the feed.
	Language string
}

// Parse decodes a feed body. fetchedAt is the published time of entries that
// carry neither a published nor an updated date. Entries with neither a link
// nor a guid are dropped.
func Parse(body []byte, baseURL string, fetchedAt time.Time) (string, []ParsedItem, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil, errors.New("empty body")
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}

	base, _ := url.Parse(baseURL)
	feedLanguage := language.NormalizeCode(parsed.Language)
	items := make([]ParsedItem, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		item := normalizeItem(entry, base, fetchedAt, feedLanguage)
		if item.URL == "" && item.GUID == "" {
			continue
		}
		items = append(items, item)
	}
	return strings.TrimSpace(parsed.Title), items, nil
}

func normalizeItem(entry *gofeed.Item, base *url.URL, fetchedAt time.Time, feedLanguage string) ParsedItem {
	link := strings.TrimSpace(entry.Link)
	if link == "" && len(entry.Links) > 0 {
		link = strings.TrimSpace(entry.Links[0])
	}
	link = resolveRef(base, link)

	summary := strings.TrimSpace(entry.Description)
	if summary == "" {
		summary = strings.TrimSpace(entry.Content)
	}

	published := fetchedAt.UTC()
	switch {
	case entry.PublishedParsed != nil:
		published = entry.PublishedParsed.UTC()
	case entry.UpdatedParsed != nil:
		published = entry.UpdatedParsed.UTC()
	}

	return ParsedItem{
		GUID:        strings.TrimSpace(entry.GUID),
		URL:         link,
		Title:       strings.TrimSpace(entry.Title),
		Summary:     summary,
		Author:      authorName(entry),
		PublishedAt: published,
		HeroImage:   resolveRef(base, heroImage(entry)),
		Language:    entryLanguage(entry, feedLanguage),
	}
}

func entryLanguage(entry *gofeed.Item, fallback string) string {
	if entry.DublinCoreExt != nil {
		for _, raw := range entry.DublinCoreExt.Language {
			if code := language.NormalizeCode(raw); code != "" {
				return code
			}
		}
	}
	return fallback
}

func authorName(entry *gofeed.Item) string {
	if entry.Author != nil && strings.TrimSpace(entry.Author.Name) != "" {
		return strings.TrimSpace(entry.Author.Name)
	}
	for _, person := range entry.Authors {
		if person != nil && strings.TrimSpace(person.Name) != "" {
			return strings.TrimSpace(person.Name)
		}
	}
	if entry.DublinCoreExt != nil {
		for _, creator := range entry.DublinCoreExt.Creator {
			if c := strings.TrimSpace(creator); c != "" {
				return c
			}
		}
	}
	return ""
}

// heroImage picks the first image from media extensions, the item image,
// image enclosures, then an <img> in the summary or content HTML.
func heroImage(entry *gofeed.Item) string {
	if img := mediaImage(entry.Extensions); img != "" {
		return img
	}
	if entry.Image != nil && strings.TrimSpace(entry.Image.URL) != "" {
		return strings.TrimSpace(entry.Image.URL)
	}
	for _, enc := range entry.Enclosures {
		if enc == nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(enc.Type), "image/") && strings.TrimSpace(enc.URL) != "" {
			return strings.TrimSpace(enc.URL)
		}
	}
	if img := firstImgSrc(entry.Description); img != "" {
		return img
	}
	return firstImgSrc(entry.Content)
}

func mediaImage(extensions ext.Extensions) string {
	media, ok := extensions["media"]
	if !ok {
		return ""
	}
	candidates := append([]ext.Extension(nil), media["content"]...)
	candidates = append(candidates, media["thumbnail"]...)
	for _, group := range media["group"] {
		candidates = append(candidates, group.Children["content"]...)
		candidates = append(candidates, group.Children["thumbnail"]...)
	}
	for _, candidate := range candidates {
		src := strings.TrimSpace(candidate.Attrs["url"])
		if src == "" {
			continue
		}
		medium := strings.ToLower(candidate.Attrs["medium"])
		mime := strings.ToLower(candidate.Attrs["type"])
		if candidate.Name == "thumbnail" || medium == "image" || strings.HasPrefix(mime, "image/") || (medium == "" && mime == "") {
			return src
		}
	}
	return ""
}

func firstImgSrc(fragment string) string {
	if !strings.Contains(strings.ToLower(fragment), "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	src := ""
	doc.Find("img[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		value, _ := sel.Attr("src")
		value = strings.TrimSpace(value)
		if value == "" || strings.HasPrefix(value, "data:") {
			return true
		}
		src = value
		return false
	})
	return src
}

func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.IsAbs() {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
