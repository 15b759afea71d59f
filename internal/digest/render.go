package digest

import (
	"fmt"
	"strings"

	"horse.fit/newsloom/internal/reader"
)

const briefSummaryRunes = 240

var sectionTitles = map[Section]string{
	SectionTop:     "Top stories",
	SectionNotable: "Notable",
	SectionBrief:   "In brief",
}

// RenderBullets is the deterministic markdown form of a digest.
func RenderBullets(entries []Entry) string {
	var b strings.Builder
	var current Section
	for _, entry := range entries {
		if entry.Section != current {
			if current != "" {
				b.WriteString("\n")
			}
			current = entry.Section
			fmt.Fprintf(&b, "## %s\n\n", sectionTitles[current])
		}
		c := entry.Candidate
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = c.URL
		}

		if entry.Section == SectionBrief {
			fmt.Fprintf(&b, "- [%s](%s)\n", title, c.URL)
			continue
		}

		fmt.Fprintf(&b, "- [%s](%s) (%s", title, c.URL, c.FeedTitle)
		if c.MemberCount > 1 {
			fmt.Fprintf(&b, ", %d sources", c.MemberCount)
		}
		b.WriteString(")\n")
		if entry.Section == SectionTop {
			if summary := reader.Truncate(reader.PlainText(c.Summary), briefSummaryRunes); summary != "" {
				fmt.Fprintf(&b, "  %s\n", summary)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// narrativeInput lists the ranked stories for the narrative prompt.
func narrativeInput(entries []Entry) string {
	var b strings.Builder
	for _, entry := range entries {
		c := entry.Candidate
		fmt.Fprintf(&b, "[%s #%d] %s (%s, %d sources)\n", entry.Section, entry.Rank, strings.TrimSpace(c.Title), c.FeedTitle, c.MemberCount)
		if summary := reader.Truncate(reader.PlainText(c.Summary), 400); summary != "" {
			fmt.Fprintf(&b, "%s\n", summary)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
