// Package gtfs downloads the GTFS feed of every matching agency listed on the
// 511 transit admin portal.
package gtfs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var nonAlnumRun = regexp.MustCompile(`[^0-9a-z]+`)

// AgencyLink is one agency entry of the portal's agency list.
type AgencyLink struct {
	// Name is the normalized agency name used for directories and the index.
	Name  string
	Title string
	Href  string
}

// Selector matches the link element in the live page.
func (a AgencyLink) Selector(listItem string) string {
	return listItem + " a[title=" + cssString(a.Title) + "]"
}

// NormalizeAgency turns a link title into an agency name. Titles that do not
// match pattern are rejected.
func NormalizeAgency(pattern *regexp.Regexp, title string) (string, bool) {
	loc := pattern.FindStringIndex(title)
	if loc == nil {
		return "", false
	}
	name := title[:loc[0]] + title[loc[1]:]
	name = strings.ToLower(name)
	name = strings.Replace(name, "'", "", 1)
	name = nonAlnumRun.ReplaceAllString(name, "_")
	return name, true
}

// ParseAgencyLinks reads the agency list out of a page's HTML. Each list item
// contributes its first link's title. Names that normalize to the same value
// keep the position of the first occurrence and the link of the last.
func ParseAgencyLinks(html, listItem string, pattern *regexp.Regexp) ([]AgencyLink, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse agency list: %w", err)
	}

	var links []AgencyLink
	seen := make(map[string]int)
	doc.Find(listItem).Each(func(_ int, item *goquery.Selection) {
		a := item.Find("a").First()
		title, ok := a.Attr("title")
		if !ok || title == "" {
			return
		}
		name, ok := NormalizeAgency(pattern, title)
		if !ok {
			return
		}
		href, _ := a.Attr("href")
		link := AgencyLink{Name: name, Title: title, Href: href}
		if i, dup := seen[name]; dup {
			links[i] = link
			return
		}
		seen[name] = len(links)
		links = append(links, link)
	})
	return links, nil
}

// FilterAgencies keeps the links named in only, preserving order. An empty
// only keeps everything.
func FilterAgencies(links []AgencyLink, only []string) []AgencyLink {
	if len(only) == 0 {
		return links
	}
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[n] = true
	}
	out := links[:0:0]
	for _, l := range links {
		if want[l.Name] {
			out = append(out, l)
		}
	}
	return out
}

func cssString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\a `)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
