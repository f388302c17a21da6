// Package catalog turns directory listing pages into downloadable entries.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	rhttp "github.com/chrisdmacrae/romulator/internal/http"
	"github.com/rs/zerolog"
)

var (
	// ErrNotListed means the listing has no entry with the requested name.
	ErrNotListed = errors.New("catalog: entry not listed")
	// ErrNoParent means an item carries no listing url to resolve against.
	ErrNoParent = errors.New("catalog: no listing url")
)

// Entry is one file offered by a listing.
type Entry struct {
	Name        string `json:"name"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Size        string `json:"size,omitempty"`
}

// Scraper fetches and parses listing pages.
type Scraper struct {
	client *rhttp.Client
	logger zerolog.Logger
}

// NewScraper creates a scraper that fetches pages with the given options.
func NewScraper(opts rhttp.Options, logger zerolog.Logger) *Scraper {
	return &Scraper{client: rhttp.NewClient(opts), logger: logger}
}

// Scrape fetches listURL and returns its file entries in page order.
func (s *Scraper) Scrape(ctx context.Context, listURL string) ([]Entry, error) {
	resp, err := s.client.Open(ctx, listURL)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", listURL, err)
	}
	defer resp.Body.Close()

	// Hrefs resolve against the page we ended up on.
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", listURL, err)
	}
	entries, err := Parse(base, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", listURL, err)
	}
	s.logger.Debug().Str("url", listURL).Int("entries", len(entries)).Msg("scraped listing")
	return entries, nil
}

// Resolve scrapes parentURL and returns the download url of the entry
// called name.
func (s *Scraper) Resolve(ctx context.Context, parentURL, name string) (string, error) {
	if parentURL == "" {
		return "", ErrNoParent
	}
	entries, err := s.Scrape(ctx, parentURL)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name == name && e.DownloadURL != "" {
			return e.DownloadURL, nil
		}
	}
	return "", fmt.Errorf("%w: %q in %s", ErrNotListed, name, parentURL)
}

// Parse reads a listing document. Mirrors that render a file table
// (table#list with td.link and td.size cells) are read row by row. Any
// other page falls back to every anchor. Parent links, directories, sort
// links and non-http targets are skipped. Names are unique; the first
// occurrence wins.
func Parse(base *url.URL, r io.Reader) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML document: %w", err)
	}

	var entries []Entry
	seen := map[string]struct{}{}
	add := func(a *goquery.Selection, size string) {
		e, ok := entryFor(base, a)
		if !ok {
			return
		}
		if _, dup := seen[e.Name]; dup {
			return
		}
		seen[e.Name] = struct{}{}
		e.Size = cleanSize(size)
		entries = append(entries, e)
	}

	rows := doc.Find("table#list tr")
	if rows.Find("td.link a[href]").Length() > 0 {
		rows.Each(func(_ int, tr *goquery.Selection) {
			a := tr.Find("td.link a[href]").First()
			if a.Length() == 0 {
				return
			}
			add(a, tr.Find("td.size").First().Text())
		})
		return entries, nil
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		add(a, "")
	})
	return entries, nil
}

func entryFor(base *url.URL, a *goquery.Selection) (Entry, bool) {
	href, _ := a.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return Entry{}, false
	}
	if href == "../" || href == ".." || strings.HasSuffix(href, "/") {
		return Entry{}, false
	}

	target, err := base.Parse(href)
	if err != nil {
		return Entry{}, false
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return Entry{}, false
	}
	target.Fragment = ""

	name := strings.TrimSpace(a.AttrOr("title", ""))
	if name == "" {
		name = strings.TrimSpace(a.Text())
	}
	if name == "" || name == "Parent directory/" {
		name = path.Base(target.Path)
	}
	if name == "" || name == "." || name == "/" {
		return Entry{}, false
	}
	return Entry{Name: name, DownloadURL: target.String()}, true
}

func cleanSize(s string) string {
	s = strings.TrimSpace(s)
	if s == "-" {
		return ""
	}
	return s
}
