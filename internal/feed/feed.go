// Package feed renders the RSS feed and sitemap of published documents.
package feed

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"matheditor/internal/document"
	"matheditor/internal/store"
)

// Site describes the channel.
type Site struct {
	Title       string
	Description string
	BaseURL     string
}

// Entry is one published document with its author resolved.
type Entry struct {
	Document store.Document
	Author   string
	Summary  string
}

type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Atom    string   `xml:"xmlns:atom,attr"`
	DC      string   `xml:"xmlns:dc,attr"`
	Channel channel  `xml:"channel"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type channel struct {
	Title         string   `xml:"title"`
	Link          string   `xml:"link"`
	Description   string   `xml:"description"`
	AtomLink      atomLink `xml:"atom:link"`
	LastBuildDate string   `xml:"lastBuildDate,omitempty"`
	Items         []item   `xml:"item"`
}

type guid struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

type item struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        guid   `xml:"guid"`
	Description string `xml:"description,omitempty"`
	Author      string `xml:"dc:creator,omitempty"`
	PubDate     string `xml:"pubDate"`
}

// DocumentURL is the public address of a document, by handle when it has one.
func DocumentURL(baseURL string, doc store.Document) string {
	key := doc.ID
	if handle := document.Deref(doc.Handle); handle != "" {
		key = handle
	}
	return fmt.Sprintf("%s/view/%s", baseURL, key)
}

// WriteRSS writes an RSS 2.0 feed. Entries are expected newest first.
func WriteRSS(w io.Writer, site Site, entries []Entry) error {
	feed := rss{
		Version: "2.0",
		Atom:    "http://www.w3.org/2005/Atom",
		DC:      "http://purl.org/dc/elements/1.1/",
		Channel: channel{
			Title:       site.Title,
			Link:        site.BaseURL,
			Description: site.Description,
			AtomLink:    atomLink{Href: site.BaseURL + "/rss.xml", Rel: "self", Type: "application/rss+xml"},
			Items:       make([]item, 0, len(entries)),
		},
	}
	if len(entries) > 0 {
		feed.Channel.LastBuildDate = entries[0].Document.UpdatedAt.UTC().Format(time.RFC1123Z)
	}
	for _, entry := range entries {
		link := DocumentURL(site.BaseURL, entry.Document)
		feed.Channel.Items = append(feed.Channel.Items, item{
			Title:       entry.Document.Name,
			Link:        link,
			GUID:        guid{Value: link, IsPermaLink: true},
			Description: entry.Summary,
			Author:      entry.Author,
			PubDate:     entry.Document.CreatedAt.UTC().Format(time.RFC1123Z),
		})
	}
	return encode(w, feed)
}

type urlset struct {
	XMLName xml.Name `xml:"urlset"`
	XMLNS   string   `xml:"xmlns,attr"`
	URLs    []url    `xml:"url"`
}

type url struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// WriteSitemap lists the landing page and every published document.
func WriteSitemap(w io.Writer, baseURL string, docs []store.Document) error {
	set := urlset{
		XMLNS: "http://www.sitemaps.org/schemas/sitemap/0.9",
		URLs:  []url{{Loc: baseURL + "/", ChangeFreq: "daily", Priority: "1.0"}},
	}
	for _, doc := range docs {
		set.URLs = append(set.URLs, url{
			Loc:        DocumentURL(baseURL, doc),
			LastMod:    doc.UpdatedAt.UTC().Format("2006-01-02"),
			ChangeFreq: "weekly",
			Priority:   "0.8",
		})
	}
	return encode(w, set)
}

func encode(w io.Writer, v any) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode xml: %w", err)
	}
	return enc.Flush()
}
