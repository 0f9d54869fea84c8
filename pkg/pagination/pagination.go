// Package pagination builds the self/next/previous links of a paged FHIR
// search, where pages are addressed by _page and sized by _count.
package pagination

import (
	"net/url"
	"strconv"
)

// Params is the page a search returned.
type Params struct {
	Page  int
	Count int
}

type Link struct {
	Relation string
	URL      string
}

// HasNext reports whether another page may follow. Without a total count a
// full page is the only signal available.
func (p Params) HasNext(returned int) bool {
	return p.Count > 0 && returned >= p.Count
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Page > 0
}

// Links returns the navigation links for basePath. Every other parameter in
// query is carried over unchanged.
func (p Params) Links(basePath string, query url.Values, returned int) []Link {
	links := []Link{{Relation: "self", URL: p.pageURL(basePath, query, p.Page)}}
	if p.HasNext(returned) {
		links = append(links, Link{Relation: "next", URL: p.pageURL(basePath, query, p.Page+1)})
	}
	if p.HasPrevious() {
		links = append(links, Link{Relation: "previous", URL: p.pageURL(basePath, query, p.Page-1)})
	}
	return links
}

func (p Params) pageURL(basePath string, query url.Values, page int) string {
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("_page", strconv.Itoa(page))
	q.Set("_count", strconv.Itoa(p.Count))
	return basePath + "?" + q.Encode()
}
