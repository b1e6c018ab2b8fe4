package discovery

import (
	"net/url"
	"strings"
)

// Work-type filter values understood by the job search page.
const (
	workOnSite = "1"
	workRemote = "2"
	workHybrid = "3"
)

const searchDistance = "75"

// Search is one job search page to scan.
type Search struct {
	URL      string
	Keyword  string
	Location string
}

// BuildSearches returns one search per keyword for the "remote" location and
// two per keyword (on-site and hybrid, within 75 miles) for every other
// location. Blank entries are skipped.
func BuildSearches(baseURL string, keywords, locations []string) []Search {
	base := strings.TrimRight(baseURL, "/") + "/jobs/search/?"

	var out []Search
	for _, loc := range locations {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		for _, kw := range keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}

			if strings.EqualFold(loc, "remote") {
				q := url.Values{"keywords": {kw}, "f_WT": {workRemote}}
				out = append(out, Search{URL: base + q.Encode(), Keyword: kw, Location: loc})
				continue
			}

			for _, wt := range []string{workOnSite, workHybrid} {
				q := url.Values{
					"keywords": {kw},
					"location": {loc},
					"distance": {searchDistance},
					"f_WT":     {wt},
				}
				out = append(out, Search{URL: base + q.Encode(), Keyword: kw, Location: loc})
			}
		}
	}
	return out
}
