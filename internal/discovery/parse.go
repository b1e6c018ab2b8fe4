package discovery

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var jobIDRe = regexp.MustCompile(`/jobs/view/(?:[^/?]*-)?(\d+)(?:[/?]|$)`)

// ExtractJobID returns the numeric job id in a job view path or URL.
func ExtractJobID(s string) (int64, bool) {
	m := jobIDRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CanonicalJobURL resolves href against baseURL and reduces it to
// <baseURL>/jobs/view/<id>. It reports false for links that are not job
// postings.
func CanonicalJobURL(baseURL, href string) (string, int64, bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", 0, false
	}
	if !strings.Contains(u.Path, "/jobs/view/") {
		return "", 0, false
	}
	id, ok := ExtractJobID(u.Path)
	if !ok {
		return "", 0, false
	}
	return strings.TrimRight(baseURL, "/") + "/jobs/view/" + strconv.FormatInt(id, 10), id, true
}

// Link is a posting found on a search page.
type Link struct {
	URL string
	ID  int64
}

// ExtractJobLinks returns the distinct job postings linked from doc, in
// document order.
func ExtractJobLinks(doc *html.Node, baseURL string) []Link {
	seen := make(map[int64]bool)
	var links []Link
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.A {
			return false
		}
		u, id, ok := CanonicalJobURL(baseURL, attr(n, "href"))
		if ok && !seen[id] {
			seen[id] = true
			links = append(links, Link{URL: u, ID: id})
		}
		return false
	})
	return links
}

type selector struct {
	tag   atom.Atom
	class string
	id    string
}

func (s selector) match(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if s.class != "" && !hasClass(n, s.class) {
		return false
	}
	return true
}

var titleSelectors = []selector{
	{tag: atom.H1, class: "topcard__title"},
	{tag: atom.H1, class: "jobs-unified-top-card__job-title"},
	{tag: atom.H1, class: "jobs-details-top-card__job-title"},
	{tag: atom.H1},
	{tag: atom.H2, class: "topcard__title"},
	{tag: atom.H2, class: "t-24"},
	{tag: atom.Div, class: "job-title"},
	{tag: atom.Span, class: "job-title"},
}

var descriptionSelectors = []selector{
	{tag: atom.Div, class: "description__text"},
	{tag: atom.Div, class: "show-more-less-html__markup"},
	{tag: atom.Div, class: "job-description"},
	{tag: atom.Div, class: "jobs-description__content"},
	{tag: atom.Div, class: "jobs-box__html-content"},
	{tag: atom.Section, class: "description"},
	{tag: atom.Div, class: "jobs-description"},
	{tag: atom.Div, class: "jobs-unified-description__content"},
	{tag: atom.Div, class: "jobs-description-content"},
	{tag: atom.Div, id: "job-details"},
}

// ExtractTitle finds the posting title, falling back to og:title.
func ExtractTitle(doc *html.Node) string {
	for _, sel := range titleSelectors {
		if n := find(doc, sel.match); n != nil {
			if t := text(n); t != "" {
				return t
			}
		}
	}

	og := find(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Meta && attr(n, "property") == "og:title"
	})
	if og != nil {
		title, _, _ := strings.Cut(attr(og, "content"), "|")
		return strings.TrimSpace(title)
	}
	return ""
}

// ExtractDescription finds the posting body. Known containers are tried
// first, then any div whose class mentions a description, then any large
// block whose class mentions the job.
func ExtractDescription(doc *html.Node) string {
	for _, sel := range descriptionSelectors {
		if n := find(doc, sel.match); n != nil {
			if t := text(n); t != "" {
				return t
			}
		}
	}

	loose := find(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.Div {
			return false
		}
		c := strings.ToLower(attr(n, "class"))
		return strings.Contains(c, "description") || strings.Contains(c, "job-details")
	})
	if loose != nil {
		if t := text(loose); t != "" {
			return t
		}
	}

	var found string
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom != atom.Div && n.DataAtom != atom.Section {
			return false
		}
		c := strings.ToLower(attr(n, "class"))
		if !strings.Contains(c, "job") && !strings.Contains(c, "description") && !strings.Contains(c, "details") {
			return false
		}
		if t := text(n); len(t) > 100 {
			found = t
			return true
		}
		return false
	})
	return found
}

// walk visits nodes depth-first until fn returns true.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n.Type == html.ElementNode && fn(n) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if walk(c, fn) {
			return true
		}
	}
	return false
}

func find(n *html.Node, pred func(*html.Node) bool) *html.Node {
	var out *html.Node
	walk(n, func(n *html.Node) bool {
		if pred(n) {
			out = n
			return true
		}
		return false
	})
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// text returns the visible text under n with whitespace collapsed.
func text(n *html.Node) string {
	var parts []string
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
