package asset

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/net/html"
)

// DiscoverExternal parses shell HTML and returns the absolute URLs of scripts
// and stylesheets hosted off base's origin, in document order.
func DiscoverExternal(body []byte, base *url.URL) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var found []string

	add := func(ref string) {
		if ref == "" {
			return
		}
		u, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			return
		}
		u = base.ResolveReference(u)
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if strings.EqualFold(u.Host, base.Host) {
			return
		}
		u.Fragment = ""
		if seen.Add(u.String()) {
			found = append(found, u.String())
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script":
				add(attr(n, "src"))
			case "link":
				if strings.EqualFold(attr(n, "rel"), "stylesheet") {
					add(attr(n, "href"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return found, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
