// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// parseResults reads a DuckDuckGo HTML results page.
//
// Description:
//
//	A result starts at an anchor with class "result__a" (title and link)
//	and picks up the next element with class "result__snippet". Ad links
//	routed through the y.js tracker are dropped. Stops after max results.
func parseResults(r io.Reader, max int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}

	var (
		results []Result
		current *Result
	)
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				if current != nil {
					results = append(results, *current)
					if max > 0 && len(results) >= max {
						return false
					}
				}
				current = nil
				link, ok := resolveLink(attr(n, "href"))
				if !ok {
					return true
				}
				current = &Result{Title: collapseSpace(textOf(n)), URL: link}
				return true
			case hasClass(n, "result__snippet") && current != nil:
				current.Snippet = collapseSpace(textOf(n))
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	if walk(doc) && current != nil && (max <= 0 || len(results) < max) {
		results = append(results, *current)
	}
	return results, nil
}

// resolveLink unwraps DuckDuckGo redirect links.
func resolveLink(href string) (string, bool) {
	if href == "" {
		return "", false
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") {
		if strings.HasPrefix(u.Path, "/y.js") {
			return "", false
		}
		if target := u.Query().Get("uddg"); target != "" {
			return target, true
		}
		if strings.HasPrefix(u.Path, "/l/") {
			return "", false
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
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

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
