package extract

import (
	"fmt"
	"os"
	"strings"

	"code.sajari.com/docconv/v2"
	"golang.org/x/net/html"
)

type plainReader struct{}

func (plainReader) Read(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("reading text file: %w", err)
	}
	return Result{FullText: normalize(string(data))}, nil
}

// docconvReader handles office formats (DOCX, ODT, RTF).
type docconvReader struct{}

func (docconvReader) Read(path string) (Result, error) {
	res, err := docconv.ConvertPath(path)
	if err != nil {
		return Result{}, fmt.Errorf("converting %s: %w", path, err)
	}
	return Result{
		FullText: normalize(res.Body),
		Author:   strings.TrimSpace(res.Meta["Author"]),
	}, nil
}

type htmlReader struct{}

// skippedElements hold no readable prose.
var skippedElements = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}

func (htmlReader) Read(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening html file: %w", err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return Result{}, fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var author string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.Data] {
				return
			}
			if n.Data == "meta" && attr(n, "name") == "author" {
				author = attr(n, "content")
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return Result{FullText: normalize(sb.String()), Author: strings.TrimSpace(author)}, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
