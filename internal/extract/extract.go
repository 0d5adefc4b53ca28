// Package extract enumerates media references from rendered HTML.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagesift/pagesift/internal/pipeline"
)

var imageExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp", ".svg",
}

var documentExtensions = []string{".pdf"}

var cssURLPattern = regexp.MustCompile(`\((.*?)\)`)

// Classify reports the asset type for a URL based on its extension suffix,
// case-insensitive. The second return is false for unrecognized extensions.
func Classify(rawURL string) (pipeline.AssetType, bool) {
	lower := strings.ToLower(rawURL)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return pipeline.AssetTypeImage, true
		}
	}
	for _, ext := range documentExtensions {
		if strings.HasSuffix(lower, ext) {
			return pipeline.AssetTypePDF, true
		}
	}
	return "", false
}

// Extract parses rendered HTML and returns asset references in discovery
// order. It is a pure function: no side effects, no network. Relative
// references resolve against baseURL; a <base> tag in the document is not
// honored. References whose resolved URL does not classify as image or pdf
// are silently dropped, as are fragments that fail to parse.
func Extract(html, baseURL string) ([]pipeline.AssetRef, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var refs []pipeline.AssetRef

	appendImage := func(candidate string) {
		full, ok := resolve(base, candidate)
		if !ok {
			return
		}
		if typ, ok := Classify(full); ok && typ == pipeline.AssetTypeImage {
			refs = append(refs, pipeline.AssetRef{URL: full, Type: pipeline.AssetTypeImage})
		}
	}

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			if src, exists := img.Attr(attr); exists && src != "" {
				appendImage(src)
			}
		}
		if srcset, exists := img.Attr("srcset"); exists && srcset != "" {
			for _, candidate := range strings.Split(srcset, ",") {
				if token := firstToken(candidate); token != "" {
					appendImage(token)
				}
			}
		}
	})

	doc.Find("[style]").Each(func(_ int, el *goquery.Selection) {
		style, _ := el.Attr("style")
		if !strings.Contains(style, "background-image") {
			return
		}
		for _, match := range cssURLPattern.FindAllStringSubmatch(style, -1) {
			appendImage(match[1])
		}
	})

	doc.Find("source").Each(func(_ int, src *goquery.Selection) {
		if srcset, exists := src.Attr("srcset"); exists && srcset != "" {
			if token := firstToken(srcset); token != "" {
				appendImage(token)
			}
		}
	})

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if typ, ok := Classify(href); !ok || typ != pipeline.AssetTypePDF {
			return
		}
		full, ok := resolve(base, href)
		if !ok {
			return
		}
		if typ, ok := Classify(full); ok && typ == pipeline.AssetTypePDF {
			refs = append(refs, pipeline.AssetRef{URL: full, Type: pipeline.AssetTypePDF})
		}
	})

	return refs, nil
}

// firstToken returns the first whitespace-delimited token of a srcset
// candidate, dropping the descriptor (e.g. "2x", "640w").
func firstToken(candidate string) string {
	fields := strings.Fields(candidate)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func resolve(base *url.URL, ref string) (string, bool) {
	parsed, err := base.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
