// SPDX-License-Identifier: Apache-2.0

// Package scoring turns a search query into style and object claims and
// combines two vision judgments into a single verdict.
package scoring

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

// QueryParts is a query split into what an image should depict and the
// aesthetic it should match.
type QueryParts struct {
	Style  string
	Object string
}

// styleLexicon routes aesthetic coinages that a part-of-speech tagger reads
// as plain nouns. Unlisted coinages fall through to tag routing.
var styleLexicon = map[string]struct{}{
	"cottagecore": {},
	"goblincore":  {},
	"normcore":    {},
	"cluttercore": {},
	"dreamcore":   {},
	"weirdcore":   {},
	"fairycore":   {},
	"angelcore":   {},
	"cyberpunk":   {},
	"steampunk":   {},
	"solarpunk":   {},
	"dieselpunk":  {},
	"vaporwave":   {},
	"synthwave":   {},
	"y2k":         {},
	"boho":        {},
	"bohemian":    {},
	"japandi":     {},
	"hygge":       {},
	"scandi":      {},
	"goth":        {},
	"gothic":      {},
	"grunge":      {},
	"minimalist":  {},
	"maximalist":  {},
	"brutalist":   {},
	"wabi-sabi":   {},
	"wabi":        {},
	"sabi":        {},
}

// Decompose splits a query into style terms (adjectives and known aesthetic
// names) and object terms (nouns). Either side falls back to the whole
// lowercased query when no term of its kind is present, so both claims are
// always non-empty for a non-empty query.
func Decompose(query string) QueryParts {
	whole := strings.ToLower(strings.TrimSpace(query))

	doc, err := prose.NewDocument(query,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return QueryParts{Style: whole, Object: whole}
	}

	var style, object []string
	for _, tok := range doc.Tokens() {
		word := strings.ToLower(tok.Text)
		if !hasLetterOrDigit(word) {
			continue
		}
		switch {
		case isStyleName(word):
			style = append(style, word)
		case strings.HasPrefix(tok.Tag, "JJ"):
			style = append(style, word)
		case strings.HasPrefix(tok.Tag, "NN"):
			object = append(object, word)
		}
	}

	parts := QueryParts{
		Style:  strings.Join(style, " "),
		Object: strings.Join(object, " "),
	}
	if parts.Style == "" {
		parts.Style = whole
	}
	if parts.Object == "" {
		parts.Object = whole
	}
	return parts
}

func isStyleName(word string) bool {
	_, ok := styleLexicon[word]
	return ok
}

func hasLetterOrDigit(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
