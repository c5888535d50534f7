// Package suggest maps free-text questions to lecture suggestions.
package suggest

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Lecture is a suggestion card shown next to a doubt conversation.
type Lecture struct {
	Title        string `json:"title" yaml:"title"`
	ChapterTitle string `json:"chapterTitle" yaml:"chapterTitle"`
	Subject      string `json:"subject" yaml:"subject"`
	URL          string `json:"url" yaml:"url"`
}

// Finder looks up suggestions for a question.
type Finder interface {
	Suggest(text string) []Lecture
}

const DefaultLimit = 3

//go:embed catalog.yaml
var defaultCatalog []byte

type entry struct {
	Lecture  `yaml:",inline"`
	Keywords []string `yaml:"keywords"`

	terms map[string]struct{}
}

type catalogFile struct {
	Lectures []entry `yaml:"lectures"`
}

// Catalog ranks lectures by keyword overlap with the question text.
type Catalog struct {
	entries []entry
	limit   int
}

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog(limit int) (*Catalog, error) {
	return ParseCatalog(bytes.NewReader(defaultCatalog), limit)
}

// LoadCatalog reads a YAML catalog from disk. An empty path yields the default catalog.
func LoadCatalog(path string, limit int) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(limit)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f, limit)
}

func ParseCatalog(r io.Reader, limit int) (*Catalog, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	c := &Catalog{limit: limit}
	for i, e := range file.Lectures {
		if strings.TrimSpace(e.Title) == "" || strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("catalog entry %d: title and url are required", i)
		}
		e.terms = make(map[string]struct{})
		for _, kw := range e.Keywords {
			for _, t := range Keywords(kw) {
				e.terms[t] = struct{}{}
			}
		}
		for _, field := range []string{e.Title, e.ChapterTitle, e.Subject} {
			for _, t := range Keywords(field) {
				e.terms[t] = struct{}{}
			}
		}
		c.entries = append(c.entries, e)
	}
	return c, nil
}

func (c *Catalog) Len() int { return len(c.entries) }

// Suggest returns up to the catalog limit of lectures sharing keywords with text,
// best match first. Ties keep catalog order.
func (c *Catalog) Suggest(text string) []Lecture {
	terms := Keywords(text)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, e := range c.entries {
		score := 0
		for _, t := range terms {
			if _, ok := e.terms[t]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > c.limit {
		hits = hits[:c.limit]
	}
	out := make([]Lecture, 0, len(hits))
	for _, h := range hits {
		out = append(out, c.entries[h.idx].Lecture)
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "can": {}, "do": {}, "does": {}, "for": {},
	"how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "me": {}, "of": {}, "on": {},
	"please": {}, "the": {}, "this": {}, "to": {}, "what": {}, "why": {}, "with": {},
	"explain": {}, "about": {}, "my": {}, "you": {}, "need": {}, "help": {}, "more": {},
	"s": {}, "be": {}, "was": {}, "when": {}, "which": {}, "who": {}, "there": {}, "that": {},
}

// Keywords lower-cases text, splits it on non-alphanumerics and drops stopwords
// and duplicates, keeping first-seen order.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
