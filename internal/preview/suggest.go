package preview

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/roster"
)

// Suggester proposes a label for pages whose header names exactly one label.
type Suggester struct {
	Opener Opener
	// Lines is how many non-empty lines from the top of a page are searched.
	Lines int
}

// NewSuggester returns a go-fitz suggester that reads the top lines of each page.
func NewSuggester(lines int) *Suggester {
	return &Suggester{Opener: FitzOpener{}, Lines: lines}
}

// Suggest returns a label for each of the given 1-based pages it can identify.
// Pages with no match or more than one match are left out.
func (s *Suggester) Suggest(ctx context.Context, data []byte, pages []int, labels []roster.Label) (map[int]roster.Label, error) {
	out := make(map[int]roster.Label)
	if len(pages) == 0 || len(labels) == 0 {
		return out, nil
	}
	doc, err := s.Opener.Open(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if p < 1 || p > doc.NumPage() {
			continue
		}
		text, err := doc.Text(p - 1)
		if err != nil {
			log.Warn().Err(err).Int("page", p).Msg("Failed to extract text from page")
			continue
		}
		if l, ok := Match(header(text, s.Lines), labels); ok {
			out[p] = l
		}
	}
	log.Debug().Int("pages", len(pages)).Int("matched", len(out)).Msg("label suggestions computed")
	return out, nil
}

// header joins the first n non-empty lines of text.
func header(text string, n int) string {
	if n <= 0 {
		n = 3
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			lines = append(lines, t)
			if len(lines) == n {
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

// Match finds the single label contained in text, ignoring case. A label that
// only matches as part of a longer matching label does not count.
func Match(text string, labels []roster.Label) (roster.Label, bool) {
	hay := strings.ToLower(text)
	var hits []roster.Label
	for _, l := range labels {
		needle := strings.ToLower(strings.TrimSpace(string(l)))
		if needle != "" && strings.Contains(hay, needle) {
			hits = append(hits, l)
		}
	}
	var kept []roster.Label
	for i, a := range hits {
		shadowed := false
		for j, b := range hits {
			if i != j && len(b) > len(a) && strings.Contains(strings.ToLower(string(b)), strings.ToLower(string(a))) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, a)
		}
	}
	if len(kept) != 1 {
		return "", false
	}
	return kept[0], true
}
