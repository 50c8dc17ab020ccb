package merge

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

// Merger combines per-segment candidate lists into one chronologically
// sorted, de-duplicated list. The first-seen candidate wins; later
// duplicates are dropped, not merged field by field.
type Merger struct {
	titleSimilarity float64
	logger          *slog.Logger
}

// NewMerger creates a merger. titleSimilarity is the Jaccard threshold above
// which two normalized titles are considered the same event.
func NewMerger(titleSimilarity float64, logger *slog.Logger) *Merger {
	if titleSimilarity <= 0 || titleSimilarity > 1 {
		titleSimilarity = 0.85
	}
	return &Merger{titleSimilarity: titleSimilarity, logger: logger}
}

// Merge flattens the segment lists, sorts by event time ascending (missing
// times last) and removes near-duplicates.
func (m *Merger) Merge(lists [][]models.EventCandidate) []models.EventCandidate {
	total := 0
	for _, l := range lists {
		total += len(l)
	}

	flat := make([]models.EventCandidate, 0, total)
	for _, l := range lists {
		flat = append(flat, l...)
	}

	sort.SliceStable(flat, func(i, j int) bool {
		ti, tj := flat[i].EventTime, flat[j].EventTime
		switch {
		case ti == nil && tj == nil:
			return false
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})

	unique := make([]models.EventCandidate, 0, len(flat))
	for _, candidate := range flat {
		if !m.isDuplicate(candidate, unique) {
			unique = append(unique, candidate)
		}
	}

	dropped := len(flat) - len(unique)
	if dropped > 0 {
		m.logger.Info("merge deduplication complete",
			"total", len(flat),
			"unique", len(unique),
			"dropped", dropped)
	}
	return unique
}

// Dropped reports how many candidates a merge of the given lists removed.
func (m *Merger) Dropped(lists [][]models.EventCandidate, merged []models.EventCandidate) int {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	return total - len(merged)
}

func (m *Merger) isDuplicate(c models.EventCandidate, seen []models.EventCandidate) bool {
	for i := range seen {
		if m.sameEvent(c, seen[i]) {
			return true
		}
	}
	return false
}

// sameEvent applies the duplicate rules: near-identical normalized titles,
// exact (subject, object, eventType) triple, or same-day timestamps with a
// substring location match.
func (m *Merger) sameEvent(a, b models.EventCandidate) bool {
	na, nb := NormalizeTitle(a.Title), NormalizeTitle(b.Title)
	if na != "" && nb != "" && jaccardSimilarity(na, nb) >= m.titleSimilarity {
		return true
	}

	if a.Subject != "" && a.Subject == b.Subject &&
		a.Object != "" && a.Object == b.Object &&
		a.EventType != "" && a.EventType == b.EventType {
		return true
	}

	if a.EventTime != nil && b.EventTime != nil &&
		sameDay(*a.EventTime, *b.EventTime) &&
		locationsMatch(a.Location, b.Location) {
		return true
	}

	return false
}

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[.,!?;:"'()\[\]{}]+`)
	wordRe        = regexp.MustCompile(`\w+`)
)

// NormalizeTitle standardizes a title for comparison: lowercase, punctuation
// stripped, whitespace collapsed.
func NormalizeTitle(title string) string {
	normalized := strings.ToLower(title)
	normalized = punctuationRe.ReplaceAllString(normalized, " ")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// jaccardSimilarity computes the Jaccard coefficient over word token sets.
func jaccardSimilarity(s1, s2 string) float64 {
	tokens1 := wordRe.FindAllString(s1, -1)
	tokens2 := wordRe.FindAllString(s2, -1)

	if len(tokens1) == 0 && len(tokens2) == 0 {
		return 1.0
	}
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0.0
	}

	set1 := make(map[string]bool, len(tokens1))
	set2 := make(map[string]bool, len(tokens2))
	for _, t := range tokens1 {
		set1[t] = true
	}
	for _, t := range tokens2 {
		set2[t] = true
	}

	intersection := 0
	for t := range set1 {
		if set2[t] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func locationsMatch(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
