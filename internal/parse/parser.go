package parse

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

// Parser extracts event candidates from raw upstream text. Parse never
// fails: a response from which nothing can be extracted yields an empty
// list, with diagnostics logged.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// Parse tries extraction strategies in order until one yields a non-empty,
// structurally valid candidate list.
func (p *Parser) Parse(raw string) []models.EventCandidate {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	strategies := []struct {
		name string
		fn   func(string) ([]models.EventCandidate, bool)
	}{
		{"direct", p.parseDirect},
		{"fenced", p.parseFenced},
		{"bracket-scan", p.parseBracketScan},
		{"repair", p.parseRepaired},
	}

	for _, s := range strategies {
		if candidates, ok := s.fn(raw); ok && len(candidates) > 0 {
			p.logger.Debug("response parsed",
				"strategy", s.name,
				"candidates", len(candidates))
			return candidates
		}
	}

	p.logger.Warn("no candidates extracted from response",
		"length", len(raw),
		"preview", preview(raw, 200))
	return nil
}

// parseDirect treats the whole text as a JSON document.
func (p *Parser) parseDirect(raw string) ([]models.EventCandidate, bool) {
	return decodeDocument(raw)
}

// parseFenced locates a markdown code fence and parses its interior.
func (p *Parser) parseFenced(raw string) ([]models.EventCandidate, bool) {
	matches := fencedBlockRe.FindStringSubmatch(raw)
	if len(matches) < 2 {
		return nil, false
	}
	return decodeDocument(matches[1])
}

// parseBracketScan takes the substring from the first opening bracket to the
// last closing bracket and parses it.
func (p *Parser) parseBracketScan(raw string) ([]models.EventCandidate, bool) {
	sub, ok := bracketSlice(raw)
	if !ok {
		return nil, false
	}
	return decodeDocument(sub)
}

// parseRepaired applies best-effort repairs (trailing comma removal, brace
// balancing by truncation) before retrying the parse.
func (p *Parser) parseRepaired(raw string) ([]models.EventCandidate, bool) {
	sub, ok := bracketSlice(raw)
	if !ok {
		sub = raw
	}
	repaired := repairJSON(sub)
	if repaired == sub {
		return nil, false
	}
	return decodeDocument(repaired)
}

func bracketSlice(raw string) (string, bool) {
	start := strings.IndexAny(raw, "{[")
	if start == -1 {
		return "", false
	}
	end := strings.LastIndexAny(raw, "}]")
	if end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// repairJSON strips trailing commas before closing brackets and balances a
// truncated document: it cuts back to the end of the last complete object and
// closes whatever containers remain open at that point.
func repairJSON(raw string) string {
	raw = trailingCommaRe.ReplaceAllString(raw, "$1")

	inString := false
	escaped := false
	var stack []byte

	lastObjEnd := -1
	var stackAtObjEnd []byte

	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}', ']':
			if !inString {
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				if ch == '}' {
					lastObjEnd = i
					stackAtObjEnd = append(stackAtObjEnd[:0], stack...)
				}
			}
		}
	}

	if len(stack) == 0 && !inString {
		return raw
	}

	if lastObjEnd >= 0 {
		return raw[:lastObjEnd+1] + closers(stackAtObjEnd)
	}

	var b strings.Builder
	b.WriteString(raw)
	if inString {
		b.WriteByte('"')
	}
	b.WriteString(closers(stack))
	return b.String()
}

func closers(stack []byte) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// rawEvent is the tolerant decode target. Missing or mistyped fields degrade
// to zero values rather than failing the whole document.
type rawEvent struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	EventTime   string      `json:"eventTime"`
	Location    string      `json:"location"`
	Latitude    *flexFloat  `json:"latitude"`
	Longitude   *flexFloat  `json:"longitude"`
	EventType   string      `json:"eventType"`
	Subject     string      `json:"subject"`
	Object      string      `json:"object"`
	Credibility *flexFloat  `json:"credibilityScore"`
	Sources     flexStrings `json:"sources"`
}

type rawDocument struct {
	Events []json.RawMessage `json:"events"`
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// flexStrings accepts a JSON string array or a single string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil && single != "" {
		*f = []string{single}
	}
	return nil
}

// decodeDocument parses a JSON document that is either an event object, an
// event array, or an object wrapping an array under an "events" key.
func decodeDocument(doc string) ([]models.EventCandidate, bool) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil, false
	}

	var raws []json.RawMessage

	switch doc[0] {
	case '[':
		if err := json.Unmarshal([]byte(doc), &raws); err != nil {
			return nil, false
		}
	case '{':
		var wrapper rawDocument
		if err := json.Unmarshal([]byte(doc), &wrapper); err != nil {
			return nil, false
		}
		if len(wrapper.Events) > 0 {
			raws = wrapper.Events
		} else {
			// A bare object may itself be a single event record.
			raws = []json.RawMessage{json.RawMessage(doc)}
		}
	default:
		return nil, false
	}

	candidates := make([]models.EventCandidate, 0, len(raws))
	for _, raw := range raws {
		var re rawEvent
		if err := json.Unmarshal(raw, &re); err != nil {
			continue
		}
		c := toCandidate(re)
		if c.Usable() {
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		return nil, false
	}
	return candidates, true
}

var eventTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toCandidate(re rawEvent) models.EventCandidate {
	c := models.EventCandidate{
		Title:       strings.TrimSpace(re.Title),
		Description: strings.TrimSpace(re.Description),
		Location:    strings.TrimSpace(re.Location),
		EventType:   strings.TrimSpace(re.EventType),
		Subject:     strings.TrimSpace(re.Subject),
		Object:      strings.TrimSpace(re.Object),
		Sources:     re.Sources,
		Credibility: models.DefaultCredibility,
		Origin:      models.OriginUpstream,
	}

	if re.Credibility != nil {
		score := float64(*re.Credibility)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		c.Credibility = score
	}

	if re.Latitude != nil {
		lat := float64(*re.Latitude)
		c.Latitude = &lat
	}
	if re.Longitude != nil {
		lon := float64(*re.Longitude)
		c.Longitude = &lon
	}

	if ts := strings.TrimSpace(re.EventTime); ts != "" {
		if t, ok := parseEventTime(ts); ok {
			c.EventTime = &t
		}
	}

	return c
}

func parseEventTime(ts string) (time.Time, bool) {
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	// Upstreams sometimes emit a bare Z on a local timestamp.
	if trimmed := strings.TrimSuffix(ts, "Z"); trimmed != ts {
		for _, layout := range eventTimeLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
