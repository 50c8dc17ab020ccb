package upstream

import (
	"fmt"
	"strings"

	"github.com/timeweave/timeweave/internal/models"
)

// PromptTemplates holds the system and user prompts for event retrieval.
type PromptTemplates struct {
	SystemPrompt      string
	RetrievalTemplate string
}

// NewPromptTemplates creates the default retrieval prompts.
func NewPromptTemplates() *PromptTemplates {
	return &PromptTemplates{
		SystemPrompt:      buildSystemPrompt(),
		RetrievalTemplate: buildRetrievalTemplate(),
	}
}

func buildSystemPrompt() string {
	return `CRITICAL: You MUST output ONLY valid JSON. Do not include any text before or after the JSON object. Do not wrap it in markdown code blocks. Output the raw JSON object directly.

You are a meticulous historical and current-affairs researcher. Given a topic, a set of regions and a time window, you enumerate the real, verifiable events that occurred in that window.

Guidelines:
- Only include events that actually fall inside the requested time window
- Prefer widely reported, verifiable events over obscure or disputed ones
- Every event needs a concrete date; use the most precise timestamp you can justify
- Do not invent events to fill quota; fewer accurate events beat many fabricated ones
- When coordinates are unknown, omit latitude/longitude rather than guessing

Output Format: Your response MUST be ONLY this exact JSON structure with no additional text:
{
  "events": [
    {
      "title": "Concise headline naming who/what/where",
      "description": "2-4 sentence factual summary",
      "eventTime": "2024-03-15T00:00:00Z",
      "location": "City, Country",
      "latitude": 0.0,
      "longitude": 0.0,
      "eventType": "category keyword",
      "subject": "primary actor",
      "object": "acted-upon party",
      "credibilityScore": 0.9,
      "sources": ["publication or outlet name"]
    }
  ]
}

The "credibilityScore" field is a number between 0.0 and 1.0 reflecting how well-attested the event is.`
}

func buildRetrievalTemplate() string {
	return `Enumerate the notable events matching this request:

TOPIC: {{.Name}}
CONTEXT: {{.Description}}
REGIONS: {{.Regions}}
TIME WINDOW: {{.Start}} to {{.End}}

Return up to {{.MaxEvents}} events that occurred strictly within the time window, most significant first. Remember: output ONLY the JSON object.`
}

// BuildRetrievalPrompt renders the user prompt for one segment.
func (p *PromptTemplates) BuildRetrievalPrompt(req models.RetrievalRequest, seg models.Segment, maxEvents int) string {
	regions := "worldwide"
	if len(req.RegionIDs) > 0 {
		ids := make([]string, len(req.RegionIDs))
		for i, id := range req.RegionIDs {
			ids[i] = fmt.Sprintf("region-%d", id)
		}
		regions = strings.Join(ids, ", ")
	}

	if maxEvents <= 0 {
		maxEvents = 20
	}

	template := p.RetrievalTemplate
	template = strings.ReplaceAll(template, "{{.Name}}", req.Name)
	template = strings.ReplaceAll(template, "{{.Description}}", req.Description)
	template = strings.ReplaceAll(template, "{{.Regions}}", regions)
	template = strings.ReplaceAll(template, "{{.Start}}", seg.Start.Format("2006-01-02"))
	template = strings.ReplaceAll(template, "{{.End}}", seg.End.Format("2006-01-02"))
	template = strings.ReplaceAll(template, "{{.MaxEvents}}", fmt.Sprintf("%d", maxEvents))
	return template
}
