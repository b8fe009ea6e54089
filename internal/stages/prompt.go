package stages

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// NoContent is the model's answer when the context holds nothing for the signal.
const NoContent = "NO_CONTENT"

const systemPrompt = `You analyze professional business content and write short, sourced insights.

CONTEXT FORMAT
The CONTEXT holds numbered excerpts, each shaped as:
---
[N]
TEXT: [post content]
AUTHOR: [name]
AUTHOR_TITLE: [occupation or headline]
AUTHOR_URL: [LinkedIn profile URL]
SOURCE_URL: [LinkedIn post URL]
---
[N] is the source number used for citations.

RULES
1) Extract only concrete, business-relevant facts that match the QUERY signal.
2) Merge excerpts that describe the same topic into one insight.
3) Never invent, infer, guess or speculate beyond what the CONTEXT states.

NO_CONTENT
Decide first whether the CONTEXT explicitly contains information matching the QUERY signal.
If it does not, or if you are unsure, reply with exactly:
NO_CONTENT
Return nothing else in that case: no explanation, apology or summary.

FORMAT (Telegram HTML)
- <b>...</b> for headers and key findings.
- <i>...</i> for stated impact such as opportunity or risk.
- "- " for bullet points, plain line breaks between items.
- <a href="AUTHOR_URL">AUTHOR</a> for author names.
- No Markdown, no tables, under 4096 characters.

SOURCES
End with a <b>Sources:</b> line listing only the excerpts you used:
<a href="SOURCE_URL_1">Source 1</a>, <a href="SOURCE_URL_2">Source 2</a>
Use the excerpt numbers from the CONTEXT.

Follow the structure the QUERY asks for. If nothing in the CONTEXT is relevant, output only NO_CONTENT.`

// SystemPrompt returns the instructions sent with every generation call.
func SystemPrompt() string {
	return systemPrompt
}

// BuildContext renders retrieval matches as numbered excerpts. Matches without
// text are dropped but keep their number.
func BuildContext(matches []pipeline.Match) string {
	blocks := make([]string, 0, len(matches))
	for i, m := range matches {
		meta := m.Metadata
		if meta.Text == "" {
			continue
		}
		name := meta.Name
		if name == "" {
			name = "Unknown"
		}
		blocks = append(blocks, fmt.Sprintf("---\n[%d]\nTEXT: %s\nAUTHOR: %s\nAUTHOR_TITLE: %s\nAUTHOR_URL: %s\nSOURCE_URL: %s\n---",
			i+1, meta.Text, name, meta.Occupation, meta.AuthorURL, meta.SourceURL))
	}
	return strings.Join(blocks, "\n\n")
}

// UserMessage pairs the context with the signal's prompt.
func UserMessage(context, prompt string) string {
	return "CONTEXT:\n" + context + "\n\nQUERY: " + prompt
}
