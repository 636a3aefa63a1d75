package paragraph

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"investigator/pkg/notebook"
)

// ManualFindingTag marks user-added findings in a rerun context prompt so
// the agent weighs them over its own prior output.
const ManualFindingTag = "manually added — pay special attention"

// NotebookInfo carries the notebook metadata included in a context prompt.
type NotebookInfo struct {
	Title    string
	NewTitle bool // still carrying the default placeholder title
}

// TokenCounter counts prompt tokens so context prompts stay inside the
// agent's budget. All supported agents take GPT-4 style encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate when the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToBudget truncates text so it fits the token budget. The cut is
// proportional by characters, not exact token boundaries.
func (tc *TokenCounter) TruncateToBudget(text string, budget int) string {
	current := tc.Count(text)
	if current <= budget {
		return text
	}
	ratio := float64(budget) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

// BuildContextPrompt synthesizes one text prompt from prior paragraph
// outputs, skipping the given paragraph types. It is a pure function of its
// inputs apart from token counting.
func BuildContextPrompt(counter *TokenCounter, paragraphs []notebook.Paragraph, info NotebookInfo, ignoreTypes []string, budget int) string {
	ignored := make(map[string]bool, len(ignoreTypes))
	for _, t := range ignoreTypes {
		ignored[t] = true
	}

	var b strings.Builder
	if !info.NewTitle && info.Title != "" {
		fmt.Fprintf(&b, "Notebook: %s\n\n", info.Title)
	}

	for _, p := range paragraphs {
		if ignored[p.Type] {
			continue
		}
		content := p.Output
		if content == "" {
			content = p.Input
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", p.Type, strings.TrimSpace(content))
	}

	prompt := strings.TrimSpace(b.String())
	if budget > 0 {
		prompt = counter.TruncateToBudget(prompt, budget)
	}
	return prompt
}

// BuildRerunContext extends a context prompt with the current hypothesis and
// finding state so the agent revises prior work instead of restarting.
// User-authored findings carry the manual tag.
func BuildRerunContext(hypotheses []notebook.Hypothesis, findings []notebook.Paragraph) string {
	var b strings.Builder

	if len(hypotheses) > 0 {
		b.WriteString("Current hypotheses (index 0 is primary):\n")
		for i, h := range hypotheses {
			status := "active"
			if h.RuledOut() {
				status = "ruled out"
			}
			fmt.Fprintf(&b, "%d. [%s, likelihood %d] %s: %s\n", i, status, h.Likelihood, h.Title, h.Description)
		}
		b.WriteString("\n")
	}

	if len(findings) > 0 {
		b.WriteString("Current findings:\n")
		for _, f := range findings {
			text := f.Output
			if text == "" {
				text = f.Input
			}
			if f.AgentGenerated {
				fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(text))
			} else {
				fmt.Fprintf(&b, "- (%s) %s\n", ManualFindingTag, strings.TrimSpace(text))
			}
		}
	}

	return strings.TrimSpace(b.String())
}
