// Package classify assigns taxonomy labels to question candidates using a
// rule-based scorer with an optional AI path, short-circuited by a per-file
// sidecar cache of previous decisions.
package classify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/satscan/satscan/internal/llm"
	"github.com/satscan/satscan/internal/parse"
	"github.com/satscan/satscan/internal/taxonomy"
)

const classifyPrompt = `You are labeling exam questions with their skill category.

Pick exactly one category for the question below:

%s

Respond with ONLY the category code, nothing else.

Question:
%s`

// aiConfidence is a flat high-trust value for AI-assigned labels, not a
// calibrated probability.
const aiConfidence = 0.95

// Method records which path produced a label.
type Method string

const (
	MethodRules Method = "rules"
	MethodAI    Method = "ai"
	MethodCache Method = "cache"
)

// Result is one classification decision.
type Result struct {
	Label      string
	Confidence float64
	Method     Method
}

// Classifier classifies question text against a taxonomy.
type Classifier struct {
	tax       *taxonomy.Taxonomy
	provider  llm.Provider
	retry     llm.RetryPolicy
	maxTokens int
}

// New creates a classifier. provider may be nil, in which case only the
// rule-based path runs.
func New(tax *taxonomy.Taxonomy, provider llm.Provider, retry llm.RetryPolicy) *Classifier {
	return &Classifier{
		tax:       tax,
		provider:  provider,
		retry:     retry,
		maxTokens: 50,
	}
}

// Taxonomy returns the taxonomy this classifier scores against.
func (c *Classifier) Taxonomy() *taxonomy.Taxonomy {
	return c.tax
}

// Classify labels one question. The AI path is tried first when a provider is
// available; any failure there falls back to the rule-based scorer.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	if c.provider != nil {
		label, err := c.aiClassify(ctx, text)
		if err == nil {
			return Result{Label: label, Confidence: aiConfidence, Method: MethodAI}
		}
		log.Printf("AI classification failed, using rules: %v", err)
	}
	return c.RuleClassify(text)
}

// RuleClassify scores text against every category: one point per keyword hit,
// two per pattern hit, plus the category's bonus rule. The first maximum wins;
// confidence is that score over the sum of all scores.
func (c *Classifier) RuleClassify(text string) Result {
	scores := c.Scores(text)

	best, bestScore, total := 0, 0, 0
	for i, score := range scores {
		total += score
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if bestScore == 0 {
		return Result{Label: taxonomy.Unknown, Confidence: 0, Method: MethodRules}
	}

	return Result{
		Label:      c.tax.Categories()[best].Label,
		Confidence: float64(bestScore) / float64(total),
		Method:     MethodRules,
	}
}

// Scores returns the per-category rule scores for text, aligned with the
// taxonomy's category order.
func (c *Classifier) Scores(text string) []int {
	lower := strings.ToLower(text)
	categories := c.tax.Categories()
	scores := make([]int, len(categories))

	for i, cat := range categories {
		score := 0
		for _, kw := range cat.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		for _, pattern := range cat.Patterns {
			if pattern.MatchString(lower) {
				score += 2
			}
		}
		if cat.Bonus != nil {
			score += cat.Bonus(lower)
		}
		scores[i] = score
	}
	return scores
}

// aiClassify asks the provider for exactly one category code. A label outside
// the taxonomy is an error so the caller falls back to rules.
func (c *Classifier) aiClassify(ctx context.Context, text string) (string, error) {
	var lines []string
	for _, cat := range c.tax.Categories() {
		lines = append(lines, fmt.Sprintf("- %s: %s", cat.Label, cat.Description))
	}

	if len(text) > 1000 {
		cut := 1000
		// Back off to a rune boundary so the prompt stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	prompt := fmt.Sprintf(classifyPrompt, strings.Join(lines, "\n"), text)

	var response string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var genErr error
		response, genErr = c.provider.Generate(ctx, prompt, c.maxTokens)
		return genErr
	})
	if err != nil {
		return "", err
	}

	label := strings.ToLower(strings.TrimSpace(response))
	if !c.tax.IsValid(label) {
		return "", fmt.Errorf("model returned unknown category %q", label)
	}
	return label, nil
}

// ClassifyFile classifies all candidates from one source file. When a sidecar
// cache exists and force is false, cached labels are returned at confidence
// 1.0 without running either scorer. Fresh classification writes the cache
// back, keyed by question id so later runs survive candidate reordering.
// The second return reports whether the cache was used.
func (c *Classifier) ClassifyFile(ctx context.Context, sourceFile string, candidates []parse.Candidate, force bool) ([]Result, bool, error) {
	sidecar := SidecarPath(sourceFile)

	if !force {
		if entries, err := ReadSidecar(sidecar); err == nil && len(entries) > 0 {
			return alignCached(entries, candidates), true, nil
		}
	}

	results := make([]Result, len(candidates))
	entries := make([]SidecarEntry, len(candidates))
	for i, cand := range candidates {
		results[i] = c.Classify(ctx, cand.Content)
		entries[i] = SidecarEntry{ID: cand.ID, Label: results[i].Label}
	}

	if len(entries) > 0 {
		if err := WriteSidecar(sidecar, entries); err != nil {
			return results, false, fmt.Errorf("writing sidecar cache: %w", err)
		}
	}
	return results, false, nil
}

// alignCached maps cached labels onto candidates: by question id when the
// entry carries one, positionally otherwise. A candidate with no matching
// entry comes back unknown at zero confidence.
func alignCached(entries []SidecarEntry, candidates []parse.Candidate) []Result {
	byID := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			byID[e.ID] = e.Label
		}
	}

	results := make([]Result, len(candidates))
	for i, cand := range candidates {
		label, ok := byID[cand.ID]
		if !ok && i < len(entries) && entries[i].ID == "" {
			label, ok = entries[i].Label, true
		}
		if !ok {
			results[i] = Result{Label: taxonomy.Unknown, Confidence: 0, Method: MethodCache}
			continue
		}
		results[i] = Result{Label: label, Confidence: 1.0, Method: MethodCache}
	}
	return results
}
