// Package taxonomy defines the closed set of question-type categories and the
// matching rules the rule-based classifier scores against.
package taxonomy

import (
	"regexp"
	"strings"
)

// Unknown is the label assigned when no category produces a positive score.
const Unknown = "unknown"

// Category is one question type with its matching rules. Keywords score 1 point
// each, patterns score 2, and Bonus adds category-specific points.
type Category struct {
	Label       string
	Description string
	Keywords    []string
	Patterns    []*regexp.Regexp
	Bonus       func(text string) int
}

// Taxonomy is an ordered set of categories. Order matters: when two categories
// tie on score, the earlier one wins, which keeps classification deterministic.
type Taxonomy struct {
	categories []Category
	byLabel    map[string]int
}

// New builds a taxonomy from the given categories.
func New(categories []Category) *Taxonomy {
	t := &Taxonomy{
		categories: categories,
		byLabel:    make(map[string]int, len(categories)),
	}
	for i, c := range categories {
		t.byLabel[c.Label] = i
	}
	return t
}

// Categories returns the categories in declaration order.
func (t *Taxonomy) Categories() []Category {
	return t.categories
}

// Labels returns all category labels in declaration order.
func (t *Taxonomy) Labels() []string {
	labels := make([]string, len(t.categories))
	for i, c := range t.categories {
		labels[i] = c.Label
	}
	return labels
}

// Lookup returns the category for a label.
func (t *Taxonomy) Lookup(label string) (Category, bool) {
	i, ok := t.byLabel[label]
	if !ok {
		return Category{}, false
	}
	return t.categories[i], true
}

// IsValid reports whether label names a category. Unknown is not a category;
// it is the absence of one.
func (t *Taxonomy) IsValid(label string) bool {
	_, ok := t.byLabel[label]
	return ok
}

// Describe returns the description for a label, or the label itself when it is
// not a taxonomy member.
func (t *Taxonomy) Describe(label string) string {
	if c, ok := t.Lookup(label); ok {
		return c.Description
	}
	return label
}

var (
	digitOrOperator = regexp.MustCompile(`[0-9+\-*/=]`)
	mathVisuals     = []string{"graph", "table", "chart"}
)

// mathBonus rewards numeric content: one point per digit or arithmetic
// operator, one more when the text references a graph, table, or chart.
func mathBonus(text string) int {
	score := len(digitOrOperator.FindAllString(text, -1))
	for _, word := range mathVisuals {
		if strings.Contains(text, word) {
			score++
			break
		}
	}
	return score
}

// Default returns the SAT question-type taxonomy.
func Default() *Taxonomy {
	return New([]Category{
		{
			Label:       "reading-evidence",
			Description: "Reading: choosing the evidence that best supports a claim",
			Keywords:    []string{"evidence", "support", "best supports", "most strongly supports", "provides the best evidence"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`which.*evidence`),
				regexp.MustCompile(`best.*supports`),
				regexp.MustCompile(`most strongly supports`),
			},
			Bonus: func(text string) int {
				if strings.Contains(text, "which choice") && strings.Contains(text, "evidence") {
					return 3
				}
				return 0
			},
		},
		{
			Label:       "reading-words-in-context",
			Description: "Reading: meaning of a word or phrase in context",
			Keywords:    []string{"most nearly means", "as used", "closest in meaning", "best definition"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`most nearly means`),
				regexp.MustCompile(`as used.*means`),
				regexp.MustCompile(`closest in meaning`),
			},
			Bonus: func(text string) int {
				if strings.Contains(text, "most nearly means") {
					return 3
				}
				return 0
			},
		},
		{
			Label:       "reading-command-of-evidence",
			Description: "Reading: author's purpose, attitude, or tone",
			Keywords:    []string{"command", "control", "author's purpose", "author's attitude", "tone"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`author.*purpose`),
				regexp.MustCompile(`author.*attitude`),
				regexp.MustCompile(`tone.*passage`),
			},
		},
		{
			Label:       "writing-lang-expression-of-ideas",
			Description: "Writing: expression, development, and organization of ideas",
			Keywords:    []string{"expression", "ideas", "development", "organization", "effective", "improve"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`expression.*ideas`),
				regexp.MustCompile(`development.*organization`),
				regexp.MustCompile(`most effective`),
			},
		},
		{
			Label:       "writing-lang-grammar",
			Description: "Writing: grammar, punctuation, and sentence structure",
			Keywords:    []string{"grammar", "punctuation", "sentence structure", "verb tense", "subject-verb agreement"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`grammar`),
				regexp.MustCompile(`punctuation`),
				regexp.MustCompile(`verb.*tense`),
				regexp.MustCompile(`subject.*verb`),
			},
		},
		{
			Label:       "writing-lang-command-of-evidence",
			Description: "Writing: argument, claims, and reasoning",
			Keywords:    []string{"evidence", "support", "argument", "claim", "reasoning"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`evidence.*argument`),
				regexp.MustCompile(`support.*claim`),
				regexp.MustCompile(`reasoning`),
			},
		},
		{
			Label:       "writing-lang-words-in-context",
			Description: "Writing: precise and appropriate word choice",
			Keywords:    []string{"vocabulary", "word choice", "precise", "appropriate", "context"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`vocabulary`),
				regexp.MustCompile(`word.*choice`),
				regexp.MustCompile(`precise.*word`),
			},
		},
		{
			Label:       "math-heart-of-algebra",
			Description: "Math: linear equations, inequalities, and functions",
			Keywords:    []string{"equation", "inequality", "linear", "quadratic", "function", "graph", "slope", "intercept"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`equation`),
				regexp.MustCompile(`inequality`),
				regexp.MustCompile(`linear.*function`),
				regexp.MustCompile(`slope`),
				regexp.MustCompile(`intercept`),
			},
			Bonus: mathBonus,
		},
		{
			Label:       "math-problem-solving-data-analysis",
			Description: "Math: data, statistics, percentages, and ratios",
			Keywords:    []string{"data", "table", "chart", "graph", "statistics", "mean", "median", "percent", "ratio"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`data.*table`),
				regexp.MustCompile(`chart.*graph`),
				regexp.MustCompile(`statistics`),
				regexp.MustCompile(`mean.*median`),
			},
			Bonus: mathBonus,
		},
		{
			Label:       "math-passport-to-advanced-math",
			Description: "Math: polynomials, quadratics, exponentials, and radicals",
			Keywords:    []string{"polynomial", "quadratic", "exponential", "radical", "complex", "advanced"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`polynomial`),
				regexp.MustCompile(`quadratic.*equation`),
				regexp.MustCompile(`exponential`),
				regexp.MustCompile(`radical`),
			},
			Bonus: mathBonus,
		},
		{
			Label:       "math-additional-topics",
			Description: "Math: geometry, trigonometry, circles, and triangles",
			Keywords:    []string{"geometry", "trigonometry", "circle", "triangle", "volume", "area", "angle"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`geometry`),
				regexp.MustCompile(`trigonometry`),
				regexp.MustCompile(`circle.*area`),
				regexp.MustCompile(`triangle.*angle`),
			},
			Bonus: mathBonus,
		},
		{
			Label:       "essay-analysis",
			Description: "Essay: analyzing and evaluating an argument",
			Keywords:    []string{"essay", "analysis", "argument", "evaluate", "persuasive", "rhetorical"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`essay.*analysis`),
				regexp.MustCompile(`evaluate.*argument`),
				regexp.MustCompile(`persuasive.*techniques`),
			},
			Bonus: func(text string) int {
				if len(text) > 200 && strings.Contains(text, "analysis") {
					return 2
				}
				return 0
			},
		},
	})
}
