package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/satscan/satscan/internal/llm"
	"github.com/satscan/satscan/internal/parse"
	"github.com/satscan/satscan/internal/taxonomy"
)

// stubProvider returns a fixed response, or an error, and counts calls.
type stubProvider struct {
	response   string
	err        error
	calls      int
	lastPrompt string
}

func (s *stubProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	s.calls++
	s.lastPrompt = prompt
	return s.response, s.err
}

func (s *stubProvider) IsConfigured() bool { return true }

func fastPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: 1, BaseDelay: 1, Multiplier: 2}
}

func ruleOnly() *Classifier {
	return New(taxonomy.Default(), nil, fastPolicy())
}

func TestRuleClassifyEvidence(t *testing.T) {
	c := ruleOnly()
	r := c.RuleClassify("Which choice provides the best evidence for the answer to the previous question?")
	if r.Label != "reading-evidence" {
		t.Errorf("expected reading-evidence, got %q", r.Label)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		t.Errorf("confidence out of range: %f", r.Confidence)
	}
	if r.Method != MethodRules {
		t.Errorf("expected rules method, got %q", r.Method)
	}
}

func TestRuleClassifyWordsInContext(t *testing.T) {
	c := ruleOnly()
	r := c.RuleClassify(`As used in line 12, "current" most nearly means`)
	if r.Label != "reading-words-in-context" {
		t.Errorf("expected reading-words-in-context, got %q", r.Label)
	}
}

func TestRuleClassifyArithmeticScenario(t *testing.T) {
	c := ruleOnly()
	r := c.RuleClassify("Solve for x: 2x+3=7")
	if r.Label != "math-heart-of-algebra" {
		t.Errorf("expected a math-family label, got %q", r.Label)
	}
	if r.Confidence <= 0 || r.Confidence >= 1 {
		t.Errorf("expected confidence strictly between 0 and 1, got %f", r.Confidence)
	}
}

func TestRuleClassifyUnknown(t *testing.T) {
	c := ruleOnly()
	r := c.RuleClassify("zzz qqq")
	if r.Label != taxonomy.Unknown {
		t.Errorf("expected unknown, got %q", r.Label)
	}
	if r.Confidence != 0 {
		t.Errorf("expected confidence 0, got %f", r.Confidence)
	}
}

func TestRuleClassifyDeterministic(t *testing.T) {
	c := ruleOnly()
	text := "The scatterplot shows data from a table of mean and median values for 10 samples"
	first := c.RuleClassify(text)
	for i := 0; i < 20; i++ {
		again := c.RuleClassify(text)
		if again.Label != first.Label || again.Confidence != first.Confidence {
			t.Fatalf("non-deterministic result: %v vs %v", again, first)
		}
	}
}

func TestAIClassifyValidLabel(t *testing.T) {
	stub := &stubProvider{response: "Essay-Analysis\n"}
	c := New(taxonomy.Default(), stub, fastPolicy())
	r := c.Classify(context.Background(), "Evaluate the author's persuasive argument")
	if r.Label != "essay-analysis" {
		t.Errorf("expected essay-analysis, got %q", r.Label)
	}
	if r.Confidence != 0.95 {
		t.Errorf("expected AI confidence 0.95, got %f", r.Confidence)
	}
	if r.Method != MethodAI {
		t.Errorf("expected ai method, got %q", r.Method)
	}
}

func TestAIClassifyUnrecognizedLabelFallsBack(t *testing.T) {
	stub := &stubProvider{response: "geometry-201"}
	c := New(taxonomy.Default(), stub, fastPolicy())
	r := c.Classify(context.Background(), "Which choice provides the best evidence?")
	if r.Method != MethodRules {
		t.Errorf("expected rules fallback, got %q", r.Method)
	}
	if r.Label != "reading-evidence" {
		t.Errorf("expected reading-evidence from rules, got %q", r.Label)
	}
}

func TestAIClassifyErrorFallsBack(t *testing.T) {
	stub := &stubProvider{err: errors.New("connection refused")}
	c := New(taxonomy.Default(), stub, fastPolicy())
	r := c.Classify(context.Background(), "most nearly means")
	if r.Method != MethodRules {
		t.Errorf("expected rules fallback, got %q", r.Method)
	}
}

func TestAIClassifyTruncatesOnRuneBoundary(t *testing.T) {
	stub := &stubProvider{response: "essay-analysis"}
	c := New(taxonomy.Default(), stub, fastPolicy())

	// A two-byte rune straddles the 1000-byte prompt cutoff.
	text := strings.Repeat("a", 999) + "é" + strings.Repeat("b", 50)
	r := c.Classify(context.Background(), text)
	if r.Label != "essay-analysis" {
		t.Errorf("expected essay-analysis, got %q", r.Label)
	}
	if !utf8.ValidString(stub.lastPrompt) {
		t.Error("prompt contains a split rune")
	}
}

func candidatesFor(sourceFile string, contents ...string) []parse.Candidate {
	out := make([]parse.Candidate, len(contents))
	for i, body := range contents {
		out[i] = parse.Candidate{
			SourceFile: sourceFile,
			ID:         string(rune('1' + i)),
			Content:    body,
		}
	}
	return out
}

func TestClassifyFileCacheShortCircuit(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "001.txt")
	if err := os.WriteFile(SidecarPath(source), []byte("math-heart-of-algebra,math-additional-topics"), 0o644); err != nil {
		t.Fatal(err)
	}

	stub := &stubProvider{response: "essay-analysis"}
	c := New(taxonomy.Default(), stub, fastPolicy())

	cands := candidatesFor(source, "Solve for x", "Find the angle")
	results, cached, err := c.ClassifyFile(context.Background(), source, cands, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cached {
		t.Error("expected cache hit")
	}
	if stub.calls != 0 {
		t.Errorf("expected no provider calls on cache hit, got %d", stub.calls)
	}
	if results[0].Label != "math-heart-of-algebra" || results[1].Label != "math-additional-topics" {
		t.Errorf("unexpected labels: %v", results)
	}
	for _, r := range results {
		if r.Confidence != 1.0 {
			t.Errorf("expected cached confidence 1.0, got %f", r.Confidence)
		}
		if r.Method != MethodCache {
			t.Errorf("expected cache method, got %q", r.Method)
		}
	}
}

func TestClassifyFileIDKeyedCacheSurvivesReordering(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "002.txt")
	if err := os.WriteFile(SidecarPath(source), []byte("1=reading-evidence,2=writing-lang-grammar"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := ruleOnly()
	// Candidates arrive in the opposite order from the cache.
	cands := []parse.Candidate{
		{SourceFile: source, ID: "2", Content: "b"},
		{SourceFile: source, ID: "1", Content: "a"},
	}
	results, cached, err := c.ClassifyFile(context.Background(), source, cands, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cached {
		t.Error("expected cache hit")
	}
	if results[0].Label != "writing-lang-grammar" {
		t.Errorf("expected id-keyed lookup for candidate 2, got %q", results[0].Label)
	}
	if results[1].Label != "reading-evidence" {
		t.Errorf("expected id-keyed lookup for candidate 1, got %q", results[1].Label)
	}
}

func TestClassifyFileForceBypassesCache(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "003.txt")
	if err := os.WriteFile(SidecarPath(source), []byte("essay-analysis"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := ruleOnly()
	cands := candidatesFor(source, "Which choice provides the best evidence?")
	results, cached, err := c.ClassifyFile(context.Background(), source, cands, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached {
		t.Error("expected cache bypass with force")
	}
	if results[0].Label != "reading-evidence" {
		t.Errorf("expected fresh classification, got %q", results[0].Label)
	}
}

func TestClassifyFileWritesCacheBack(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "004.txt")

	c := ruleOnly()
	cands := candidatesFor(source, "Which choice provides the best evidence?", "Solve for x: 2x+3=7")
	if _, _, err := c.ClassifyFile(context.Background(), source, cands, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := ReadSidecar(SidecarPath(source))
	if err != nil {
		t.Fatalf("expected sidecar written: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "1" || entries[0].Label != "reading-evidence" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].ID != "2" || entries[1].Label != "math-heart-of-algebra" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}
