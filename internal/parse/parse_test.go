package parse

import (
	"strings"
	"testing"
)

func TestParseSingleObject(t *testing.T) {
	raw := `{"id": "3", "content": "What is the slope of the line?", "options": {"A": "1", "B": "2"}}`
	got := Parse("001.txt", raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	c := got[0]
	if c.ID != "3" {
		t.Errorf("expected id 3, got %q", c.ID)
	}
	if c.SourceFile != "001.txt" {
		t.Errorf("expected source 001.txt, got %q", c.SourceFile)
	}
	if c.Options["B"] != "2" {
		t.Errorf("expected option B=2, got %q", c.Options["B"])
	}
}

func TestParseKeyedObjectPreservesOrder(t *testing.T) {
	raw := `{
		"2": {"id": "2", "content": "Second question text goes here"},
		"1": {"id": "1", "content": "First question text goes here"},
		"3": {"id": "3", "content": "Third question text goes here"}
	}`
	got := Parse("p.txt", raw)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	// Insertion order, not key order.
	if got[0].ID != "2" || got[1].ID != "1" || got[2].ID != "3" {
		t.Errorf("expected order 2,1,3; got %s,%s,%s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestParseArray(t *testing.T) {
	raw := `[
		{"id": "a", "content": "Question one body"},
		{"content": "Question two body with no id"}
	]`
	got := Parse("p.txt", raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != "a" {
		t.Errorf("expected id a, got %q", got[0].ID)
	}
	if got[1].ID != "2" {
		t.Errorf("expected positional fallback id 2, got %q", got[1].ID)
	}
}

func TestParseNumericIDs(t *testing.T) {
	raw := `{"q": {"id": 7, "content": "Solve for x", "options": {"A": 1}}}`
	got := Parse("p.txt", raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].ID != "7" {
		t.Errorf("expected id 7, got %q", got[0].ID)
	}
	if got[0].Options["A"] != "1" {
		t.Errorf("expected option A=1, got %q", got[0].Options["A"])
	}
}

func TestBoilerplateFilteredInAllShapes(t *testing.T) {
	shapes := map[string]string{
		"single": `{"id": "1", "content": "Copyright College Board 2024"}`,
		"keyed":  `{"1": {"id": "1", "content": "Copyright College Board 2024"}}`,
		"array":  `[{"id": "1", "content": "Copyright College Board 2024"}]`,
	}
	for name, raw := range shapes {
		if got := Parse("p.txt", raw); len(got) != 0 {
			t.Errorf("%s: expected boilerplate dropped, got %d candidates", name, len(got))
		}
	}
}

func TestBoilerplateIDFiltered(t *testing.T) {
	raw := `{"x": {"id": "header", "content": "Some long content that is clearly not a question but has a header id"}}`
	if got := Parse("p.txt", raw); len(got) != 0 {
		t.Errorf("expected entry with boilerplate id dropped, got %d", len(got))
	}
}

func TestShortPageMarkerFiltered(t *testing.T) {
	raw := `[{"id": "1", "content": "Page 4 of 12"}]`
	if got := Parse("p.txt", raw); len(got) != 0 {
		t.Errorf("expected page marker dropped, got %d", len(got))
	}
}

func TestMixedBoilerplateAndQuestions(t *testing.T) {
	raw := `{
		"t": {"id": "title", "content": "Reading and Writing Module 1 instructions for all students"},
		"1": {"id": "1", "content": "Which choice provides the best evidence for the answer?"}
	}`
	got := Parse("p.txt", raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].ID != "1" {
		t.Errorf("expected id 1, got %q", got[0].ID)
	}
}

func TestDegradedFallbackVerbatim(t *testing.T) {
	raw := "The model refused to answer and returned prose instead of JSON."
	got := Parse("p.txt", raw)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 fallback candidate, got %d", len(got))
	}
	c := got[0]
	if c.Content != raw {
		t.Errorf("expected verbatim content, got %q", c.Content)
	}
	if !strings.HasPrefix(c.ID, "raw-") {
		t.Errorf("expected synthetic raw- id, got %q", c.ID)
	}
	if len(c.Options) != 0 {
		t.Errorf("expected empty options, got %v", c.Options)
	}
}

func TestDegradedFallbackIsStable(t *testing.T) {
	raw := "not json"
	a := Parse("p.txt", raw)
	b := Parse("p.txt", raw)
	if a[0].ID != b[0].ID {
		t.Errorf("expected stable synthetic id, got %q vs %q", a[0].ID, b[0].ID)
	}
}

func TestFencedJSONAccepted(t *testing.T) {
	raw := "```json\n{\"id\": \"1\", \"content\": \"Which value of x satisfies the equation?\"}\n```"
	got := Parse("p.txt", raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].ID != "1" {
		t.Errorf("expected id 1, got %q", got[0].ID)
	}
}

func TestEmptyOptionsOmitted(t *testing.T) {
	raw := `{"id": "1", "content": "A question without answer choices provided"}`
	got := Parse("p.txt", raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if len(got[0].Options) != 0 {
		t.Errorf("expected empty options, got %v", got[0].Options)
	}
}
