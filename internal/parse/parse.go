// Package parse decomposes raw vision-model output for one page into discrete
// question candidates. Model output is expected to be JSON but is not trusted:
// anything unparseable degrades to a single raw-text candidate so one bad page
// never blocks a run.
package parse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Candidate is one extracted question before classification.
type Candidate struct {
	SourceFile string
	ID         string
	Content    string
	Options    map[string]string
}

// boilerplateTerms mark non-question page furniture. Matched case-insensitively
// against both the id and the content.
var boilerplateTerms = []string{
	"instructions",
	"title",
	"header",
	"footer",
	"copyright",
	"college board",
}

// Parse converts one raw blob into an ordered list of candidates. Three JSON
// shapes are accepted: a single question object, an object mapping keys to
// question objects (key order preserved), or an array of question objects.
// Invalid JSON yields exactly one candidate carrying the raw text verbatim.
func Parse(sourceFile, raw string) []Candidate {
	trimmed := stripFences(strings.TrimSpace(raw))

	candidates, ok := parseStructured(sourceFile, trimmed)
	if !ok {
		return []Candidate{fallbackCandidate(sourceFile, raw)}
	}
	return candidates
}

// parseStructured attempts the three structured shapes. The second return is
// false only on a syntax failure; a page of pure boilerplate parses fine and
// returns an empty slice.
func parseStructured(sourceFile, text string) ([]Candidate, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		// Bare string or number is not structured question data.
		return nil, false
	}

	switch delim {
	case '{':
		keys, values, err := orderedObject(dec)
		if err != nil {
			return nil, false
		}
		return objectCandidates(sourceFile, keys, values), true
	case '[':
		var items []json.RawMessage
		for dec.More() {
			var item json.RawMessage
			if err := dec.Decode(&item); err != nil {
				return nil, false
			}
			items = append(items, item)
		}
		return arrayCandidates(sourceFile, items), true
	}
	return nil, false
}

// orderedObject reads the members of an already-opened JSON object, keeping
// key order. encoding/json maps discard insertion order, and question order on
// a page is meaningful, so the token stream is walked directly.
func orderedObject(dec *json.Decoder) (keys []string, values []json.RawMessage, err error) {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		values = append(values, value)
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, nil, err
	}
	return keys, values, nil
}

// rawQuestion is the wire shape of one question object. IDs arrive as numbers
// or strings depending on the model's mood; options values likewise.
type rawQuestion struct {
	ID      any            `json:"id"`
	Content string         `json:"content"`
	Options map[string]any `json:"options"`
}

// objectCandidates handles a top-level object: either one question (it has a
// "content" member itself) or a map of key to question.
func objectCandidates(sourceFile string, keys []string, values []json.RawMessage) []Candidate {
	single := false
	for _, k := range keys {
		if k == "content" {
			single = true
			break
		}
	}

	if single {
		full, err := json.Marshal(rebuildObject(keys, values))
		if err != nil {
			return nil
		}
		var q rawQuestion
		if err := json.Unmarshal(full, &q); err != nil {
			return nil
		}
		if c, ok := makeCandidate(sourceFile, q, "1"); ok {
			return []Candidate{c}
		}
		return nil
	}

	var out []Candidate
	for i, key := range keys {
		var q rawQuestion
		if err := json.Unmarshal(values[i], &q); err != nil || q.Content == "" {
			continue
		}
		if c, ok := makeCandidate(sourceFile, q, key); ok {
			out = append(out, c)
		}
	}
	return out
}

func arrayCandidates(sourceFile string, items []json.RawMessage) []Candidate {
	var out []Candidate
	for i, item := range items {
		var q rawQuestion
		if err := json.Unmarshal(item, &q); err != nil || q.Content == "" {
			continue
		}
		if c, ok := makeCandidate(sourceFile, q, strconv.Itoa(i+1)); ok {
			out = append(out, c)
		}
	}
	return out
}

func rebuildObject(keys []string, values []json.RawMessage) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(keys))
	for i, k := range keys {
		m[k] = values[i]
	}
	return m
}

// makeCandidate normalizes one raw question and applies the boilerplate
// filter. Returns false when the entry is not a real question.
func makeCandidate(sourceFile string, q rawQuestion, fallbackID string) (Candidate, bool) {
	content := strings.TrimSpace(q.Content)
	if content == "" {
		return Candidate{}, false
	}

	id := stringify(q.ID)
	if id == "" {
		id = fallbackID
	}

	if isBoilerplate(id, content) {
		return Candidate{}, false
	}

	options := make(map[string]string, len(q.Options))
	for label, v := range q.Options {
		options[label] = stringify(v)
	}

	return Candidate{
		SourceFile: sourceFile,
		ID:         id,
		Content:    content,
		Options:    options,
	}, true
}

// isBoilerplate drops page furniture: titles, instructions, copyright lines,
// and short page markers.
func isBoilerplate(id, content string) bool {
	lowerID := strings.ToLower(id)
	lowerContent := strings.ToLower(content)
	for _, term := range boilerplateTerms {
		if strings.Contains(lowerID, term) || strings.Contains(lowerContent, term) {
			return true
		}
	}
	if strings.Contains(lowerContent, "page") && len(content) < 100 {
		return true
	}
	return false
}

// fallbackCandidate wraps an unparseable blob as one candidate. The synthetic
// id is a content hash so reprocessing the same blob upserts the same row.
func fallbackCandidate(sourceFile, raw string) Candidate {
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw))
	return Candidate{
		SourceFile: sourceFile,
		ID:         "raw-" + sum.String()[:8],
		Content:    raw,
		Options:    map[string]string{},
	}
}

// stripFences removes a surrounding markdown code fence, which chat models
// love to wrap JSON in.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	end := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
