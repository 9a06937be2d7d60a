// Package extract turns scanned exam page images into question text by
// sending them to a vision model.
package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/satscan/satscan/internal/batch"
	"github.com/satscan/satscan/internal/llm"
)

// DefaultPrompt asks the vision model for the structured JSON shape the
// parser understands. Models that cannot comply fall back to plain text,
// which the parser stores verbatim.
const DefaultPrompt = `You are transcribing a scanned page from an SAT practice exam.
Extract every question that appears on the page.

Return a JSON array with one object per question:
  "id": the question number as printed on the page,
  "content": the complete question text, including any passage excerpt the question refers to,
  "options": an object mapping answer choice letters to their text, or an empty object if the question has no choices.

Ignore page headers, footers, section instructions, and copyright notices.
Return only the JSON, with no surrounding commentary.`

const imagePattern = "*.png"

// Extractor drives a vision provider over page images.
type Extractor struct {
	provider  llm.VisionProvider
	retry     llm.RetryPolicy
	prompt    string
	maxTokens int
}

func New(provider llm.VisionProvider, retry llm.RetryPolicy) *Extractor {
	return &Extractor{
		provider:  provider,
		retry:     retry,
		prompt:    DefaultPrompt,
		maxTokens: 4096,
	}
}

// SetPrompt overrides the extraction prompt.
func (e *Extractor) SetPrompt(prompt string) {
	if prompt != "" {
		e.prompt = prompt
	}
}

// OutputPath returns the text file an image's extraction is written to.
func OutputPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".txt"
}

// HasOutput reports whether an extraction already exists for the image. An
// empty file does not count; a failed earlier run may have left one behind.
func HasOutput(imagePath string) bool {
	info, err := os.Stat(OutputPath(imagePath))
	return err == nil && info.Size() > 0
}

// ExtractPage sends one page image to the vision model and returns the raw
// model output.
func (e *Extractor) ExtractPage(ctx context.Context, imagePath string) (string, error) {
	if e.provider == nil {
		return "", fmt.Errorf("no vision provider configured")
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("reading image %s: %w", imagePath, err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	var result string
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = e.provider.Describe(ctx, e.prompt, encoded, e.maxTokens)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", imagePath, err)
	}
	return strings.TrimSpace(result), nil
}

// Summary reports the outcome of a directory run.
type Summary struct {
	Total     int
	Extracted int
	Skipped   int
	Failed    int
	Failures  []string
}

// RunDirectory extracts every page image in dir, writing each result to a
// .txt file next to its image. Pages that already have a non-empty output
// are skipped unless force is set. A page that fails does not stop the run.
func (e *Extractor) RunDirectory(ctx context.Context, dir string, force bool) (*Summary, error) {
	images, err := batch.Discover(dir, imagePattern)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: len(images)}
	for i, imagePath := range images {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if !force && HasOutput(imagePath) {
			summary.Skipped++
			log.Printf("[%d/%d] %s already extracted, skipping", i+1, summary.Total, filepath.Base(imagePath))
			continue
		}

		text, err := e.ExtractPage(ctx, imagePath)
		if err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %v", filepath.Base(imagePath), err))
			log.Printf("[%d/%d] %s failed: %v", i+1, summary.Total, filepath.Base(imagePath), err)
			continue
		}

		if err := os.WriteFile(OutputPath(imagePath), []byte(text), 0o644); err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %v", filepath.Base(imagePath), err))
			log.Printf("[%d/%d] %s write failed: %v", i+1, summary.Total, filepath.Base(imagePath), err)
			continue
		}

		summary.Extracted++
		log.Printf("[%d/%d] extracted %s", i+1, summary.Total, filepath.Base(imagePath))
	}

	logSummary(summary)
	return summary, nil
}

const maxFailuresShown = 10

func logSummary(s *Summary) {
	log.Printf("extraction done: %d extracted, %d skipped, %d failed of %d pages",
		s.Extracted, s.Skipped, s.Failed, s.Total)
	for i, failure := range s.Failures {
		if i == maxFailuresShown {
			log.Printf("  ... and %d more failures", len(s.Failures)-maxFailuresShown)
			break
		}
		log.Printf("  failed: %s", failure)
	}
}
