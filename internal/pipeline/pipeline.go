// Package pipeline runs extraction and classification as one sequence.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/satscan/satscan/internal/batch"
	"github.com/satscan/satscan/internal/classify"
	"github.com/satscan/satscan/internal/config"
	"github.com/satscan/satscan/internal/database"
	"github.com/satscan/satscan/internal/extract"
	"github.com/satscan/satscan/internal/llm"
	"github.com/satscan/satscan/internal/taxonomy"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Dir   string
	Steps []StepResult
}

// Pipeline orchestrates the extract-then-classify sequence for one exam
// directory.
type Pipeline struct {
	cfg        *config.Config
	db         *database.DB
	vision     llm.VisionProvider
	classifier *classify.Classifier
}

// New creates a new pipeline. The vision provider may come back nil when
// nothing is configured; Run then skips extraction and classifies whatever
// page files already exist.
func New(cfg *config.Config, db *database.DB) *Pipeline {
	opts := llm.Options{
		Provider:    cfg.Vision.Provider,
		Model:       cfg.Vision.Model,
		OllamaURL:   cfg.Vision.OllamaURL,
		OpenAIModel: cfg.Vision.OpenAIModel,
		BaseURL:     cfg.Vision.BaseURL,
		APIKeyEnv:   cfg.Vision.APIKeyEnv,
		Timeout:     cfg.Vision.Timeout(),
	}

	retry := llm.DefaultRetryPolicy()
	if cfg.Vision.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Vision.MaxRetries
	}
	if cfg.Vision.BackoffFactor > 0 {
		retry.Multiplier = cfg.Vision.BackoffFactor
	}

	var textProvider llm.Provider
	if cfg.Classify.UseAI {
		textProvider = llm.CreateProvider(opts)
	}

	return &Pipeline{
		cfg:        cfg,
		db:         db,
		vision:     llm.CreateVisionProvider(opts),
		classifier: classify.New(taxonomy.Default(), textProvider, retry),
	}
}

// Run executes both steps against dir. A failed extraction step does not
// stop classification; pages extracted on earlier runs can still be stored.
func (p *Pipeline) Run(ctx context.Context, dir string, force bool) *Result {
	r := &Result{Dir: dir}

	r.Steps = append(r.Steps, p.runExtract(ctx, dir, force))
	r.Steps = append(r.Steps, p.runClassify(ctx, dir, force))

	return r
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun(dir string) *Result {
	r := &Result{Dir: dir}

	images, _ := batch.Discover(dir, "*.png")
	pending := 0
	for _, img := range images {
		if !extract.HasOutput(img) {
			pending++
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Extract",
		Summary: fmt.Sprintf("[dry-run] %d of %d page images need extraction", pending, len(images)),
	})

	files, _ := batch.Discover(dir, p.pattern())
	uncached := 0
	for _, file := range files {
		if !classify.HasSidecar(file) {
			uncached++
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("[dry-run] %d page files to process, %d without cached labels", len(files), uncached),
	})

	return r
}

func (p *Pipeline) runExtract(ctx context.Context, dir string, force bool) StepResult {
	log.Println("Step 1/2: Extracting questions from page images...")
	if p.vision == nil {
		return StepResult{
			Name:    "Extract",
			Summary: "Skipped: no vision provider configured",
		}
	}

	ex := extract.New(p.vision, p.retry())
	ex.SetPrompt(p.cfg.Vision.Prompt)
	summary, err := ex.RunDirectory(ctx, dir, force)
	if err != nil {
		return StepResult{Name: "Extract", Err: err}
	}
	return StepResult{
		Name:    "Extract",
		Summary: fmt.Sprintf("Extracted %d pages (%d skipped, %d failed)", summary.Extracted, summary.Skipped, summary.Failed),
	}
}

func (p *Pipeline) runClassify(ctx context.Context, dir string, force bool) StepResult {
	log.Println("Step 2/2: Classifying extracted questions...")
	runner := batch.NewRunner(p.db, p.classifier)
	summary, err := runner.Run(ctx, dir, batch.Options{
		Pattern:  p.pattern(),
		Workers:  p.cfg.Classify.Workers,
		Force:    force,
		LockPath: filepath.Join(p.cfg.GetDataDir(), "classify.lock"),
	})
	if err != nil {
		return StepResult{Name: "Classify", Err: err}
	}
	return StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("Stored %d questions from %d files (%d from cache, %d failed)", summary.Stored, summary.Processed, summary.FromCache, summary.Failed),
	}
}

func (p *Pipeline) pattern() string {
	if p.cfg.Classify.Pattern != "" {
		return p.cfg.Classify.Pattern
	}
	return batch.DefaultPattern
}

func (p *Pipeline) retry() llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()
	if p.cfg.Vision.MaxRetries > 0 {
		policy.MaxAttempts = p.cfg.Vision.MaxRetries
	}
	if p.cfg.Vision.BackoffFactor > 0 {
		policy.Multiplier = p.cfg.Vision.BackoffFactor
	}
	return policy
}
