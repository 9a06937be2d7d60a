// Package batch runs the classification pipeline over a directory of
// extracted page files and stores the results.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/satscan/satscan/internal/classify"
	"github.com/satscan/satscan/internal/database"
	"github.com/satscan/satscan/internal/parse"
)

const DefaultPattern = "*.txt"

// Options controls a batch run.
type Options struct {
	Pattern    string // base-name glob, DefaultPattern when empty
	Workers    int    // pool size, 1 when < 1
	MaxFiles   int    // cap on files processed, 0 means no cap
	Force      bool   // reclassify even when a sidecar cache exists
	SkipCached bool   // skip files with a sidecar entirely, no store writes
	LockPath   string // single-run lock file, no locking when empty
}

// Summary aggregates the outcome of one run.
type Summary struct {
	Files      int
	Processed  int
	FromCache  int
	Skipped    int
	Failed     int
	Stored     int
	TypeCounts map[string]int
	Failures   []string
}

// Percentages returns the share of stored questions per category, sorted by
// descending count.
func (s *Summary) Percentages() []TypeShare {
	shares := make([]TypeShare, 0, len(s.TypeCounts))
	for label, count := range s.TypeCounts {
		share := TypeShare{Label: label, Count: count}
		if s.Stored > 0 {
			share.Percent = float64(count) * 100 / float64(s.Stored)
		}
		shares = append(shares, share)
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Count != shares[j].Count {
			return shares[i].Count > shares[j].Count
		}
		return shares[i].Label < shares[j].Label
	})
	return shares
}

type TypeShare struct {
	Label   string
	Count   int
	Percent float64
}

// fileResult is what a worker reports back for one file.
type fileResult struct {
	file      string
	stored    int
	labels    []string
	fromCache bool
	skipped   bool
	err       error
}

// Runner coordinates workers that parse, classify, and store page files.
type Runner struct {
	db         *database.DB
	classifier *classify.Classifier
}

func NewRunner(db *database.DB, classifier *classify.Classifier) *Runner {
	return &Runner{db: db, classifier: classifier}
}

// Run processes every matching file in dir. Individual file failures are
// recorded in the summary and do not stop the run. Only lock acquisition,
// discovery, or context cancellation abort it.
func (r *Runner) Run(ctx context.Context, dir string, opts Options) (*Summary, error) {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	if opts.LockPath != "" {
		lock := flock.New(opts.LockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return nil, errors.New("another batch run is already in progress")
		}
		defer lock.Unlock()
	}

	files, err := Discover(dir, opts.Pattern)
	if err != nil {
		return nil, err
	}
	if opts.MaxFiles > 0 && len(files) > opts.MaxFiles {
		files = files[:opts.MaxFiles]
	}

	summary := &Summary{Files: len(files), TypeCounts: make(map[string]int)}
	if len(files) == 0 {
		log.Printf("no files matching %q in %s", opts.Pattern, dir)
		return summary, nil
	}

	jobs := make(chan string)
	results := make(chan fileResult)

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				results <- r.processFile(ctx, file, opts)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, file := range files {
			select {
			case jobs <- file:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Single aggregator loop. Workers never touch the summary, so the
	// progress counter stays monotonic.
	done := 0
	for res := range results {
		done++
		switch {
		case res.err != nil:
			summary.Failed++
			summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %v", filepath.Base(res.file), res.err))
			log.Printf("[%d/%d] %s failed: %v", done, summary.Files, filepath.Base(res.file), res.err)
		case res.skipped:
			summary.Skipped++
			log.Printf("[%d/%d] %s skipped (already classified)", done, summary.Files, filepath.Base(res.file))
		default:
			summary.Processed++
			if res.fromCache {
				summary.FromCache++
			}
			summary.Stored += res.stored
			for _, label := range res.labels {
				summary.TypeCounts[label]++
			}
			log.Printf("[%d/%d] %s: %d questions stored", done, summary.Files, filepath.Base(res.file), res.stored)
		}
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	logSummary(summary)
	return summary, nil
}

// processFile handles one page file end to end. A panic in parsing or
// classification is contained so one bad file cannot take down the pool.
func (r *Runner) processFile(ctx context.Context, file string, opts Options) (res fileResult) {
	res.file = file
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("panic processing file: %v", p)
		}
	}()

	if opts.SkipCached && !opts.Force && classify.HasSidecar(file) {
		res.skipped = true
		return res
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		res.err = fmt.Errorf("reading file: %w", err)
		return res
	}
	if len(raw) == 0 {
		res.err = errors.New("file is empty")
		return res
	}

	candidates := parse.Parse(file, string(raw))
	if len(candidates) == 0 {
		return res
	}

	labels, fromCache, err := r.classifier.ClassifyFile(ctx, file, candidates, opts.Force)
	if err != nil {
		res.err = err
		return res
	}
	res.fromCache = fromCache

	for i, cand := range candidates {
		if err := r.store(cand, labels[i].Label, labels[i].Confidence); err != nil {
			res.err = fmt.Errorf("storing question %s: %w", cand.ID, err)
			return res
		}
		res.stored++
		res.labels = append(res.labels, labels[i].Label)
	}
	return res
}

// store writes one record, retrying once on failure. SQLite under WAL takes
// the occasional transient busy error when several workers commit at once.
func (r *Runner) store(cand parse.Candidate, label string, confidence float64) error {
	err := r.db.UpsertQuestion(cand.SourceFile, cand.ID, label, cand.Content, cand.Options, confidence)
	if err == nil {
		return nil
	}
	return r.db.UpsertQuestion(cand.SourceFile, cand.ID, label, cand.Content, cand.Options, confidence)
}

const maxFailuresShown = 10

func logSummary(s *Summary) {
	log.Printf("batch done: %d/%d files processed (%d from cache, %d skipped), %d failed, %d questions stored",
		s.Processed, s.Files, s.FromCache, s.Skipped, s.Failed, s.Stored)
	for _, share := range s.Percentages() {
		log.Printf("  %-40s %4d  %5.1f%%", share.Label, share.Count, share.Percent)
	}
	for i, failure := range s.Failures {
		if i == maxFailuresShown {
			log.Printf("  ... and %d more failures", len(s.Failures)-maxFailuresShown)
			break
		}
		log.Printf("  failed: %s", failure)
	}
}
