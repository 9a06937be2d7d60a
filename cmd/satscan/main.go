package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/satscan/satscan/internal/batch"
	"github.com/satscan/satscan/internal/classify"
	"github.com/satscan/satscan/internal/config"
	"github.com/satscan/satscan/internal/database"
	"github.com/satscan/satscan/internal/extract"
	"github.com/satscan/satscan/internal/llm"
	"github.com/satscan/satscan/internal/parse"
	"github.com/satscan/satscan/internal/pipeline"
	"github.com/satscan/satscan/internal/server"
	"github.com/satscan/satscan/internal/taxonomy"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "satscan",
	Short:   "SAT exam question extraction and classification",
	Long:    "satscan reads scanned SAT exam pages with a vision model, classifies the extracted questions, and serves them for browsing by category.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("satscan", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/satscan/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the vision model and classification settings.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Printf("Questions: %d\n", stats.TotalQuestions)
		fmt.Printf("Categories in use: %d\n", stats.DistinctTypes)
		fmt.Printf("Exams: %d\n", stats.DistinctExams)
		fmt.Printf("Pages: %d\n\n", stats.DistinctFiles)

		counts, err := db.GetTypeCounts()
		if err != nil {
			return fmt.Errorf("getting type counts: %w", err)
		}
		if len(counts) == 0 {
			fmt.Println("No questions stored yet. Run 'satscan classify <dir>' first.")
			return nil
		}

		tax := taxonomy.Default()
		rows := make([][]string, 0, len(counts))
		for _, c := range counts {
			rows = append(rows, []string{c.QuestionType, tax.Describe(c.QuestionType), strconv.Itoa(c.Count)})
		}
		fmt.Println(renderTable(
			[]string{"Category", "Description", "Questions"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight},
		))
		return nil
	},
}

// --- extract command ---

var extractForce bool

var extractCmd = &cobra.Command{
	Use:   "extract [dir]",
	Short: "Extract question text from page images in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := visionProvider()
		if provider == nil {
			return fmt.Errorf("no vision provider available; check Ollama or set %s", cfg.Vision.APIKeyEnv)
		}

		ex := extract.New(provider, retryPolicy())
		ex.SetPrompt(cfg.Vision.Prompt)

		summary, err := ex.RunDirectory(context.Background(), args[0], extractForce)
		if err != nil {
			return err
		}

		fmt.Printf("\nExtraction complete: %d extracted, %d skipped, %d failed of %d pages\n",
			summary.Extracted, summary.Skipped, summary.Failed, summary.Total)
		if summary.Failed > 0 {
			return fmt.Errorf("%d page(s) failed", summary.Failed)
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractForce, "force", false, "Re-extract pages that already have output")
}

// --- classify command ---

var (
	classifyForce      bool
	classifyWorkers    int
	classifyMaxFiles   int
	classifyPattern    string
	classifyUseAI      bool
	classifySkipCached bool
	classifyNoLock     bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [path]",
	Short: "Classify extracted questions and store them",
	Long: `Classify categorizes the questions in extracted page files.

Given a directory, every matching file is processed by a worker pool and the
results are stored. Given a single file, its questions are classified and
stored, and the results are printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		classifier := buildClassifier()
		runner := batch.NewRunner(db, classifier)

		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("inspecting path: %w", err)
		}
		if !info.IsDir() {
			return classifyOne(db, classifier, args[0])
		}

		opts := batch.Options{
			Pattern:    classifyPattern,
			Workers:    classifyWorkers,
			MaxFiles:   classifyMaxFiles,
			Force:      classifyForce,
			SkipCached: classifySkipCached,
		}
		if opts.Pattern == "" {
			opts.Pattern = cfg.Classify.Pattern
		}
		if opts.Workers == 0 {
			opts.Workers = cfg.Classify.Workers
		}
		if !classifyNoLock {
			opts.LockPath = filepath.Join(cfg.GetDataDir(), "classify.lock")
		}

		summary, err := runner.Run(context.Background(), args[0], opts)
		if err != nil {
			return err
		}

		fmt.Printf("\nProcessed %d/%d files (%d from cache, %d skipped), stored %d questions\n",
			summary.Processed, summary.Files, summary.FromCache, summary.Skipped, summary.Stored)
		if len(summary.TypeCounts) > 0 {
			rows := make([][]string, 0, len(summary.TypeCounts))
			for _, share := range summary.Percentages() {
				rows = append(rows, []string{
					share.Label,
					strconv.Itoa(share.Count),
					fmt.Sprintf("%.1f%%", share.Percent),
				})
			}
			fmt.Println(renderTable(
				[]string{"Category", "Questions", "Share"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight},
			))
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d file(s) failed", summary.Failed)
		}
		return nil
	},
}

// classifyOne handles the single-file form: classify, store, print.
func classifyOne(db *database.DB, classifier *classify.Classifier, file string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	candidates := parse.Parse(file, string(raw))
	if len(candidates) == 0 {
		fmt.Println("No questions found in file.")
		return nil
	}

	results, fromCache, err := classifier.ClassifyFile(context.Background(), file, candidates, classifyForce)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(candidates))
	for i, cand := range candidates {
		if err := db.UpsertQuestion(cand.SourceFile, cand.ID, results[i].Label, cand.Content, cand.Options, results[i].Confidence); err != nil {
			return fmt.Errorf("storing question %s: %w", cand.ID, err)
		}
		rows = append(rows, []string{
			cand.ID,
			results[i].Label,
			fmt.Sprintf("%.0f%%", results[i].Confidence*100),
			string(results[i].Method),
			truncate(cand.Content, 60),
		})
	}

	if fromCache {
		fmt.Println("Labels from cache:")
	}
	fmt.Println(renderTable(
		[]string{"ID", "Category", "Confidence", "Method", "Question"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
	return nil
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyForce, "force", false, "Reclassify even when cached labels exist")
	classifyCmd.Flags().IntVar(&classifyWorkers, "workers", 0, "Worker pool size (default from config)")
	classifyCmd.Flags().IntVar(&classifyMaxFiles, "max-files", 0, "Process at most this many files (0 = no cap)")
	classifyCmd.Flags().StringVar(&classifyPattern, "pattern", "", "File glob to process (default from config)")
	classifyCmd.Flags().BoolVar(&classifyUseAI, "use-ai", false, "Use the text model for classification")
	classifyCmd.Flags().BoolVar(&classifySkipCached, "skip-cached", false, "Skip files that already have cached labels")
	classifyCmd.Flags().BoolVar(&classifyNoLock, "no-lock", false, "Skip the single-run lock")
}

// --- run command ---

var (
	runDryRun bool
	runForce  bool
)

var runCmd = &cobra.Command{
	Use:   "run [dir]",
	Short: "Run the full pipeline: extract -> classify",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := pipeline.New(cfg, db)

		var result *pipeline.Result
		if runDryRun {
			result = pipe.DryRun(args[0])
		} else {
			result = pipe.Run(context.Background(), args[0], runForce)
		}

		failed := false
		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				failed = true
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if failed {
			return fmt.Errorf("pipeline finished with errors")
		}
		if !runDryRun {
			fmt.Println("\nPipeline complete! Run 'satscan serve' to browse the questions.")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Re-extract and reclassify cached pages")
}

// --- serve command ---

var (
	servePort   int
	serveImages string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, taxonomy.Default(), serveImages, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
	serveCmd.Flags().StringVar(&serveImages, "images", "", "Directory to serve page images from")
}

// --- db command ---

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all stored questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		count, err := db.CountQuestions()
		if err != nil {
			return err
		}
		if err := db.ClearAll(); err != nil {
			return err
		}
		fmt.Printf("Deleted %d questions.\n", count)
		return nil
	},
}

var dbFixPathsCmd = &cobra.Command{
	Use:   "fix-paths [old-prefix] [new-prefix]",
	Short: "Rewrite stored file paths after moving an output directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.RewritePathPrefix(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Rewrote %d path(s).\n", n)
		return nil
	},
}

var dbSetTypeCmd = &cobra.Command{
	Use:   "set-type [file] [question-id] [category]",
	Short: "Manually set a question's category",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tax := taxonomy.Default()
		label := strings.ToLower(args[2])
		if !tax.IsValid(label) {
			return fmt.Errorf("unknown category %q; valid categories:\n  %s",
				args[2], strings.Join(tax.Labels(), "\n  "))
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.SetQuestionType(args[0], args[1], label); err != nil {
			return err
		}
		fmt.Printf("Set %s question %s to %s.\n", args[0], args[1], label)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbClearCmd)
	dbCmd.AddCommand(dbFixPathsCmd)
	dbCmd.AddCommand(dbSetTypeCmd)
}

// --- helpers ---

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DatabasePath())
}

func providerOptions() llm.Options {
	return llm.Options{
		Provider:    cfg.Vision.Provider,
		Model:       cfg.Vision.Model,
		OllamaURL:   cfg.Vision.OllamaURL,
		OpenAIModel: cfg.Vision.OpenAIModel,
		BaseURL:     cfg.Vision.BaseURL,
		APIKeyEnv:   cfg.Vision.APIKeyEnv,
		Timeout:     cfg.Vision.Timeout(),
	}
}

func visionProvider() llm.VisionProvider {
	return llm.CreateVisionProvider(providerOptions())
}

func retryPolicy() llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()
	if cfg.Vision.MaxRetries > 0 {
		policy.MaxAttempts = cfg.Vision.MaxRetries
	}
	if cfg.Vision.BackoffFactor > 0 {
		policy.Multiplier = cfg.Vision.BackoffFactor
	}
	return policy
}

func buildClassifier() *classify.Classifier {
	var provider llm.Provider
	if classifyUseAI || cfg.Classify.UseAI {
		provider = llm.CreateProvider(providerOptions())
	}
	return classify.New(taxonomy.Default(), provider, retryPolicy())
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
