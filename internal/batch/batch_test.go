package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/satscan/satscan/internal/classify"
	"github.com/satscan/satscan/internal/database"
	"github.com/satscan/satscan/internal/llm"
	"github.com/satscan/satscan/internal/taxonomy"
)

func testRunner(t *testing.T) (*Runner, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	classifier := classify.New(taxonomy.Default(), nil, llm.DefaultRetryPolicy())
	return NewRunner(db, classifier), db
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const algebraPage = `[{"id": "1", "content": "Solve for x: 2x+3=7", "options": {"A": "1", "B": "2", "C": "3", "D": "4"}}]`

func TestDiscoverNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"page_10.txt", "page_2.txt", "page_1.txt"} {
		writeFile(t, dir, name, "x")
	}
	// Exam roots hold one subdirectory per exam; those pages must be found too.
	sub := filepath.Join(dir, "exam1")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "page_3.txt", "x")

	files, err := Discover(dir, "*.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("expected 4 files including the subdirectory page, got %d", len(files))
	}
	// Paths sort naturally as strings, so "exam1/..." comes before "page_...".
	if files[0] != filepath.Join(sub, "page_3.txt") {
		t.Errorf("expected subdirectory page first, got %v", files)
	}
	want := []string{"page_1.txt", "page_2.txt", "page_10.txt"}
	for i, w := range want {
		if filepath.Base(files[i+1]) != w {
			t.Errorf("position %d: expected %s, got %s", i+1, w, filepath.Base(files[i+1]))
		}
	}
}

func TestDiscoverRecursesPerExamLayout(t *testing.T) {
	root := t.TempDir()
	for _, exam := range []string{"exam1", "exam2"} {
		sub := filepath.Join(root, exam)
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		writeFile(t, sub, "001.txt", "x")
		writeFile(t, sub, "001.type.txt", "1=essay-analysis")
	}
	hidden := filepath.Join(root, ".git")
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, hidden, "001.txt", "x")

	files, err := Discover(root, "*.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected one page per exam directory, got %v", files)
	}
	for _, f := range files {
		if strings.Contains(f, ".git") {
			t.Errorf("hidden directory should not be walked: %s", f)
		}
	}
}

func TestDiscoverSkipsSidecarsAndHidden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", "x")
	writeFile(t, dir, "page_1.type.txt", "1=essay-analysis")
	writeFile(t, dir, ".hidden.txt", "x")

	files, err := Discover(dir, "*.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "page_1.txt" {
		t.Errorf("expected only page_1.txt, got %v", files)
	}
}

func TestSortNatural(t *testing.T) {
	paths := []string{"p11.txt", "p2.txt", "p1.txt", "p10.txt"}
	SortNatural(paths)
	want := []string{"p1.txt", "p2.txt", "p10.txt", "p11.txt"}
	for i, w := range want {
		if paths[i] != w {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}
}

func TestRunStoresQuestions(t *testing.T) {
	runner, db := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)

	summary, err := runner.Run(context.Background(), dir, Options{Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 || summary.Stored != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TypeCounts["math-heart-of-algebra"] != 1 {
		t.Errorf("unexpected type counts: %v", summary.TypeCounts)
	}

	q, err := db.GetQuestion(filepath.Join(dir, "page_1.txt"), "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q == nil {
		t.Fatal("expected stored question")
	}
	if q.QuestionType != "math-heart-of-algebra" {
		t.Errorf("unexpected type: %q", q.QuestionType)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	runner, db := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)

	for i := 0; i < 2; i++ {
		if _, err := runner.Run(context.Background(), dir, Options{}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	count, _ := db.CountQuestions()
	if count != 1 {
		t.Errorf("expected 1 row after repeated runs, got %d", count)
	}
}

func TestRunSecondPassUsesCache(t *testing.T) {
	runner, _ := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)

	if _, err := runner.Run(context.Background(), dir, Options{}); err != nil {
		t.Fatal(err)
	}
	if !classify.HasSidecar(filepath.Join(dir, "page_1.txt")) {
		t.Fatal("expected sidecar after first run")
	}

	summary, err := runner.Run(context.Background(), dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.FromCache != 1 {
		t.Errorf("expected cached second pass, got %+v", summary)
	}
}

func TestRunSkipCachedLeavesFilesUntouched(t *testing.T) {
	runner, db := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)
	writeFile(t, dir, "page_1.type.txt", "1=essay-analysis")
	writeFile(t, dir, "page_2.txt", algebraPage)

	summary, err := runner.Run(context.Background(), dir, Options{SkipCached: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("expected the cached file skipped, got %+v", summary)
	}
	if summary.Processed != 1 || summary.Stored != 1 {
		t.Errorf("expected only the uncached file processed, got %+v", summary)
	}

	// The skipped file produced no store writes at all.
	count, _ := db.CountQuestions()
	if count != 1 {
		t.Errorf("expected 1 stored question, got %d", count)
	}
	if q, _ := db.GetQuestion(filepath.Join(dir, "page_1.txt"), "1"); q != nil {
		t.Error("skipped file should not be upserted")
	}
}

func TestRunForceOverridesSkipCached(t *testing.T) {
	runner, db := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)
	writeFile(t, dir, "page_1.type.txt", "1=essay-analysis")

	summary, err := runner.Run(context.Background(), dir, Options{SkipCached: true, Force: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 0 || summary.Processed != 1 {
		t.Errorf("force should reclassify the cached file, got %+v", summary)
	}

	q, _ := db.GetQuestion(filepath.Join(dir, "page_1.txt"), "1")
	if q == nil {
		t.Fatal("expected stored question")
	}
	if q.QuestionType != "math-heart-of-algebra" {
		t.Errorf("expected fresh rule label, got %q", q.QuestionType)
	}
}

func TestRunIsolatesBadFiles(t *testing.T) {
	runner, db := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", "")
	writeFile(t, dir, "page_2.txt", algebraPage)

	summary, err := runner.Run(context.Background(), dir, Options{Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected the empty file to fail, got %+v", summary)
	}
	if summary.Processed != 1 || summary.Stored != 1 {
		t.Errorf("expected the good file to still be stored, got %+v", summary)
	}
	if len(summary.Failures) != 1 {
		t.Errorf("expected 1 recorded failure, got %v", summary.Failures)
	}

	count, _ := db.CountQuestions()
	if count != 1 {
		t.Errorf("expected 1 stored question, got %d", count)
	}
}

func TestRunLockExcludesConcurrentRuns(t *testing.T) {
	runner, _ := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)
	lockPath := filepath.Join(t.TempDir(), "run.lock")

	// Hold the lock the way a concurrent run would.
	held, err := holdLock(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer held()

	if _, err := runner.Run(context.Background(), dir, Options{LockPath: lockPath}); err == nil {
		t.Error("expected run to refuse while the lock is held")
	}
}

func TestRunMaxFilesCap(t *testing.T) {
	runner, _ := testRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "page_1.txt", algebraPage)
	writeFile(t, dir, "page_2.txt", algebraPage)
	writeFile(t, dir, "page_3.txt", algebraPage)

	summary, err := runner.Run(context.Background(), dir, Options{MaxFiles: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Files != 2 || summary.Processed != 2 {
		t.Errorf("expected cap at 2 files, got %+v", summary)
	}
}

func holdLock(path string) (release func(), err error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("could not acquire test lock")
	}
	return func() { lock.Unlock() }, nil
}

func TestRunEmptyDirectory(t *testing.T) {
	runner, _ := testRunner(t)

	summary, err := runner.Run(context.Background(), t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Files != 0 || summary.Failed != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestSummaryPercentages(t *testing.T) {
	s := &Summary{
		Stored: 4,
		TypeCounts: map[string]int{
			"math-heart-of-algebra": 3,
			"essay-analysis":        1,
		},
	}
	shares := s.Percentages()
	if len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(shares))
	}
	if shares[0].Label != "math-heart-of-algebra" || shares[0].Percent != 75 {
		t.Errorf("unexpected first share: %+v", shares[0])
	}
	if shares[1].Percent != 25 {
		t.Errorf("unexpected second share: %+v", shares[1])
	}
}
