package database

import (
	"encoding/json"
	"path/filepath"
)

// Question is one classified question row. Options is stored serialized; use
// OptionMap to decode it.
type Question struct {
	ID           int64
	FilePath     string
	QuestionID   string
	QuestionType string
	Content      string
	Options      *string
	Confidence   float64
	ExamName     *string
	AddTime      *string
}

// OptionMap decodes the serialized options column. Returns an empty map for
// NULL or malformed values.
func (q Question) OptionMap() map[string]string {
	if q.Options == nil {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(*q.Options), &m); err != nil {
		return map[string]string{}
	}
	return m
}

// TypeCount is the number of stored questions carrying one label.
type TypeCount struct {
	QuestionType string
	Count        int
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalQuestions int
	DistinctTypes  int
	DistinctExams  int
	DistinctFiles  int
}

// ExamNameFromPath derives the exam grouping attribute from a source file
// path: the name of the directory holding the page files.
func ExamNameFromPath(filePath string) string {
	dir := filepath.Dir(filePath)
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return filepath.Base(dir)
}
