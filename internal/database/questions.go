package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// minOptionsLength is the display convention: rows whose serialized options
// are shorter than this are too incomplete to show and are excluded from
// query results.
const minOptionsLength = 10

// UpsertQuestion inserts or updates a question keyed on (file_path,
// question_id). A second write for the same key replaces the type, content,
// options, confidence, and timestamp.
func (db *DB) UpsertQuestion(filePath, questionID, questionType, content string, options map[string]string, confidence float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("serializing options: %w", err)
	}

	examName := ExamNameFromPath(filePath)
	_, err = db.conn.Exec(
		`INSERT INTO questions (file_path, question_id, question_type, content, options, confidence, exam_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, question_id) DO UPDATE SET
			question_type = excluded.question_type,
			content = excluded.content,
			options = excluded.options,
			confidence = excluded.confidence,
			exam_name = excluded.exam_name,
			add_time = datetime('now')`,
		filePath, questionID, questionType, content, string(optionsJSON), confidence, nullable(examName),
	)
	if err != nil {
		return fmt.Errorf("upserting question: %w", err)
	}
	return nil
}

// GetQuestion returns one question by its key, or nil when absent.
func (db *DB) GetQuestion(filePath, questionID string) (*Question, error) {
	row := db.conn.QueryRow(
		`SELECT id, file_path, question_id, question_type, content, options, confidence, exam_name, add_time
		FROM questions WHERE file_path = ? AND question_id = ?`,
		filePath, questionID,
	)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQuestionsByType returns questions of one type, optionally restricted to
// an exam, with paging. Ordering is reverse-chronological by default or
// uniform-random when randomOrder is set (offset is ignored for random).
// Rows without usable options are excluded by convention.
func (db *DB) GetQuestionsByType(questionType, examName string, limit, offset int, randomOrder bool) ([]Question, error) {
	query := `SELECT id, file_path, question_id, question_type, content, options, confidence, exam_name, add_time
		FROM questions
		WHERE question_type = ? AND options IS NOT NULL AND LENGTH(options) >= ?`
	args := []any{questionType, minOptionsLength}

	if examName != "" {
		query += " AND exam_name = ?"
		args = append(args, examName)
	}

	if randomOrder {
		query += " ORDER BY RANDOM() LIMIT ?"
		args = append(args, limit)
	} else {
		query += " ORDER BY add_time DESC LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuestions(rows)
}

// GetQuestionsForFile returns all questions from one source file, in insert
// order, with no display filtering.
func (db *DB) GetQuestionsForFile(filePath string) ([]Question, error) {
	rows, err := db.conn.Query(
		`SELECT id, file_path, question_id, question_type, content, options, confidence, exam_name, add_time
		FROM questions WHERE file_path = ? ORDER BY id`,
		filePath,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuestions(rows)
}

// GetTypeCounts returns the distinct question types with counts, most common
// first.
func (db *DB) GetTypeCounts() ([]TypeCount, error) {
	rows, err := db.conn.Query(
		`SELECT question_type, COUNT(*) FROM questions GROUP BY question_type ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []TypeCount
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.QuestionType, &tc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// GetExamNames returns the distinct exam groups, alphabetically.
func (db *DB) GetExamNames() ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT exam_name FROM questions WHERE exam_name IS NOT NULL ORDER BY exam_name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SetQuestionType overrides the stored type for one question. Manual
// overrides are recorded at full confidence.
func (db *DB) SetQuestionType(filePath, questionID, questionType string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.Exec(
		`UPDATE questions SET question_type = ?, confidence = 1.0, add_time = datetime('now')
		WHERE file_path = ? AND question_id = ?`,
		questionType, filePath, questionID,
	)
	if err != nil {
		return fmt.Errorf("updating question type: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no question with file %q id %q", filePath, questionID)
	}
	return nil
}

// CountQuestions returns the total number of stored questions.
func (db *DB) CountQuestions() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM questions").Scan(&count)
	return count, err
}

// GetStats returns aggregate statistics.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}
	err := db.conn.QueryRow(
		`SELECT COUNT(*), COUNT(DISTINCT question_type), COUNT(DISTINCT exam_name), COUNT(DISTINCT file_path)
		FROM questions`,
	).Scan(&stats.TotalQuestions, &stats.DistinctTypes, &stats.DistinctExams, &stats.DistinctFiles)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ClearAll deletes every question. Maintenance operation; the caller confirms.
func (db *DB) ClearAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec("DELETE FROM questions"); err != nil {
		return fmt.Errorf("clearing questions: %w", err)
	}
	// Reset the autoincrement counter so a refilled table starts at 1.
	_, _ = db.conn.Exec("DELETE FROM sqlite_sequence WHERE name = 'questions'")
	return nil
}

// RewritePathPrefix replaces a path prefix on every matching file_path and
// refreshes exam_name, for when the source tree moves. Returns the number of
// rows touched.
func (db *DB) RewritePathPrefix(oldPrefix, newPrefix string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		`SELECT id, file_path FROM questions WHERE file_path LIKE ? || '%'`, oldPrefix,
	)
	if err != nil {
		return 0, err
	}

	type rewrite struct {
		id   int64
		path string
	}
	var rewrites []rewrite
	for rows.Next() {
		var r rewrite
		if err := rows.Scan(&r.id, &r.path); err != nil {
			rows.Close()
			return 0, err
		}
		r.path = newPrefix + r.path[len(oldPrefix):]
		rewrites = append(rewrites, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, r := range rewrites {
		_, err := db.conn.Exec(
			`UPDATE questions SET file_path = ?, exam_name = ? WHERE id = ?`,
			r.path, nullable(ExamNameFromPath(r.path)), r.id,
		)
		if err != nil {
			return 0, fmt.Errorf("rewriting path for row %d: %w", r.id, err)
		}
	}
	return int64(len(rewrites)), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanQuestions(rows *sql.Rows) ([]Question, error) {
	var questions []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.FilePath, &q.QuestionID, &q.QuestionType,
			&q.Content, &q.Options, &q.Confidence, &q.ExamName, &q.AddTime); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func scanQuestion(row *sql.Row) (*Question, error) {
	var q Question
	if err := row.Scan(&q.ID, &q.FilePath, &q.QuestionID, &q.QuestionType,
		&q.Content, &q.Options, &q.Confidence, &q.ExamName, &q.AddTime); err != nil {
		return nil, err
	}
	return &q, nil
}
