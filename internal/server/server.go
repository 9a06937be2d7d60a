package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/satscan/satscan/internal/database"
	"github.com/satscan/satscan/internal/taxonomy"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const defaultPageSize = 20

// Server is the HTTP server for browsing classified questions.
type Server struct {
	db        *database.DB
	tax       *taxonomy.Taxonomy
	imageRoot string
	pages     map[string]*template.Template
	mux       *http.ServeMux
}

// New creates a new Server. imageRoot is the directory page images are
// served from; an empty root disables image passthrough.
func New(db *database.DB, tax *taxonomy.Taxonomy, imageRoot string) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"describe": tax.Describe,
		"percent": func(f float64) string {
			return fmt.Sprintf("%.0f%%", f*100)
		},
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "questions.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	if imageRoot != "" {
		imageRoot, err = filepath.Abs(imageRoot)
		if err != nil {
			return nil, fmt.Errorf("resolving image root: %w", err)
		}
	}

	s := &Server{db: db, tax: tax, imageRoot: imageRoot, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Routes
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/questions", s.handleQuestions)
	s.mux.HandleFunc("/page-image", s.handlePageImage)
	s.mux.HandleFunc("/api/question_types", s.handleAPITypes)
	s.mux.HandleFunc("/api/questions", s.handleAPIQuestions)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	counts, err := s.db.GetTypeCounts()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Counts": counts,
		"Stats":  stats,
	})
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	questionType := r.URL.Query().Get("type")
	if questionType == "" || !s.tax.IsValid(questionType) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	examName := r.URL.Query().Get("exam")
	random := r.URL.Query().Get("order") == "random"
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * defaultPageSize

	questions, err := s.db.GetQuestionsByType(questionType, examName, defaultPageSize, offset, random)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	examNames, _ := s.db.GetExamNames()

	s.render(w, "questions.html", map[string]any{
		"Type":        questionType,
		"Description": s.tax.Describe(questionType),
		"Exam":        examName,
		"ExamNames":   examNames,
		"Random":      random,
		"Page":        page,
		"PrevPage":    page - 1,
		"NextPage":    page + 1,
		"HasMore":     len(questions) == defaultPageSize,
		"Questions":   questions,
	})
}

// handlePageImage serves the scanned page a question came from. The file
// query names the stored extraction path; the image is its .png sibling.
// Only paths inside imageRoot are served.
func (s *Server) handlePageImage(w http.ResponseWriter, r *http.Request) {
	if s.imageRoot == "" {
		http.NotFound(w, r)
		return
	}

	file := r.URL.Query().Get("file")
	if file == "" {
		http.NotFound(w, r)
		return
	}

	imagePath := strings.TrimSuffix(file, filepath.Ext(file)) + ".png"
	abs, err := filepath.Abs(imagePath)
	if err != nil || !strings.HasPrefix(abs, s.imageRoot+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(abs); err != nil {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, abs)
}

func (s *Server) handleAPITypes(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.GetTypeCounts()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	type typeCount struct {
		QuestionType string `json:"question_type"`
		Description  string `json:"description"`
		Count        int    `json:"count"`
	}
	out := make([]typeCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, typeCount{
			QuestionType: c.QuestionType,
			Description:  s.tax.Describe(c.QuestionType),
			Count:        c.Count,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleAPIQuestions(w http.ResponseWriter, r *http.Request) {
	questionType := r.URL.Query().Get("type")
	if questionType == "" {
		http.Error(w, "type parameter is required", http.StatusBadRequest)
		return
	}

	examName := r.URL.Query().Get("exam")
	random := r.URL.Query().Get("order") == "random"
	limit := queryInt(r, "limit", defaultPageSize)
	if limit < 1 || limit > 100 {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	questions, err := s.db.GetQuestionsByType(questionType, examName, limit, offset, random)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	type apiQuestion struct {
		FilePath     string            `json:"file_path"`
		QuestionID   string            `json:"question_id"`
		QuestionType string            `json:"question_type"`
		Content      string            `json:"content"`
		Options      map[string]string `json:"options"`
		Confidence   float64           `json:"confidence"`
		ExamName     string            `json:"exam_name,omitempty"`
	}
	out := make([]apiQuestion, 0, len(questions))
	for _, q := range questions {
		item := apiQuestion{
			FilePath:     q.FilePath,
			QuestionID:   q.QuestionID,
			QuestionType: q.QuestionType,
			Content:      q.Content,
			Options:      q.OptionMap(),
			Confidence:   q.Confidence,
		}
		if q.ExamName != nil {
			item.ExamName = *q.ExamName
		}
		out = append(out, item)
	}
	writeJSON(w, out)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, tax *taxonomy.Taxonomy, imageRoot string, port int) error {
	srv, err := New(db, tax, imageRoot)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
