// Package llm wraps the external model services: a text provider used for
// question classification and a vision provider used for page extraction.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Provider is the interface for text-completion providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// VisionProvider is the interface for image-understanding providers.
type VisionProvider interface {
	Describe(ctx context.Context, prompt, imageBase64 string, maxTokens int) (string, error)
	IsConfigured() bool
}

// APIError is a non-200 response from a model service. The status code drives
// retry classification: 429 and 5xx are transient, everything else is not.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API returned %d: %s", e.Status, e.Body)
}

// OllamaProvider talks to a local Ollama instance.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(model, baseURL string, timeout time.Duration) *OllamaProvider {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	log.Printf("Ollama model %q not found", o.Model)
	return false
}

// Generate sends a prompt to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.1,
		},
	}

	respBody, err := o.post(ctx, "/api/chat", body)
	if err != nil {
		return "", err
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// Describe sends a prompt plus one base64 page image to Ollama.
func (o *OllamaProvider) Describe(ctx context.Context, prompt, imageBase64 string, maxTokens int) (string, error) {
	body := map[string]any{
		"model":  o.Model,
		"prompt": prompt,
		"images": []string{imageBase64},
		"stream": false,
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.1,
		},
	}

	respBody, err := o.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return strings.TrimSpace(result.Response), nil
}

func (o *OllamaProvider) post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// OpenAIProvider talks to the OpenAI chat completions API or any compatible
// endpoint (OpenRouter uses the same wire shape with a different base URL).
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible provider. The API key is read
// from the named environment variable.
func NewOpenAIProvider(model, baseURL, apiKeyEnv string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a prompt and returns the completion.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	messages := []map[string]any{
		{"role": "user", "content": prompt},
	}
	return o.chat(ctx, messages, maxTokens)
}

// Describe sends a prompt plus one base64 page image.
func (o *OpenAIProvider) Describe(ctx context.Context, prompt, imageBase64 string, maxTokens int) (string, error) {
	messages := []map[string]any{
		{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
				{
					"type": "image_url",
					"image_url": map[string]string{
						"url": "data:image/png;base64," + imageBase64,
					},
				},
			},
		},
	}
	return o.chat(ctx, messages, maxTokens)
}

func (o *OpenAIProvider) chat(ctx context.Context, messages []map[string]any, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	body := map[string]any{
		"model":       o.Model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": 0.1,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Options configures provider creation.
type Options struct {
	Provider    string // "ollama" or "openai"
	Model       string
	OllamaURL   string
	OpenAIModel string
	BaseURL     string
	APIKeyEnv   string
	Timeout     time.Duration
}

// CreateProvider creates a text provider with Ollama-to-OpenAI fallback.
// Returns nil when nothing is configured; callers degrade to rule-based paths.
func CreateProvider(opts Options) Provider {
	if strings.ToLower(opts.Provider) == "ollama" {
		p := NewOllamaProvider(opts.Model, opts.OllamaURL, opts.Timeout)
		if p.IsConfigured() {
			log.Printf("Using Ollama with model: %s", opts.Model)
			return p
		}
		log.Println("Ollama not available, trying OpenAI fallback...")
	}

	p := NewOpenAIProvider(opts.OpenAIModel, opts.BaseURL, opts.APIKeyEnv, opts.Timeout)
	if p.IsConfigured() {
		log.Printf("Using OpenAI-compatible API with model: %s", opts.OpenAIModel)
		return p
	}

	log.Println("No model provider available. Check Ollama is running or set the API key.")
	return nil
}

// CreateVisionProvider creates a vision provider with the same fallback chain.
func CreateVisionProvider(opts Options) VisionProvider {
	if strings.ToLower(opts.Provider) == "ollama" {
		p := NewOllamaProvider(opts.Model, opts.OllamaURL, opts.Timeout)
		if p.IsConfigured() {
			log.Printf("Using Ollama vision model: %s", opts.Model)
			return p
		}
		log.Println("Ollama not available, trying OpenAI fallback...")
	}

	p := NewOpenAIProvider(opts.OpenAIModel, opts.BaseURL, opts.APIKeyEnv, opts.Timeout)
	if p.IsConfigured() {
		log.Printf("Using OpenAI-compatible vision model: %s", opts.OpenAIModel)
		return p
	}

	log.Println("No vision provider available. Check Ollama is running or set the API key.")
	return nil
}
