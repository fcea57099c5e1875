// Package worker provides subtask executors for the scheduler: an
// LLM-backed worker that calls a Responses-style completion API, and a
// scripted worker for offline runs and tests.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warpsurf/internal/domain"
)

const (
	defaultLLMTimeout      = 5 * time.Minute
	defaultMaxOutputTokens = 8000
	maxErrorBodyReadSize   = 64 * 1024
)

type LLMConfig struct {
	Endpoint        string
	Model           string
	AuthToken       string
	Timeout         time.Duration
	MaxOutputTokens int
	Logger          *log.Logger
	Client          *http.Client
}

// LLM executes a subtask by sending its prompt, plus the outputs of its
// dependencies, to a completion API.
type LLM struct {
	endpoint        string
	model           string
	authToken       string
	maxOutputTokens int
	logger          *log.Logger
	client          *http.Client
}

func NewLLM(cfg LLMConfig) (*LLM, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
		}
	}

	return &LLM{
		endpoint:        endpoint,
		model:           model,
		authToken:       strings.TrimSpace(cfg.AuthToken),
		maxOutputTokens: maxOutputTokens,
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

func (w *LLM) Execute(ctx context.Context, subtask domain.Subtask, prior map[int]domain.SubtaskOutput) (domain.SubtaskOutput, error) {
	payload := completionRequest{
		Model:        w.model,
		Instructions: workerInstructions,
		Input: []completionInputMessage{
			{
				Role: "user",
				Content: []completionInputContent{
					{Type: "input_text", Text: buildWorkerPrompt(subtask, prior)},
				},
			},
		},
		MaxOutputTokens: w.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SubtaskOutput{}, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SubtaskOutput{}, fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return domain.SubtaskOutput{}, fmt.Errorf("completion api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))
		if readErr != nil {
			return domain.SubtaskOutput{}, fmt.Errorf("completion api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return domain.SubtaskOutput{}, fmt.Errorf("completion api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return domain.SubtaskOutput{}, fmt.Errorf("decode completion response: %w", err)
	}
	if completion.Error != nil {
		return domain.SubtaskOutput{}, fmt.Errorf("completion error: %s", completion.Error.Message)
	}
	text := strings.TrimSpace(completion.OutputText())
	if text == "" {
		return domain.SubtaskOutput{}, fmt.Errorf("empty completion output")
	}

	return domain.SubtaskOutput{
		SubtaskID: subtask.ID,
		Result:    text,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func buildWorkerPrompt(subtask domain.Subtask, prior map[int]domain.SubtaskOutput) string {
	var b strings.Builder
	b.WriteString("Subtask: ")
	b.WriteString(subtask.Title)
	b.WriteString("\n\n")
	b.WriteString(subtask.Prompt)
	b.WriteString("\n")
	if subtask.NoBrowse {
		b.WriteString("\nDo not browse the web; answer from context only.\n")
	}
	if len(subtask.SuggestedURLs) > 0 {
		b.WriteString("\nSuggested sources:\n")
		for _, u := range subtask.SuggestedURLs {
			b.WriteString("- ")
			b.WriteString(u)
			b.WriteString("\n")
		}
	}
	if len(subtask.SearchQueries) > 0 {
		b.WriteString("\nSuggested search queries:\n")
		for _, q := range subtask.SearchQueries {
			b.WriteString("- ")
			b.WriteString(q)
			b.WriteString("\n")
		}
	}
	if len(subtask.StartCriteria) > 0 {
		b.WriteString("\nResults from earlier subtasks:\n")
		for _, dep := range subtask.StartCriteria {
			out, ok := prior[dep]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "\n--- subtask %d ---\n%s\n", dep, out.Result)
		}
	}
	return b.String()
}

type completionRequest struct {
	Model           string                   `json:"model"`
	Instructions    string                   `json:"instructions"`
	Input           []completionInputMessage `json:"input"`
	MaxOutputTokens int                      `json:"max_output_tokens,omitempty"`
}

type completionInputMessage struct {
	Role    string                   `json:"role"`
	Content []completionInputContent `json:"content"`
}

type completionInputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type completionResponse struct {
	Error  *completionError       `json:"error,omitempty"`
	Output []completionOutputItem `json:"output,omitempty"`
}

func (r completionResponse) OutputText() string {
	var out strings.Builder
	for _, item := range r.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				out.WriteString(part.Text)
			}
		}
	}
	return out.String()
}

type completionOutputItem struct {
	Type    string                    `json:"type"`
	Content []completionOutputContent `json:"content,omitempty"`
}

type completionOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type completionError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

const workerInstructions = `You are a research agent executing one subtask of a larger plan.
Complete the subtask using the prompt and any earlier subtask results provided.
Return a concise, self-contained result; downstream subtasks see only your output.`
