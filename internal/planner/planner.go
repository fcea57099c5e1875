// Package planner turns a natural-language task into an executable plan
// by calling a Responses-style completion API and validating the result.
package planner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"warpsurf/internal/domain"
	"warpsurf/internal/taskgraph"
)

const (
	defaultReasoningEffort   = "high"
	defaultRetries           = 2
	defaultRetryBackoff      = 1500 * time.Millisecond
	defaultTimeout           = 8 * time.Minute
	defaultMaxOutputBytes    = 4 * 1024 * 1024
	defaultMaxOutputTokens   = 16000
	maxHTTPErrorBodyReadSize = 64 * 1024
)

var allowedReasoningEfforts = map[string]struct{}{
	"none":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

type Config struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Logger          *log.Logger
	Client          *http.Client
}

// Planner decomposes a task into subtasks with dependencies.
type Planner struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	logger          *log.Logger
	client          *http.Client
}

func New(cfg Config) (*Planner, error) {
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
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
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

	return &Planner{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: normalizeReasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

// Plan asks the model to decompose the task, then validates the DAG before
// returning it. A plan the graph layer rejects is retried like an API error.
func (p *Planner) Plan(ctx context.Context, task string) (domain.TaskPlan, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return domain.TaskPlan{}, fmt.Errorf("empty task")
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries+1; attempt++ {
		plan, err := p.planOnce(ctx, task)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		if !isRetryableError(err) || attempt == p.retries+1 {
			break
		}
		wait := time.Duration(attempt) * p.retryBackoff
		p.logger.Printf("planner retry attempt=%d wait=%s reason=%v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.TaskPlan{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown planner error")
	}
	return domain.TaskPlan{}, lastErr
}

func (p *Planner) planOnce(ctx context.Context, task string) (domain.TaskPlan, error) {
	payload := responsesRequest{
		Model:        p.model,
		Instructions: plannerInstructions,
		Stream:       true,
		Reasoning:    &responsesReasoning{Effort: p.reasoningEffort},
		Input: []responsesInputMessage{
			{
				Role: "user",
				Content: []responsesInputContent{
					{Type: "input_text", Text: "Task: " + task},
				},
			},
		},
		MaxOutputTokens: p.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TaskPlan{}, fmt.Errorf("marshal responses request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.TaskPlan{}, fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.TaskPlan{}, fmt.Errorf("responses api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return domain.TaskPlan{}, fmt.Errorf("responses api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return domain.TaskPlan{}, apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(body)),
		}
	}

	raw, err := readResponsesStream(resp.Body, p.maxOutputBytes)
	if err != nil {
		return domain.TaskPlan{}, fmt.Errorf("read responses stream: %w", err)
	}
	plan, err := Parse([]byte(raw), task)
	if err != nil {
		return domain.TaskPlan{}, fmt.Errorf("parse model output: %w; output: %s", err, trim(raw, 800))
	}
	return plan, nil
}

type planOutput struct {
	Subtasks []subtaskOutput `json:"subtasks"`
}

type subtaskOutput struct {
	ID            int      `json:"id"`
	Title         string   `json:"title"`
	Prompt        string   `json:"prompt"`
	StartCriteria []int    `json:"start_criteria"`
	IsFinal       bool     `json:"is_final"`
	NoBrowse      bool     `json:"no_browse"`
	SuggestedURLs []string `json:"suggested_urls,omitempty"`
	SearchQueries []string `json:"search_queries,omitempty"`
}

// Parse decodes model output (tolerating markdown fences) into a TaskPlan
// and validates it as a schedulable DAG.
func Parse(raw []byte, task string) (domain.TaskPlan, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out planOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return domain.TaskPlan{}, err
	}
	if len(out.Subtasks) == 0 {
		return domain.TaskPlan{}, fmt.Errorf("plan has no subtasks")
	}

	plan := domain.TaskPlan{
		ID:           uuid.NewString(),
		Task:         task,
		Subtasks:     make([]domain.Subtask, 0, len(out.Subtasks)),
		Dependencies: make(map[int][]int, len(out.Subtasks)),
		CreatedAt:    time.Now().UTC(),
	}
	for _, st := range out.Subtasks {
		if strings.TrimSpace(st.Title) == "" {
			return domain.TaskPlan{}, fmt.Errorf("subtask %d has empty title", st.ID)
		}
		if strings.TrimSpace(st.Prompt) == "" {
			return domain.TaskPlan{}, fmt.Errorf("subtask %d has empty prompt", st.ID)
		}
		plan.Subtasks = append(plan.Subtasks, domain.Subtask{
			ID:            st.ID,
			Title:         strings.TrimSpace(st.Title),
			Prompt:        strings.TrimSpace(st.Prompt),
			StartCriteria: st.StartCriteria,
			IsFinal:       st.IsFinal,
			NoBrowse:      st.NoBrowse,
			SuggestedURLs: st.SuggestedURLs,
			SearchQueries: st.SearchQueries,
		})
		plan.Dependencies[st.ID] = append([]int(nil), st.StartCriteria...)
	}

	if _, err := taskgraph.New(plan); err != nil {
		return domain.TaskPlan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

func normalizeReasoningEffort(value string) string {
	effort := strings.ToLower(strings.TrimSpace(value))
	if effort == "" {
		return defaultReasoningEffort
	}
	if _, ok := allowedReasoningEfforts[effort]; !ok {
		return defaultReasoningEffort
	}
	return effort
}

func isRetryableError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func readResponsesStream(body io.Reader, maxBytes int) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var output strings.Builder
	var dataLines []string
	processEvent := func(lines []string) error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		if data == "" || data == "[DONE]" {
			return nil
		}
		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != nil {
			return fmt.Errorf("responses stream error: %s", event.Error.Message)
		}
		if event.Response != nil && event.Response.Error != nil {
			return fmt.Errorf("responses completion error: %s", event.Response.Error.Message)
		}
		switch event.Type {
		case "response.output_text.delta":
			if output.Len()+len(event.Delta) > maxBytes {
				return fmt.Errorf("responses output exceeds %d bytes", maxBytes)
			}
			output.WriteString(event.Delta)
		case "response.completed":
			if output.Len() == 0 && event.Response != nil {
				text := extractCompletedResponseText(event.Response)
				if output.Len()+len(text) > maxBytes {
					return fmt.Errorf("responses output exceeds %d bytes", maxBytes)
				}
				output.WriteString(text)
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := processEvent(dataLines); err != nil {
				return "", err
			}
			dataLines = dataLines[:0]
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := processEvent(dataLines); err != nil {
		return "", err
	}
	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", fmt.Errorf("empty output stream")
	}
	return text, nil
}

func extractCompletedResponseText(resp *responsesEventResponse) string {
	if resp == nil {
		return ""
	}
	var out strings.Builder
	for _, item := range resp.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				out.WriteString(part.Text)
			}
		}
	}
	return out.String()
}

type responsesRequest struct {
	Model           string                  `json:"model"`
	Instructions    string                  `json:"instructions"`
	Stream          bool                    `json:"stream"`
	Reasoning       *responsesReasoning     `json:"reasoning,omitempty"`
	Input           []responsesInputMessage `json:"input"`
	MaxOutputTokens int                     `json:"max_output_tokens,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort"`
}

type responsesInputMessage struct {
	Role    string                  `json:"role"`
	Content []responsesInputContent `json:"content"`
}

type responsesInputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesStreamEvent struct {
	Type     string                  `json:"type"`
	Delta    string                  `json:"delta,omitempty"`
	Response *responsesEventResponse `json:"response,omitempty"`
	Error    *responsesAPIError      `json:"error,omitempty"`
}

type responsesEventResponse struct {
	Error  *responsesAPIError    `json:"error,omitempty"`
	Output []responsesOutputItem `json:"output,omitempty"`
}

type responsesOutputItem struct {
	Type    string                   `json:"type"`
	Content []responsesOutputContent `json:"content,omitempty"`
}

type responsesOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("responses api status=%d", e.statusCode)
	}
	return fmt.Sprintf("responses api status=%d body=%s", e.statusCode, e.body)
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

const plannerInstructions = `You decompose a user task into parallelizable subtasks for a pool of research agents.
Return only valid JSON. Do not wrap output in markdown fences.
Required top-level JSON shape:
{
  "subtasks": [
    {
      "id": 1,
      "title": "short title",
      "prompt": "full instructions for the agent",
      "start_criteria": [],
      "is_final": false,
      "no_browse": false,
      "suggested_urls": [],
      "search_queries": []
    }
  ]
}
Rules:
- ids are positive integers, unique within the plan.
- start_criteria lists the ids of subtasks whose results this subtask needs; use [] for subtasks that can start immediately.
- exactly one subtask has is_final=true; it synthesizes the final answer and every other subtask must feed into it directly or transitively.
- the dependency graph must be acyclic.`
