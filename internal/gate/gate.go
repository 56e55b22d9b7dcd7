// Package gate submits borderline pages to an OpenRouter model for a
// yes/no relevance verdict, under a hard per-run call budget.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mywebintel/internal/logging"
)

// ErrBudgetExhausted is returned once the per-run call budget is
// spent. Callers keep the lexical score and stop consulting the gate.
var ErrBudgetExhausted = errors.New("gate call budget exhausted")

const deniedVerdict = "non"

// Config holds the OpenRouter connection settings for the gate.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	MaxChars int
	MaxCalls int
}

// DefaultConfig returns sensible defaults around a caller-supplied key.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:   apiKey,
		BaseURL:  "https://openrouter.ai/api/v1",
		Model:    "mistralai/mistral-nemo",
		Timeout:  15 * time.Second,
		MaxChars: 6000,
		MaxCalls: 500,
	}
}

// LandContext describes the land a page is judged against. Terms are
// the land's distinct dictionary lemmas.
type LandContext struct {
	Name        string
	Description string
	Lang        string
	Terms       []string
}

// PageContext carries the expression fields shown to the model.
type PageContext struct {
	URL         string
	Title       string
	Description string
	Readable    string
}

// Gate is a budgeted OpenRouter client producing oui/non verdicts.
type Gate struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxChars   int
	maxCalls   int

	mu          sync.Mutex
	lastRequest time.Time
	calls       atomic.Int64
}

// New creates a Gate from config.
func New(cfg Config) *Gate {
	return &Gate{
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		maxChars: cfg.MaxChars,
		maxCalls: cfg.MaxCalls,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// CloseIdleConnections releases the client's kept-alive connections.
func (g *Gate) CloseIdleConnections() {
	g.httpClient.CloseIdleConnections()
}

// CallsUsed returns how many verdicts this run has requested.
func (g *Gate) CallsUsed() int64 {
	return g.calls.Load()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Review asks the model whether a page belongs in the land. It returns
// false only on an explicit "non"; any other answer keeps the page.
// The call counts against the budget even when it fails.
func (g *Gate) Review(ctx context.Context, land LandContext, page PageContext) (bool, error) {
	if g.apiKey == "" {
		return false, fmt.Errorf("API key not configured")
	}
	if g.maxCalls > 0 && g.calls.Add(1) > int64(g.maxCalls) {
		return false, ErrBudgetExhausted
	}

	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.GateDebug("[Review] land=%s title_len=%d readable_len=%d", land.Name, len(page.Title), len(page.Readable))

	page.Readable = truncateRunes(page.Readable, g.maxChars)
	answer, err := g.complete(ctx, systemPrompt, userPrompt(land, page))
	if err != nil {
		return false, err
	}

	verdict := normalizeVerdict(answer)
	relevant := verdict != deniedVerdict
	logging.Gate("[Review] land=%s verdict=%s relevant=%v in %v", land.Name, verdict, relevant, time.Since(startTime))
	return relevant, nil
}

const systemPrompt = "Tu évalues la pertinence de pages web pour un corpus de recherche. " +
	"Réponds uniquement par oui ou par non, sans autre texte."

func userPrompt(land LandContext, page PageContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Projet : %s\n", land.Name)
	if land.Description != "" {
		fmt.Fprintf(&b, "Description : %s\n", land.Description)
	}
	if land.Lang != "" {
		fmt.Fprintf(&b, "Langue : %s\n", land.Lang)
	}
	if len(land.Terms) > 0 {
		fmt.Fprintf(&b, "Termes du dictionnaire : %s\n", strings.Join(land.Terms, ", "))
	}
	b.WriteString("\nCette page est-elle pertinente pour le projet ?\n\n")
	if page.URL != "" {
		fmt.Fprintf(&b, "URL : %s\n", page.URL)
	}
	fmt.Fprintf(&b, "Titre : %s\n", page.Title)
	if page.Description != "" {
		fmt.Fprintf(&b, "Description : %s\n", page.Description)
	}
	fmt.Fprintf(&b, "Extrait :\n%s\n", page.Readable)
	return b.String()
}

func (g *Gate) complete(ctx context.Context, system, user string) (string, error) {
	// Rate limiting
	g.mu.Lock()
	elapsed := time.Since(g.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	g.lastRequest = time.Now()
	g.mu.Unlock()

	reqBody := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   16,
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	// Retry loop for rate limits and transient failures
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}
		if ctx.Err() != nil {
			break
		}

		req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.apiKey)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var chat chatResponse
		if err := json.Unmarshal(body, &chat); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if chat.Error != nil {
			return "", fmt.Errorf("API error: %s", chat.Error.Message)
		}
		if len(chat.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}
		return strings.TrimSpace(chat.Choices[0].Message.Content), nil
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// normalizeVerdict reduces a model answer to its first word, lowered
// and stripped of punctuation, so "Non." and "non" compare equal.
func normalizeVerdict(answer string) string {
	fields := strings.Fields(answer)
	if len(fields) == 0 {
		return ""
	}
	word := strings.ToLower(fields[0])
	return strings.TrimFunc(word, func(r rune) bool {
		return !('a' <= r && r <= 'z') && r != 'é' && r != 'è'
	})
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
