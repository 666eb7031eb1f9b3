package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LlamaServer is an Engine backed by a llama.cpp server process on this machine.
type LlamaServer struct {
	baseURL      string
	probeTimeout time.Duration
	http         *http.Client
}

type llamaCompletionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type llamaCompletionResponse struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func NewLlamaServer(baseURL string, probeTimeout time.Duration, client *http.Client) *LlamaServer {
	if client == nil {
		client = &http.Client{}
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &LlamaServer{
		baseURL:      strings.TrimRight(baseURL, "/"),
		probeTimeout: probeTimeout,
		http:         client,
	}
}

func (l *LlamaServer) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	body, err := json.Marshal(llamaCompletionRequest{
		Prompt:      prompt,
		NPredict:    opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        0.9,
		Stop:        opts.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := l.do(req)
	if err != nil {
		return "", err
	}
	var out llamaCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	return strings.TrimSpace(out.Content), nil
}

// Ping checks the server's /health endpoint. A server still loading its model
// answers 503 and is treated as unavailable.
func (l *LlamaServer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()
	return retryProbe(ctx, l.probeTimeout, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		_, err = l.do(req)
		return err
	})
}

func (l *LlamaServer) do(req *http.Request) ([]byte, error) {
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}
