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

	"golang.org/x/sync/semaphore"

	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/types"
)

// DaemonConfig configures the Ollama-compatible daemon client.
type DaemonConfig struct {
	BaseURL        string // e.g. http://localhost:11434
	DefaultModel   string
	MaxConcurrency int64
	ProbeTimeout   time.Duration
	HTTPClient     *http.Client
}

// DaemonClient talks to a local-network model daemon over HTTP. Calls are
// stateless, so many may run at once up to MaxConcurrency.
type DaemonClient struct {
	baseURL      string
	model        string
	probeTimeout time.Duration
	http         *http.Client
	sem          *semaphore.Weighted
	log          *logger.Logger
}

type daemonGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type daemonGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type daemonTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewDaemonClient(cfg DaemonConfig, log *logger.Logger) *DaemonClient {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &DaemonClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.DefaultModel,
		probeTimeout: cfg.ProbeTimeout,
		http:         client,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrency),
		log:          logger.OrDiscard(log).Component("daemon-client"),
	}
}

func (d *DaemonClient) Kind() types.BackendKind { return types.BackendDaemonClient }

// Generate sends one non-streaming completion request.
func (d *DaemonClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = d.model
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for daemon slot: %w", err)
	}
	defer d.sem.Release(1)

	body, err := json.Marshal(daemonGenerateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	respBody, err := d.do(req)
	if err != nil {
		return "", err
	}
	var out daemonGenerateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("daemon error: %s", out.Error)
	}
	d.log.WithField("model", model).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("daemon generate finished")
	return out.Response, nil
}

// ListModels returns the model names the daemon has pulled.
func (d *DaemonClient) ListModels(ctx context.Context) ([]string, error) {
	var names []string
	err := retryProbe(ctx, d.probeTimeout, func() error {
		tags, err := d.tags(ctx)
		if err != nil {
			return err
		}
		names = names[:0]
		for _, m := range tags.Models {
			names = append(names, m.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing daemon models: %w", err)
	}
	return names, nil
}

// Ping reports whether the daemon answers its model listing.
func (d *DaemonClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()
	return retryProbe(ctx, d.probeTimeout, func() error {
		_, err := d.tags(ctx)
		return err
	})
}

func (d *DaemonClient) tags(ctx context.Context) (daemonTagsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return daemonTagsResponse{}, fmt.Errorf("creating request: %w", err)
	}
	body, err := d.do(req)
	if err != nil {
		return daemonTagsResponse{}, err
	}
	var tags daemonTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return daemonTagsResponse{}, fmt.Errorf("parsing tags: %w", err)
	}
	return tags, nil
}

func (d *DaemonClient) do(req *http.Request) ([]byte, error) {
	resp, err := d.http.Do(req)
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
