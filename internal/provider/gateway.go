// Package provider adapts the upstream model gateway's HTTP API to the
// billing operation types.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/billing"
)

type Gateway struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Gateway{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type generateRequest struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input"`
	Stream   bool            `json:"stream,omitempty"`
}

type generateResponse struct {
	Output json.RawMessage `json:"output"`
	Usage  *billing.Usage  `json:"usage,omitempty"`
}

type streamChunk struct {
	Delta json.RawMessage `json:"delta,omitempty"`
	Usage *billing.Usage  `json:"usage,omitempty"`
	Done  bool            `json:"done,omitempty"`
}

// Invoke performs a unary generation call. It satisfies billing.Operation.
func (g *Gateway) Invoke(ctx context.Context, req *billing.Request) (*billing.Result, error) {
	body, err := json.Marshal(generateRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Input:    req.Input,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("model gateway: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("model gateway: decode response: %w", err)
	}
	return &billing.Result{Output: gr.Output, Usage: gr.Usage}, nil
}

// Stream performs a streaming generation call, emitting newline-delimited
// JSON chunks from the gateway. It satisfies billing.StreamOperation.
func (g *Gateway) Stream(ctx context.Context, req *billing.Request) (<-chan billing.Chunk, error) {
	body, err := json.Marshal(generateRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Input:    req.Input,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model gateway: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("model gateway: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	out := make(chan billing.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var sc streamChunk
			if err := json.Unmarshal(line, &sc); err != nil {
				g.logger.Warn("bad stream chunk from gateway", zap.Error(err))
				continue
			}
			out <- billing.Chunk{Data: sc.Delta, Usage: sc.Usage, Final: sc.Done}
			if sc.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- billing.Chunk{Err: fmt.Errorf("model gateway stream: %w", err)}
		}
	}()
	return out, nil
}
