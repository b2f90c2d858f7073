package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/common"

	"gopkg.in/yaml.v3"
)

const maxResponseBytes = 8 << 20

// HTTPAdapterParams configures a JSON-over-HTTP adapter.
type HTTPAdapterParams struct {
	Handler string            `yaml:"handler"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Limits  Limits            `yaml:"limits"`
}

// HTTPAdapter posts the request as JSON and expects CodedFacts back.
//
// 401, 402 and 403 responses, or a body with "wall": true, are walls. 429 and
// 5xx responses are transient failures.
type HTTPAdapter struct {
	params HTTPAdapterParams
	client *http.Client
}

type wallBody struct {
	Wall bool   `json:"wall"`
	Kind string `json:"kind"`
}

func NewHTTPAdapter(params HTTPAdapterParams, client *http.Client) *HTTPAdapter {
	if params.Method == "" {
		params.Method = http.MethodPost
	}
	if params.Timeout <= 0 {
		params.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAdapter{params: params, client: client}
}

func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (common.CodedFacts, error) {
	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return common.CodedFacts{}, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, a.params.Method, a.params.URL, bytes.NewReader(body))
	if err != nil {
		return common.CodedFacts{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range a.params.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return common.CodedFacts{}, fmt.Errorf("request to %s failed: %w", a.params.Handler, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return common.CodedFacts{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return common.CodedFacts{}, &common.WallDetected{Handler: req.Handler, Kind: "login"}
	case resp.StatusCode == http.StatusPaymentRequired:
		return common.CodedFacts{}, &common.WallDetected{Handler: req.Handler, Kind: "paywall"}
	case resp.StatusCode == http.StatusForbidden:
		return common.CodedFacts{}, &common.WallDetected{Handler: req.Handler, Kind: "forbidden"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return common.CodedFacts{}, fmt.Errorf("status %d from %s", resp.StatusCode, a.params.Handler)
	case resp.StatusCode >= 400:
		return common.CodedFacts{}, fmt.Errorf("status %d from %s: %s", resp.StatusCode, a.params.Handler, bytes.TrimSpace(raw))
	}

	var wall wallBody
	if err := json.Unmarshal(raw, &wall); err == nil && wall.Wall {
		return common.CodedFacts{}, &common.WallDetected{Handler: req.Handler, Kind: wall.Kind}
	}

	var facts common.CodedFacts
	if err := unmarshalFlexible(string(raw), &facts); err != nil {
		return common.CodedFacts{}, fmt.Errorf("invalid response from %s: %w", a.params.Handler, err)
	}
	if facts.Handler == "" {
		facts.Handler = req.Handler
	}
	return facts, nil
}

type adaptersFile struct {
	Adapters []HTTPAdapterParams `yaml:"adapters"`
}

// LoadHTTPAdapters reads an adapters file and registers one HTTPAdapter per
// entry. Environment variables in urls and headers are expanded.
func LoadHTTPAdapters(path string, r *Registry, client *http.Client) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read adapters file: %w", err)
	}
	var file adaptersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("failed to decode adapters file: %w", err)
	}

	for i, p := range file.Adapters {
		if p.Handler == "" || p.URL == "" {
			return 0, fmt.Errorf("adapter %d: handler and url are required", i)
		}
		p.URL = os.ExpandEnv(p.URL)
		for k, v := range p.Headers {
			p.Headers[k] = os.ExpandEnv(v)
		}
		r.Register(p.Handler, NewHTTPAdapter(p, client), p.Limits)
	}
	return len(file.Adapters), nil
}
