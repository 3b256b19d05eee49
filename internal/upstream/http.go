// Package upstream implements adapter ports for providers reached over plain
// HTTP. Config-declared adapters register here at startup; the CAPABILITY
// frame path registers session-backed adapters at runtime.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/registry"
)

const defaultEstimateTokens = 1024

// completionRequest is the JSON body POSTed to the provider endpoint.
type completionRequest struct {
	RequestID string `json:"request_id"`
	TaskType  string `json:"task_type,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
	Quality   string `json:"quality,omitempty"`
}

// completionChunk is one provider response line. Providers that do not stream
// send a single chunk with done unset or true; the final chunk carries the
// token and cost totals not already reported.
type completionChunk struct {
	Text       string `json:"text"`
	TokensIn   int64  `json:"tokens_in,omitempty"`
	TokensOut  int64  `json:"tokens_out,omitempty"`
	CostMicros int64  `json:"cost_micros,omitempty"`
	Done       bool   `json:"done,omitempty"`
}

// HTTPAdapter is a ports.Adapter backed by a provider HTTP endpoint.
type HTTPAdapter struct {
	caps     registry.Capabilities
	endpoint string
	client   *http.Client
}

// NewHTTP builds an adapter from its static configuration.
func NewHTTP(cfg config.AdapterConfig, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPAdapter{
		caps: registry.Capabilities{
			ID:                    cfg.ID,
			Type:                  cfg.Type,
			Capabilities:          cfg.Capabilities,
			Models:                cfg.Models,
			MaxTokens:             cfg.MaxTokens,
			Languages:             cfg.Languages,
			CostInPerTokenMicros:  cfg.CostInPerTokenMicros,
			CostOutPerTokenMicros: cfg.CostOutPerTokenMicros,
			CostPerRequestMicros:  cfg.CostPerRequestMicros,
			CarbonIntensity:       cfg.CarbonIntensity,
		},
		endpoint: cfg.Endpoint,
		client:   client,
	}
}

// Caps returns the advertised capability record for registration.
func (a *HTTPAdapter) Caps() registry.Capabilities { return a.caps }

func (a *HTTPAdapter) ID() string { return a.caps.ID }

// Estimate prices the request from the configured per-token rates. Input
// tokens are approximated at four characters each.
func (a *HTTPAdapter) Estimate(_ context.Context, req ports.Request) (ports.Estimate, error) {
	tokensIn := int64(len(req.Prompt)+3) / 4
	tokensOut := req.MaxTokens
	if a.caps.MaxTokens > 0 && (tokensOut <= 0 || tokensOut > a.caps.MaxTokens) {
		tokensOut = a.caps.MaxTokens
	}
	if tokensOut <= 0 {
		tokensOut = defaultEstimateTokens
	}
	cost := a.caps.CostPerRequestMicros +
		tokensIn*a.caps.CostInPerTokenMicros +
		tokensOut*a.caps.CostOutPerTokenMicros
	return ports.Estimate{TokensIn: tokensIn, TokensOut: tokensOut, USDMicros: cost}, nil
}

// Stream POSTs the request and translates the newline-delimited JSON response
// into fragments. A plain JSON object body is treated as a single chunk.
func (a *HTTPAdapter) Stream(ctx context.Context, req ports.Request) (<-chan ports.Fragment, error) {
	body, err := json.Marshal(completionRequest{
		RequestID: req.RequestID,
		TaskType:  req.TaskType,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Quality:   req.Quality,
	})
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "completion request")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeAdapter, "build request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Request-ID", req.RequestID)

	resp, err := a.client.Do(hreq)
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeAdapter, "call "+a.caps.ID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(a.caps.ID, resp)
	}

	out := make(chan ports.Fragment, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		sawChunk := false
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk completionChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				out <- ports.Fragment{Err: atperr.Wrap(err, atperr.CodeAdapter, "decode chunk")}
				return
			}
			sawChunk = true
			out <- ports.Fragment{
				Text:            chunk.Text,
				TokensIn:        chunk.TokensIn,
				TokensOut:       chunk.TokensOut,
				CostDeltaMicros: chunk.CostMicros,
				Done:            chunk.Done,
			}
			if chunk.Done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			out <- ports.Fragment{Err: atperr.Wrap(err, atperr.CodeAdapter, "read response")}
			return
		}
		if sawChunk {
			// Non-streaming providers omit the done flag on their only chunk.
			out <- ports.Fragment{Done: true}
		} else {
			out <- ports.Fragment{Err: atperr.New(atperr.CodeAdapter, "empty response from "+a.caps.ID)}
		}
	}()
	return out, nil
}

// Health probes the provider's health endpoint next to the completion path.
func (a *HTTPAdapter) Health(ctx context.Context) (ports.HealthReport, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/health", nil)
	if err != nil {
		return ports.HealthReport{}, atperr.Wrap(err, atperr.CodeAdapter, "build health request")
	}
	resp, err := a.client.Do(hreq)
	if err != nil {
		return ports.HealthReport{}, atperr.Wrap(err, atperr.CodeAdapter, "health "+a.caps.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ports.HealthReport{}, statusError(a.caps.ID, resp)
	}
	var report ports.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return ports.HealthReport{}, atperr.Wrap(err, atperr.CodeAdapter, "decode health")
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}
	return report, nil
}

func statusError(id string, resp *http.Response) *atperr.Error {
	msg := fmt.Sprintf("%s returned %d", id, resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		e := atperr.New(atperr.CodeBusy, msg)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e = e.WithRetryAfter(time.Duration(secs) * time.Second)
		}
		return e
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return atperr.New(atperr.CodeTimeout, msg)
	default:
		return atperr.New(atperr.CodeAdapter, msg)
	}
}
