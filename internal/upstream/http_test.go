package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/ports"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTP(config.AdapterConfig{
		ID:                    "prov-a",
		Models:                []string{"model-x"},
		MaxTokens:             8192,
		CostInPerTokenMicros:  2,
		CostOutPerTokenMicros: 6,
		CostPerRequestMicros:  100,
		Endpoint:              srv.URL,
	}, srv.Client())
}

func collect(t *testing.T, ch <-chan ports.Fragment) []ports.Fragment {
	t.Helper()
	var out []ports.Fragment
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func TestEstimateUsesConfiguredRates(t *testing.T) {
	a := testAdapter(t, func(http.ResponseWriter, *http.Request) {})
	est, err := a.Estimate(context.Background(), ports.Request{
		Prompt:    "twelve chars",
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if est.TokensIn != 3 {
		t.Errorf("tokens in = %d, want 3", est.TokensIn)
	}
	// 100 + 3*2 + 100*6
	if est.USDMicros != 706 {
		t.Errorf("estimate = %d micros, want 706", est.USDMicros)
	}
}

func TestEstimateClampsToModelLimit(t *testing.T) {
	a := testAdapter(t, func(http.ResponseWriter, *http.Request) {})
	est, err := a.Estimate(context.Background(), ports.Request{MaxTokens: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if est.TokensOut != 8192 {
		t.Errorf("tokens out = %d, want clamp to 8192", est.TokensOut)
	}
}

func TestStreamNDJSON(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Prompt != "hello" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		fmt.Fprintln(w, `{"text":"hel"}`)
		fmt.Fprintln(w, `{"text":"lo","tokens_in":2,"tokens_out":3,"cost_micros":120,"done":true}`)
	})

	ch, err := a.Stream(context.Background(), ports.Request{RequestID: "r1", Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	frags := collect(t, ch)
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2", len(frags))
	}
	if frags[0].Text != "hel" || frags[1].Text != "lo" {
		t.Errorf("texts = %q, %q", frags[0].Text, frags[1].Text)
	}
	last := frags[1]
	if !last.Done || last.TokensOut != 3 || last.CostDeltaMicros != 120 {
		t.Errorf("terminal fragment = %+v", last)
	}
}

func TestStreamPlainJSONGetsSyntheticDone(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"text":"whole reply","tokens_out":5,"cost_micros":40}`)
	})
	ch, err := a.Stream(context.Background(), ports.Request{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	frags := collect(t, ch)
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want chunk plus synthetic done", len(frags))
	}
	if frags[0].Text != "whole reply" || frags[0].Done {
		t.Errorf("first fragment = %+v", frags[0])
	}
	if !frags[1].Done || frags[1].Err != nil {
		t.Errorf("terminal fragment = %+v", frags[1])
	}
}

func TestStreamRateLimitMapsToBusy(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := a.Stream(context.Background(), ports.Request{Prompt: "p"})
	if atperr.CodeOf(err) != atperr.CodeBusy {
		t.Errorf("err = %v, want EBUSY", err)
	}
	if ra := atperr.FromError(err).RetryAfter.Seconds(); ra != 2 {
		t.Errorf("retry after = %vs, want 2s", ra)
	}
}

func TestStreamServerErrorMapsToAdapter(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := a.Stream(context.Background(), ports.Request{Prompt: "p"})
	if atperr.CodeOf(err) != atperr.CodeAdapter {
		t.Errorf("err = %v, want EADAPTER", err)
	}
}

func TestStreamEmptyBodyIsError(t *testing.T) {
	a := testAdapter(t, func(http.ResponseWriter, *http.Request) {})
	ch, err := a.Stream(context.Background(), ports.Request{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	frags := collect(t, ch)
	if len(frags) != 1 || frags[0].Err == nil {
		t.Fatalf("fragments = %+v, want single error", frags)
	}
}

func TestHealthProbe(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"P95LatencyMS":250,"ErrorRate":0.02}`)
	})
	report, err := a.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.P95LatencyMS != 250 || report.ErrorRate != 0.02 {
		t.Errorf("report = %+v", report)
	}
	if report.ReportedAt.IsZero() {
		t.Error("reported_at not defaulted")
	}
}
