package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
)

const maxBodyBytes = 1 << 20

// AskRequest is the JSON body of POST /v1/ask and /v1/plan.
type AskRequest struct {
	TaskType     string   `json:"task_type"`
	Quality      string   `json:"quality,omitempty"`
	Prompt       string   `json:"prompt"`
	MaxTokens    int64    `json:"max_tokens,omitempty"`
	MaxUSDMicros int64    `json:"max_usd_micros,omitempty"`
	LatencySLOMS int64    `json:"latency_slo_ms,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	DataScope    []string `json:"data_scope,omitempty"`
	TTL          int      `json:"ttl,omitempty"`
}

func (a AskRequest) toRequest(p ports.Principal, id string) ports.Request {
	qos := p.QoS
	if !protocol.ValidQoS(qos) {
		qos = protocol.QoSBronze
	}
	ttl := a.TTL
	if ttl <= 0 {
		ttl = 8
	}
	return ports.Request{
		RequestID:     id,
		CorrelationID: id,
		TenantID:      p.TenantID,
		TaskType:      a.TaskType,
		Languages:     a.Languages,
		DataScope:     a.DataScope,
		QoS:           qos,
		Quality:       a.Quality,
		Prompt:        a.Prompt,
		MaxTokens:     a.MaxTokens,
		MaxUSDMicros:  a.MaxUSDMicros,
		LatencySLO:    time.Duration(a.LatencySLOMS) * time.Millisecond,
		TTL:           ttl,
	}
}

// authenticate resolves the caller from the identity header, reusing the same
// auth port the ATP handshake uses.
func (s *Server) authenticate(r *http.Request) (ports.Principal, error) {
	identity := r.Header.Get("X-ATP-Identity")
	if identity == "" {
		return ports.Principal{}, atperr.New(atperr.CodeAuth, "missing X-ATP-Identity header")
	}
	p, err := s.auth.Authenticate(r.Context(), []byte(identity))
	if err != nil {
		return ports.Principal{}, atperr.Wrap(err, atperr.CodeAuth, "authenticate")
	}
	return p, nil
}

func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (AskRequest, error) {
	var body AskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return AskRequest{}, atperr.Wrap(err, atperr.CodeParse, "request body")
	}
	if body.Prompt == "" {
		return AskRequest{}, atperr.New(atperr.CodeParse, "prompt is required")
	}
	return body, nil
}

// prepare runs the shared admission path of /v1/ask and /v1/plan: auth,
// policy, tenant resolution.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request) (ports.Request, ports.PolicyDecision, error) {
	if !s.probes.Ready() {
		return ports.Request{}, ports.PolicyDecision{}, atperr.ErrBusy.WithRetryAfter(5 * time.Second)
	}
	principal, err := s.authenticate(r)
	if err != nil {
		return ports.Request{}, ports.PolicyDecision{}, err
	}
	body, err := s.decodeAsk(w, r)
	if err != nil {
		return ports.Request{}, ports.PolicyDecision{}, err
	}
	req := body.toRequest(principal, s.ids.NewID())
	dec, err := s.policy.Evaluate(r.Context(), req, principal)
	if err != nil {
		return ports.Request{}, ports.PolicyDecision{}, err
	}
	if !dec.Allowed {
		return ports.Request{}, ports.PolicyDecision{}, atperr.New(atperr.CodeAuthz, "denied by policy")
	}
	return req, dec, nil
}

// handleAsk admits, schedules and dispatches one request, streaming fragments
// back as server-sent events.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, dec, err := s.prepare(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	tenant := s.cfg.TenantByID(req.TenantID)

	s.inflight.Add(1)
	defer s.inflight.Done()

	grant, err := s.sched.Acquire(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer grant.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, atperr.New(atperr.CodeInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", req.RequestID)
	w.WriteHeader(http.StatusOK)

	onFragment := func(f ports.Fragment) {
		if f.Err != nil || f.Text == "" {
			return
		}
		writeEvent(w, "fragment", map[string]any{"text": f.Text})
		flusher.Flush()
	}

	res, err := s.dispatcher.Dispatch(grant.Ctx, req, tenant, dec.StrategyOverride, onFragment)
	if err != nil {
		e := atperr.FromError(err)
		writeEvent(w, "error", protocol.ErrorPayload{
			Code:          string(e.Code),
			Retryable:     e.Retryable,
			Message:       e.Message,
			CorrelationID: req.RequestID,
			RetryAfterMS:  e.RetryAfter.Milliseconds(),
		})
		flusher.Flush()
		return
	}
	writeEvent(w, "done", map[string]any{
		"request_id":  req.RequestID,
		"adapter_id":  res.AdapterID,
		"model_id":    res.ModelID,
		"strategy":    res.Strategy,
		"tokens_in":   res.TokensIn,
		"tokens_out":  res.TokensOut,
		"cost_micros": res.CostMicros,
		"latency_ms":  res.LatencyMS,
		"failovers":   res.Failovers,
		"wait_ms":     grant.WaitTime.Milliseconds(),
	})
	flusher.Flush()
}

// handlePlan routes without executing, for decision preview.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, dec, err := s.prepare(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := s.dispatcher.Plan(r.Context(), req, s.cfg.TenantByID(req.TenantID), dec.StrategyOverride)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":           req.RequestID,
		"adapter_id":           plan.AdapterID,
		"model_id":             plan.ModelID,
		"strategy":             plan.Strategy,
		"estimated_cost":       plan.EstimatedCost,
		"estimated_latency_ms": plan.EstimatedLatencyMS,
		"alternates":           plan.Alternates,
		"shadow_adapter_id":    plan.ShadowAdapterID,
	})
}

// handleObserve ingests externally produced observations, e.g. delayed
// quality scores from offline evaluation.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	var obs ports.Observation
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeError(w, atperr.Wrap(err, atperr.CodeParse, "observation body"))
		return
	}
	if obs.RequestID == "" || obs.AdapterID == "" {
		writeError(w, atperr.New(atperr.CodeParse, "request_id and adapter_id are required"))
		return
	}
	if obs.SchemaVersion == 0 {
		obs.SchemaVersion = ports.ObservationSchemaVersion
	}
	if obs.QualityScore != 0 {
		obs.HasQualityScore = true
	}
	s.buffer.Emit(obs)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func writeEvent(w http.ResponseWriter, event string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		logging.Debug("event encode failed", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
}

func writeError(w http.ResponseWriter, err error) {
	e := atperr.FromError(err)
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(e.RetryAfter.Seconds()+1), 10))
	}
	writeJSON(w, httpStatus(e.Code), protocol.ErrorPayload{
		Code:          string(e.Code),
		Retryable:     e.Retryable,
		Message:       e.Message,
		CorrelationID: e.CorrelationID,
		RetryAfterMS:  e.RetryAfter.Milliseconds(),
	})
}

func httpStatus(code atperr.Code) int {
	switch code {
	case atperr.CodeParse, atperr.CodeEncode, atperr.CodeFrameTooBig, atperr.CodeVersion:
		return http.StatusBadRequest
	case atperr.CodeAuth:
		return http.StatusUnauthorized
	case atperr.CodeAuthz, atperr.CodeScope:
		return http.StatusForbidden
	case atperr.CodeWindow:
		return http.StatusTooManyRequests
	case atperr.CodeBusy, atperr.CodePreempt:
		return http.StatusServiceUnavailable
	case atperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case atperr.CodeAdapter, atperr.CodeCircuit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
