package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atlasframe/atpd/internal/breaker"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/dispatch"
	"github.com/atlasframe/atpd/internal/flow"
	"github.com/atlasframe/atpd/internal/lifecycle"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/observe"
	"github.com/atlasframe/atpd/internal/policy"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
	"github.com/atlasframe/atpd/internal/registry"
	"github.com/atlasframe/atpd/internal/routing"
	"github.com/atlasframe/atpd/internal/scheduler"
	"github.com/atlasframe/atpd/internal/tracing"
)

type fakeAdapter struct {
	id    string
	frags []ports.Fragment
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Estimate(context.Context, ports.Request) (ports.Estimate, error) {
	return ports.Estimate{TokensIn: 5, TokensOut: 10, USDMicros: 500}, nil
}

func (f *fakeAdapter) Stream(context.Context, ports.Request) (<-chan ports.Fragment, error) {
	ch := make(chan ports.Fragment, len(f.frags))
	for _, frag := range f.frags {
		ch <- frag
	}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) Health(context.Context) (ports.HealthReport, error) {
	return ports.HealthReport{}, nil
}

type harness struct {
	srv *Server
	ts  *httptest.Server
	buf *observe.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Routing.ShadowProbability = 0
	cfg.Routing.ExploreProbability = 0
	cfg.Tenants = []config.TenantConfig{{ID: "acme", QoS: "gold"}}

	clock := ports.SystemClock{}
	m := metrics.New()
	reg := registry.New(registry.Config{}, clock)
	breakers := breaker.NewTable(cfg.Breaker, clock)
	reg.SetBreakerGate(breakers)
	fc := flow.New(cfg.Flow, clock, m, nil, nil)
	engine := routing.New(cfg.Routing, m, 7)
	sched := scheduler.New(cfg.Scheduler, clock, m)
	pol, err := policy.New(cfg.Tenants)
	if err != nil {
		t.Fatal(err)
	}
	buf := observe.New(cfg.Observation, m, engine, ports.NopObservationSink{}, clock)
	tracer, err := tracing.New(config.TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(dispatch.Deps{
		Registry: reg,
		Breakers: breakers,
		Flow:     fc,
		Engine:   engine,
		Tracer:   tracer,
		Metrics:  m,
		Clock:    clock,
		Sink:     buf,
	})

	fake := &fakeAdapter{id: "fake-a", frags: []ports.Fragment{
		{Text: "hello "},
		{Text: "world", TokensIn: 5, TokensOut: 10, CostDeltaMicros: 480, Done: true},
	}}
	err = reg.Register(registry.Capabilities{
		ID:           "fake-a",
		Capabilities: []string{"chat"},
		Models:       []string{"m1"},
		MaxTokens:    8192,
	}, fake)
	if err != nil {
		t.Fatal(err)
	}

	probes := &lifecycle.Probes{}
	probes.SetStarted()
	probes.SetReady()

	srv := New(Deps{
		Cfg:        cfg,
		Metrics:    m,
		Probes:     probes,
		Registry:   reg,
		Breakers:   breakers,
		Flow:       fc,
		Engine:     engine,
		Policy:     pol,
		Dispatcher: d,
		Scheduler:  sched,
		Buffer:     buf,
		Auth:       ports.AllowAllAuth{TenantID: "acme", QoS: "gold"},
		Secrets:    ports.StaticSecrets{Root: []byte("test-root")},
		Clock:      clock,
		IDs:        ports.UUIDGenerator{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})

	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts, buf: buf}
}

func (h *harness) post(t *testing.T, path, identity, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if identity != "" {
		req.Header.Set("X-ATP-Identity", identity)
	}
	resp, err := h.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProbeEndpoints(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/livez", "/readyz", "/startupz"} {
		resp, err := h.ts.Client().Get(h.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, resp.StatusCode)
		}
	}

	h.srv.probes.BeginDrain()
	resp, err := h.ts.Client().Get(h.ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz while draining = %d, want 503", resp.StatusCode)
	}
}

func TestAskStreamsSSE(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/v1/ask", "alice", `{"task_type":"chat","prompt":"hi","max_tokens":100}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	body := sb.String()
	if !strings.Contains(body, "event: fragment") {
		t.Errorf("no fragment events in %q", body)
	}
	if !strings.Contains(body, "event: done") || !strings.Contains(body, `"adapter_id":"fake-a"`) {
		t.Errorf("missing done event in %q", body)
	}
	if h.buf.Len() != 1 {
		t.Errorf("buffered observations = %d, want 1", h.buf.Len())
	}
}

func TestAskRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/v1/ask", "", `{"task_type":"chat","prompt":"hi"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAskRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/v1/ask", "alice", `{"task_type":"chat"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var ep protocol.ErrorPayload
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != "EPARSE" {
		t.Errorf("code = %q, want EPARSE", ep.Code)
	}
}

func TestPlanPreviewsDecision(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/v1/plan", "alice", `{"task_type":"chat","prompt":"hi","max_tokens":100}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["adapter_id"] != "fake-a" {
		t.Errorf("adapter = %v", out["adapter_id"])
	}
	if h.buf.Len() != 0 {
		t.Errorf("plan emitted %d observations, want none", h.buf.Len())
	}
}

func TestObserveIngestsExternalScore(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/v1/observe", "scorer",
		`{"request_id":"r9","adapter_id":"fake-a","quality_score":0.9,"success":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if h.buf.Len() != 1 {
		t.Errorf("buffered observations = %d, want 1", h.buf.Len())
	}
}

func TestAdaptersEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := h.ts.Client().Get(h.ts.URL + "/v1/adapters")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out []adapterView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "fake-a" {
		t.Fatalf("adapters = %+v", out)
	}
	if out[0].Ready {
		t.Error("adapter without health reports ready")
	}
	if out[0].Staleness != 0 {
		t.Errorf("staleness without health = %v, want 0", out[0].Staleness)
	}
}

func TestSchedulerEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := h.ts.Client().Get(h.ts.URL + "/v1/scheduler")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["fairness"]; !ok {
		t.Errorf("missing fairness in %v", out)
	}
}

func dialATP(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/atp"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, codec protocol.Codec) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := codec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestATPHandshake(t *testing.T) {
	h := newHarness(t)
	conn := dialATP(t, h)
	codec, err := protocol.ForEncoding(protocol.EncodingJSON, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	hs := &protocol.Frame{
		V:    protocol.MajorVersion,
		Type: protocol.TypeHandshake,
		QoS:  protocol.QoSBronze,
		Payload: protocol.MustPayload(protocol.PayloadHandshake, protocol.HandshakePayload{
			Encodings:        []string{protocol.EncodingJSON},
			IdentityMaterial: "alice",
		}),
	}
	if err := protocol.Seal(hs); err != nil {
		t.Fatal(err)
	}
	data, err := codec.Encode(hs)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	ack := readFrame(t, conn, codec)
	if ack.Type != protocol.TypeHandshakeAck {
		t.Fatalf("first frame = %s, want HANDSHAKE_ACK", ack.Type)
	}
	var p protocol.HandshakePayload
	if err := ack.Payload.DecodeBody(&p); err != nil {
		t.Fatal(err)
	}
	if p.Encoding != protocol.EncodingJSON || p.TenantID != "acme" {
		t.Errorf("ack payload = %+v", p)
	}
	if p.ResumptionToken == "" {
		t.Error("no resumption token issued")
	}

	// The flow controller advertises the initial window right after the ACK.
	wu := readFrame(t, conn, codec)
	if wu.Type != protocol.TypeWindowUpdate {
		t.Fatalf("second frame = %s, want WINDOW_UPDATE", wu.Type)
	}
	var wp protocol.WindowUpdatePayload
	if err := wu.Payload.DecodeBody(&wp); err != nil {
		t.Fatal(err)
	}
	if wp.Window.MaxParallel != 4 {
		t.Errorf("initial window = %+v", wp.Window)
	}

	if h.srv.Sessions().Count() != 1 {
		t.Errorf("session count = %d, want 1", h.srv.Sessions().Count())
	}
}

func TestATPInboundECNShrinksSessionWindow(t *testing.T) {
	h := newHarness(t)
	conn := dialATP(t, h)
	codec, err := protocol.ForEncoding(protocol.EncodingJSON, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	hs := &protocol.Frame{
		V:    protocol.MajorVersion,
		Type: protocol.TypeHandshake,
		QoS:  protocol.QoSGold,
		Payload: protocol.MustPayload(protocol.PayloadHandshake, protocol.HandshakePayload{
			Encodings:        []string{protocol.EncodingJSON},
			IdentityMaterial: "alice",
		}),
	}
	if err := protocol.Seal(hs); err != nil {
		t.Fatal(err)
	}
	data, err := codec.Encode(hs)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	ack := readFrame(t, conn, codec)
	if ack.Type != protocol.TypeHandshakeAck {
		t.Fatalf("first frame = %s", ack.Type)
	}
	sid := ack.SessionID
	readFrame(t, conn, codec) // initial WINDOW_UPDATE

	// Five ECN-marked fragments of one incomplete message.
	for i := uint32(0); i < 5; i++ {
		f := &protocol.Frame{
			V:         protocol.MajorVersion,
			Type:      protocol.TypeData,
			SessionID: sid,
			StreamID:  "lane-ecn",
			MsgSeq:    0,
			FragSeq:   i,
			QoS:       protocol.QoSGold,
			Nonce:     "ecn-" + string(rune('a'+i)),
			Payload:   protocol.MustPayload(protocol.PayloadText, protocol.TextPayload{Text: "x"}),
		}
		f.AddFlag(protocol.FlagMore)
		f.AddFlag(protocol.FlagECN)
		if err := protocol.Seal(f); err != nil {
			t.Fatal(err)
		}
		data, err := codec.Encode(f)
		if err != nil {
			t.Fatal(err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}

	// A complete request behind the marks; its reply proves the read loop has
	// consumed everything before it.
	req := &protocol.Frame{
		V:         protocol.MajorVersion,
		Type:      protocol.TypeData,
		SessionID: sid,
		StreamID:  "lane-req",
		MsgSeq:    0,
		FragSeq:   0,
		QoS:       protocol.QoSGold,
		Nonce:     "sentinel",
		Payload: protocol.MustPayload(protocol.PayloadText, protocol.TextPayload{
			Text: `{"task_type":"chat","prompt":"hi","max_tokens":100}`,
		}),
	}
	if err := protocol.Seal(req); err != nil {
		t.Fatal(err)
	}
	data, err = codec.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	for {
		f := readFrame(t, conn, codec)
		if f.Type == protocol.TypeData {
			break
		}
	}

	// One adjustment interval applies the marks as a single halving.
	h.srv.flow.Adjust()
	w, ok := h.srv.flow.Window(sid)
	if !ok {
		t.Fatal("no flow state for session")
	}
	if w.MaxParallel != 2 || w.MaxTokens != 4096 {
		t.Errorf("window after marked fragments = %+v, want halved (2, 4096)", w)
	}
}

func TestATPRejectsNonHandshakeFirst(t *testing.T) {
	h := newHarness(t)
	conn := dialATP(t, h)
	codec, err := protocol.ForEncoding(protocol.EncodingJSON, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	f := &protocol.Frame{
		V:         protocol.MajorVersion,
		Type:      protocol.TypeHeartbeat,
		SessionID: "nope",
		QoS:       protocol.QoSBronze,
		Payload:   protocol.MustPayload(protocol.PayloadHeartbeat, struct{}{}),
	}
	if err := protocol.Seal(f); err != nil {
		t.Fatal(err)
	}
	data, err := codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	reply := readFrame(t, conn, codec)
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply = %s, want ERROR", reply.Type)
	}
	var ep protocol.ErrorPayload
	if err := reply.Payload.DecodeBody(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != "EHANDSHAKE" {
		t.Errorf("code = %q, want EHANDSHAKE", ep.Code)
	}
}
