package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/controller"
	"github.com/dropDatabas3/featgate/internal/coordinator"
	"github.com/dropDatabas3/featgate/internal/featcache"
	"github.com/dropDatabas3/featgate/internal/feature"
	httpserver "github.com/dropDatabas3/featgate/internal/http"
	"github.com/dropDatabas3/featgate/internal/http/handlers"
	"github.com/dropDatabas3/featgate/internal/registry"
	"github.com/dropDatabas3/featgate/internal/security/apikey"
)

type fakeLog struct {
	mu     sync.Mutex
	offset uint64
	leader bool
	reg    *registry.Registry
	state  *featcache.State
}

func (f *fakeLog) Apply(ctx context.Context, rec cluster.Record) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leader {
		return 0, feature.ErrNotLeader
	}
	f.offset++
	switch rec.Type {
	case cluster.RecordRegisterNode:
		var dto cluster.RegisterNodeDTO
		if err := json.Unmarshal(rec.Payload, &dto); err != nil {
			return 0, err
		}
		f.reg.ApplyRegistration(registry.NodeRegistration{
			NodeID: dto.NodeID, Epoch: dto.Epoch, Features: dto.Features,
		})
		f.state.Advance(f.offset)
	case cluster.RecordDeregisterNode:
		var dto cluster.DeregisterNodeDTO
		if err := json.Unmarshal(rec.Payload, &dto); err != nil {
			return 0, err
		}
		f.reg.ApplyDeregistration(dto.NodeID, dto.Epoch)
		f.state.Advance(f.offset)
	}
	return f.offset, nil
}

func (f *fakeLog) IsLeader() bool       { f.mu.Lock(); defer f.mu.Unlock(); return f.leader }
func (f *fakeLog) LeaderID() string     { return "a" }
func (f *fakeLog) NodeID() string       { return "self" }
func (f *fakeLog) KnownPeers() int      { return 2 }
func (f *fakeLog) CurrentEpoch() uint64 { return 1 }

type fakeRecomputer struct {
	out coordinator.Outcome
	err error
}

func (f *fakeRecomputer) RequestRecompute(ctx context.Context, name string) (coordinator.Outcome, error) {
	return f.out, f.err
}
func (f *fakeRecomputer) Downgrade(ctx context.Context, name string, version uint64) (coordinator.Outcome, error) {
	return f.out, f.err
}

type harness struct {
	log   *fakeLog
	rc    *fakeRecomputer
	state *featcache.State
	srv   http.Handler
}

func newHarness(t *testing.T, opts httpserver.RouterOptions, redirects map[string]string) *harness {
	t.Helper()
	reg := registry.New()
	state := featcache.NewState()
	log := &fakeLog{leader: true, reg: reg, state: state}
	rc := &fakeRecomputer{}
	ctrl := controller.New(log, reg, state, rc, controller.Options{})
	h := handlers.New(ctrl, redirects, nil)
	return &harness{log: log, rc: rc, state: state, srv: httpserver.NewRouter(h, opts)}
}

func doJSON(t *testing.T, srv http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestRegisterNode_EndToEnd(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)

	w := doJSON(t, h.srv, "POST", "/v1/nodes",
		`{"nodeId":1,"features":{"tx":{"min":1,"max":3}}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var res controller.RegisterResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Epoch != 1 || res.Offset == 0 {
		t.Fatalf("result = %+v", res)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatal("missing X-Request-ID header")
	}

	w = doJSON(t, h.srv, "GET", "/v1/nodes", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"nodeId":1`) {
		t.Fatalf("list: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestRegisterNode_BadRangeIs400(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)
	w := doJSON(t, h.srv, "POST", "/v1/nodes",
		`{"nodeId":1,"features":{"tx":{"min":5,"max":1}}}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestNotLeader_RedirectsWhenKnown(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, map[string]string{
		"a": "http://leader.example:8080",
	})
	h.rc.err = feature.ErrNotLeader

	w := doJSON(t, h.srv, "POST", "/v1/features/tx/recompute", "", nil)
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://leader.example:8080/v1/features/tx/recompute" {
		t.Fatalf("location = %q", loc)
	}
}

func TestNotLeader_503WhenUnknown(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)
	h.rc.err = feature.ErrNotLeader

	w := doJSON(t, h.srv, "POST", "/v1/features/tx/recompute", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestDowngradeRejected_Is409(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)
	h.rc.err = feature.ErrDowngradeRejected

	w := doJSON(t, h.srv, "POST", "/v1/features/tx/downgrade", `{"version":1}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestListFeatures_WaitTimeoutIs504(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)

	w := doJSON(t, h.srv, "GET", "/v1/features?min_offset=99&timeout=50ms", "", nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestListFeatures_ReturnsDecisions(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)
	h.state.ApplyDecision(featcache.Decision{Name: "tx", Version: 3, Epoch: 1}, 5, false)

	w := doJSON(t, h.srv, "GET", "/v1/features?min_offset=5&timeout=1s", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var res struct {
		Features      map[string]uint64 `json:"features"`
		AppliedOffset uint64            `json:"appliedOffset"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Features["tx"] != 3 || res.AppliedOffset != 5 {
		t.Fatalf("res = %+v", res)
	}
}

func TestReadyz_OutOfSyncIs503(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)

	if w := doJSON(t, h.srv, "GET", "/readyz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want 200", w.Code)
	}

	h.state.MarkOutOfSync()
	if w := doJSON(t, h.srv, "GET", "/readyz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("out-of-sync status = %d, want 503", w.Code)
	}
}

func TestAdminKey_GatesWritePath(t *testing.T) {
	phc, err := apikey.Hash(apikey.Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, KeyLen: 32}, "sekret")
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, httpserver.RouterOptions{AdminKeyHash: phc}, nil)

	body := `{"nodeId":1,"features":{"tx":{"min":1,"max":3}}}`

	// Missing and wrong keys are rejected.
	if w := doJSON(t, h.srv, "POST", "/v1/nodes", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}
	if w := doJSON(t, h.srv, "POST", "/v1/nodes", body, map[string]string{"X-Admin-Key": "nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}

	// Correct key passes; reads stay public.
	if w := doJSON(t, h.srv, "POST", "/v1/nodes", body, map[string]string{"X-Admin-Key": "sekret"}); w.Code != http.StatusOK {
		t.Fatalf("right key: status = %d body = %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, h.srv, "GET", "/v1/features", "", nil); w.Code != http.StatusOK {
		t.Fatalf("read path gated: status = %d", w.Code)
	}
}

func TestVoters_UnavailableWithoutEmbeddedCluster(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)

	if w := doJSON(t, h.srv, "GET", "/v1/cluster/voters", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("list voters: status = %d, want 503", w.Code)
	}
	if w := doJSON(t, h.srv, "POST", "/v1/cluster/voters", `{"id":"b","addr":"127.0.0.1:7002"}`, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("add voter: status = %d, want 503", w.Code)
	}
}

func TestClusterStatus(t *testing.T) {
	h := newHarness(t, httpserver.RouterOptions{}, nil)
	w := doJSON(t, h.srv, "GET", "/v1/cluster/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st controller.ClusterStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.NodeID != "self" || st.LeaderID != "a" || !st.IsLeader {
		t.Fatalf("st = %+v", st)
	}
}
