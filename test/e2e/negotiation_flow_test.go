package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/controller"
	"github.com/dropDatabas3/featgate/internal/coordinator"
	"github.com/dropDatabas3/featgate/internal/featcache"
	httpserver "github.com/dropDatabas3/featgate/internal/http"
	"github.com/dropDatabas3/featgate/internal/http/handlers"
	"github.com/dropDatabas3/featgate/internal/registry"
)

// memLog stands in for the raft node: records are applied in-process through
// the same registry/state paths the FSM uses, with sequential offsets.
type memLog struct {
	mu     sync.Mutex
	offset uint64
	reg    *registry.Registry
	state  *featcache.State
}

func (m *memLog) Apply(ctx context.Context, rec cluster.Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset++
	switch rec.Type {
	case cluster.RecordRegisterNode:
		var dto cluster.RegisterNodeDTO
		if err := json.Unmarshal(rec.Payload, &dto); err != nil {
			return 0, err
		}
		m.reg.ApplyRegistration(registry.NodeRegistration{
			NodeID: dto.NodeID, Epoch: dto.Epoch,
			Features: dto.Features, Endpoints: dto.Endpoints,
		})
		m.state.Advance(m.offset)
	case cluster.RecordDeregisterNode:
		var dto cluster.DeregisterNodeDTO
		if err := json.Unmarshal(rec.Payload, &dto); err != nil {
			return 0, err
		}
		m.reg.ApplyDeregistration(dto.NodeID, dto.Epoch)
		m.state.Advance(m.offset)
	case cluster.RecordFeatureDecision, cluster.RecordFeatureDowngrade:
		var dto cluster.FeatureDecisionDTO
		if err := json.Unmarshal(rec.Payload, &dto); err != nil {
			return 0, err
		}
		m.state.ApplyDecision(featcache.Decision{
			Name: dto.Name, Version: dto.Version, Epoch: dto.Epoch,
		}, m.offset, rec.Type == cluster.RecordFeatureDowngrade)
	}
	return m.offset, nil
}

func (m *memLog) VerifyLeader(ctx context.Context) error { return nil }
func (m *memLog) IsLeader() bool                         { return true }
func (m *memLog) LeaderID() string                       { return "a" }
func (m *memLog) NodeID() string                         { return "a" }
func (m *memLog) KnownPeers() int                        { return 1 }
func (m *memLog) CurrentEpoch() uint64                   { return 1 }

func newStack(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New()
	state := featcache.NewState()
	log := &memLog{reg: reg, state: state}
	coord := coordinator.New(log, reg, state, coordinator.Options{})
	ctrl := controller.New(log, reg, state, coord, controller.Options{})
	srv := httptest.NewServer(httpserver.NewRouter(handlers.New(ctrl, nil, nil), httpserver.RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, c *http.Client, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// Full lifecycle over HTTP: register, negotiate, widen, downgrade, deregister.
func Test_NegotiationFlow(t *testing.T) {
	srv := newStack(t)
	c := &http.Client{Timeout: 10 * time.Second}

	var regA controller.RegisterResult
	resp := post(t, c, srv.URL+"/v1/nodes", `{"nodeId":1,"features":{"tx":{"min":1,"max":3}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &regA)
	require.Equal(t, uint64(1), regA.Epoch)

	resp = post(t, c, srv.URL+"/v1/nodes", `{"nodeId":2,"features":{"tx":{"min":2,"max":4}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The common ceiling of [1,3] and [2,4] is 3.
	var out coordinator.Outcome
	resp = post(t, c, srv.URL+"/v1/features/tx/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.True(t, out.Changed)
	require.Equal(t, uint64(3), out.Version)

	// Read-your-writes: waiting on the decision's offset must observe it.
	resp, err := c.Get(fmt.Sprintf("%s/v1/features?min_offset=%d&timeout=2s", srv.URL, out.Offset))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Features      map[string]uint64 `json:"features"`
		AppliedOffset uint64            `json:"appliedOffset"`
	}
	decode(t, resp, &view)
	require.Equal(t, uint64(3), view.Features["tx"])
	require.GreaterOrEqual(t, view.AppliedOffset, out.Offset)

	// Node 1 upgrades its range; node 2 still caps the value at 4.
	resp = post(t, c, srv.URL+"/v1/nodes", `{"nodeId":1,"nodeEpoch":2,"features":{"tx":{"min":1,"max":5}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, c, srv.URL+"/v1/features/tx/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.Equal(t, uint64(4), out.Version)

	// Explicit downgrade below the current value, still inside both ranges.
	resp = post(t, c, srv.URL+"/v1/features/tx/downgrade", `{"version":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.True(t, out.Downgrade)
	require.Equal(t, uint64(3), out.Version)

	// A downgrade outside node 1's declared range is rejected.
	resp = post(t, c, srv.URL+"/v1/features/tx/downgrade", `{"version":0}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Node 2 leaves; node 1 alone allows the value to climb to 5.
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/nodes/2", nil)
	require.NoError(t, err)
	resp, err = c.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, c, srv.URL+"/v1/features/tx/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.Equal(t, uint64(5), out.Version)

	// Status reflects the applied log and both lifecycle phases.
	resp, err = c.Get(srv.URL + "/v1/cluster/status")
	require.NoError(t, err)
	var st controller.ClusterStatus
	decode(t, resp, &st)
	require.True(t, st.IsLeader)
	require.Equal(t, 1, st.RegisteredNodes)
	require.False(t, st.OutOfSync)
}

// Mandatory features pin silent nodes to [0,0], freezing the value at 0.
func Test_NegotiationFlow_Mandatory(t *testing.T) {
	reg := registry.New()
	state := featcache.NewState()
	log := &memLog{reg: reg, state: state}
	coord := coordinator.New(log, reg, state, coordinator.Options{Mandatory: []string{"gc"}})
	ctrl := controller.New(log, reg, state, coord, controller.Options{})
	srv := httptest.NewServer(httpserver.NewRouter(handlers.New(ctrl, nil, nil), httpserver.RouterOptions{}))
	defer srv.Close()
	c := &http.Client{Timeout: 10 * time.Second}

	resp := post(t, c, srv.URL+"/v1/nodes", `{"nodeId":1,"features":{"gc":{"min":0,"max":2}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = post(t, c, srv.URL+"/v1/nodes", `{"nodeId":2,"features":{"tx":{"min":1,"max":1}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Node 2 never declared gc, so it counts as [0,0] and pins gc at 0.
	var out coordinator.Outcome
	resp = post(t, c, srv.URL+"/v1/features/gc/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.True(t, out.Changed)
	require.Equal(t, uint64(0), out.Version)

	// Once finalized at 0, a re-run makes no progress.
	resp = post(t, c, srv.URL+"/v1/features/gc/recompute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	require.False(t, out.Changed)
	require.Equal(t, uint64(0), out.Version)
}
