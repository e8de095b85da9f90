package cluster_test

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/featcache"
	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/registry"
)

func mustRecord(t *testing.T, typ cluster.RecordType, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(cluster.Record{Type: typ, TsUnix: 1, Epoch: 1, Payload: p})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func apply(t *testing.T, fsm *cluster.FSM, index uint64, data []byte) {
	t.Helper()
	if ret := fsm.Apply(&raft.Log{Index: index, Data: data}); ret != nil {
		if err, ok := ret.(error); ok {
			t.Fatalf("apply at %d: %v", index, err)
		}
	}
}

func TestFSM_Apply_RegisterAndDecision(t *testing.T) {
	reg := registry.New()
	state := featcache.NewState()
	fsm := cluster.NewFSM(reg, state)

	apply(t, fsm, 1, mustRecord(t, cluster.RecordRegisterNode, cluster.RegisterNodeDTO{
		NodeID: 1, Epoch: 1,
		Features: map[string]feature.VersionRange{"tx": {Min: 1, Max: 3}},
	}))
	if reg.Len() != 1 {
		t.Fatal("registration not applied")
	}
	if state.AppliedOffset() != 1 {
		t.Fatalf("applied = %d, want 1", state.AppliedOffset())
	}

	apply(t, fsm, 2, mustRecord(t, cluster.RecordFeatureDecision, cluster.FeatureDecisionDTO{
		Name: "tx", Version: 3, Epoch: 1,
	}))
	if v := state.CurrentDecisions()["tx"]; v != 3 {
		t.Fatalf("tx = %d, want 3", v)
	}

	apply(t, fsm, 3, mustRecord(t, cluster.RecordDeregisterNode, cluster.DeregisterNodeDTO{
		NodeID: 1, Epoch: 1,
	}))
	if reg.Len() != 0 {
		t.Fatal("deregistration not applied")
	}
	if state.AppliedOffset() != 3 {
		t.Fatalf("applied = %d, want 3", state.AppliedOffset())
	}
}

func TestFSM_Apply_DowngradeRecordBypassesClamp(t *testing.T) {
	reg := registry.New()
	state := featcache.NewState()
	fsm := cluster.NewFSM(reg, state)

	apply(t, fsm, 1, mustRecord(t, cluster.RecordFeatureDecision, cluster.FeatureDecisionDTO{
		Name: "tx", Version: 4, Epoch: 1,
	}))
	// Replay of an ordinary decision below current: ignored.
	apply(t, fsm, 2, mustRecord(t, cluster.RecordFeatureDecision, cluster.FeatureDecisionDTO{
		Name: "tx", Version: 2, Epoch: 1,
	}))
	if v := state.CurrentDecisions()["tx"]; v != 4 {
		t.Fatalf("tx = %d, want 4", v)
	}
	// Explicit downgrade record: applies even on replay.
	apply(t, fsm, 3, mustRecord(t, cluster.RecordFeatureDowngrade, cluster.FeatureDecisionDTO{
		Name: "tx", Version: 2, Epoch: 2,
	}))
	if v := state.CurrentDecisions()["tx"]; v != 2 {
		t.Fatalf("tx = %d, want 2", v)
	}
}

func TestFSM_Apply_MalformedRangeDropped(t *testing.T) {
	reg := registry.New()
	state := featcache.NewState()
	fsm := cluster.NewFSM(reg, state)

	// min > max is malformed; the committed record still applies but without
	// the poisoned feature.
	apply(t, fsm, 1, mustRecord(t, cluster.RecordRegisterNode, cluster.RegisterNodeDTO{
		NodeID: 1, Epoch: 1,
		Features: map[string]feature.VersionRange{
			"ok":  {Min: 1, Max: 2},
			"bad": {Min: 5, Max: 1},
		},
	}))

	n, ok := reg.Get(1)
	if !ok {
		t.Fatal("registration dropped entirely")
	}
	if _, ok := n.Features["bad"]; ok {
		t.Fatal("malformed range survived")
	}
	if _, ok := n.Features["ok"]; !ok {
		t.Fatal("valid range was dropped")
	}
}

func TestFSM_Apply_UnknownTypeIsError(t *testing.T) {
	fsm := cluster.NewFSM(registry.New(), featcache.NewState())

	data, _ := json.Marshal(cluster.Record{Type: "bogus", Payload: []byte(`{}`)})
	ret := fsm.Apply(&raft.Log{Index: 1, Data: data})
	if err, ok := ret.(error); !ok || err == nil {
		t.Fatalf("apply(bogus) = %v, want error", ret)
	}
}

// memSink is an in-memory raft.SnapshotSink for roundtrip tests.
type memSink struct {
	bytes.Buffer
	canceled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.canceled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestFSM_SnapshotRestoreRoundtrip(t *testing.T) {
	reg := registry.New()
	state := featcache.NewState()
	fsm := cluster.NewFSM(reg, state)

	apply(t, fsm, 1, mustRecord(t, cluster.RecordRegisterNode, cluster.RegisterNodeDTO{
		NodeID: 1, Epoch: 2,
		Features: map[string]feature.VersionRange{"tx": {Min: 1, Max: 3}},
	}))
	apply(t, fsm, 2, mustRecord(t, cluster.RecordFeatureDecision, cluster.FeatureDecisionDTO{
		Name: "tx", Version: 3, Epoch: 1,
	}))

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatal(err)
	}
	snap.Release()

	// Fresh process: restore must rebuild registry, decisions and offset.
	reg2 := registry.New()
	state2 := featcache.NewState()
	fsm2 := cluster.NewFSM(reg2, state2)
	if err := fsm2.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if reg2.Len() != 1 {
		t.Fatal("node missing after restore")
	}
	n, _ := reg2.Get(1)
	if n.Epoch != 2 || n.Features["tx"] != (feature.VersionRange{Min: 1, Max: 3}) {
		t.Fatalf("restored node = %+v", n)
	}
	if v := state2.CurrentDecisions()["tx"]; v != 3 {
		t.Fatalf("restored tx = %d, want 3", v)
	}
	if state2.AppliedOffset() != 2 {
		t.Fatalf("restored offset = %d, want 2", state2.AppliedOffset())
	}
	if state2.OutOfSync() {
		t.Fatal("successful restore must clear out-of-sync")
	}
}

func TestFSM_RestoreGarbageMarksOutOfSync(t *testing.T) {
	state := featcache.NewState()
	fsm := cluster.NewFSM(registry.New(), state)

	err := fsm.Restore(io.NopCloser(bytes.NewReader([]byte("not json"))))
	if err == nil {
		t.Fatal("restore of garbage must fail")
	}
	if !state.OutOfSync() {
		t.Fatal("failed restore must mark the cache out of sync")
	}
}
