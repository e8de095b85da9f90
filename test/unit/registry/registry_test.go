package registry_test

import (
	"reflect"
	"testing"

	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/registry"
)

func reg(nodeID, epoch uint64, features map[string]feature.VersionRange) registry.NodeRegistration {
	return registry.NodeRegistration{NodeID: nodeID, Epoch: epoch, Features: features}
}

func drain(t *testing.T, r *registry.Registry) []registry.Change {
	t.Helper()
	var out []registry.Change
	for {
		select {
		case ch := <-r.Changes():
			out = append(out, ch)
		default:
			return out
		}
	}
}

func TestApplyRegistration_InsertAndReplace(t *testing.T) {
	r := registry.New()

	if !r.ApplyRegistration(reg(1, 1, map[string]feature.VersionRange{"tx": {Min: 1, Max: 3}})) {
		t.Fatal("first registration should change state")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}

	// Higher epoch replaces the mapping wholesale.
	if !r.ApplyRegistration(reg(1, 2, map[string]feature.VersionRange{"tx": {Min: 2, Max: 5}})) {
		t.Fatal("higher epoch should replace")
	}
	n, ok := r.Get(1)
	if !ok {
		t.Fatal("node 1 missing")
	}
	if got := n.Features["tx"]; got != (feature.VersionRange{Min: 2, Max: 5}) {
		t.Fatalf("range = %+v, want [2,5]", got)
	}
	if n.Epoch != 2 {
		t.Fatalf("epoch = %d, want 2", n.Epoch)
	}
}

func TestApplyRegistration_StaleIsSilentNoop(t *testing.T) {
	r := registry.New()
	r.ApplyRegistration(reg(1, 5, map[string]feature.VersionRange{"tx": {Min: 2, Max: 4}}))
	drain(t, r)

	// Same epoch: idempotent re-apply, no change, no signal.
	if r.ApplyRegistration(reg(1, 5, map[string]feature.VersionRange{"tx": {Min: 2, Max: 4}})) {
		t.Fatal("same-epoch re-apply should be a no-op")
	}
	// Lower epoch: stale, ignored.
	if r.ApplyRegistration(reg(1, 3, map[string]feature.VersionRange{"tx": {Min: 0, Max: 1}})) {
		t.Fatal("lower epoch should be ignored")
	}
	if chs := drain(t, r); len(chs) != 0 {
		t.Fatalf("stale applies emitted %d signals, want 0", len(chs))
	}

	n, _ := r.Get(1)
	if n.Epoch != 5 || n.Features["tx"] != (feature.VersionRange{Min: 2, Max: 4}) {
		t.Fatalf("state mutated by stale apply: %+v", n)
	}
}

func TestApplyDeregistration_EpochGate(t *testing.T) {
	r := registry.New()
	r.ApplyRegistration(reg(1, 5, map[string]feature.VersionRange{"tx": {Min: 1, Max: 3}}))

	// Older epoch must not remove a newer registration.
	if r.ApplyDeregistration(1, 4) {
		t.Fatal("stale deregistration should be ignored")
	}
	if r.Len() != 1 {
		t.Fatal("node removed by stale deregistration")
	}

	if !r.ApplyDeregistration(1, 5) {
		t.Fatal("matching epoch should deregister")
	}
	if r.Len() != 0 {
		t.Fatal("node still present after deregistration")
	}

	// Unknown node: no-op.
	if r.ApplyDeregistration(9, 1) {
		t.Fatal("deregistration of unknown node should be a no-op")
	}
}

func TestChangeSignal_CarriesTouchedFeatureUnion(t *testing.T) {
	r := registry.New()
	r.ApplyRegistration(reg(1, 1, map[string]feature.VersionRange{
		"tx": {Min: 1, Max: 3}, "idx": {Min: 0, Max: 2},
	}))
	drain(t, r)

	// Re-register dropping "idx" and adding "gc": signal must name all three.
	r.ApplyRegistration(reg(1, 2, map[string]feature.VersionRange{
		"tx": {Min: 1, Max: 4}, "gc": {Min: 0, Max: 1},
	}))
	chs := drain(t, r)
	if len(chs) != 1 {
		t.Fatalf("signals = %d, want 1", len(chs))
	}
	want := []string{"gc", "idx", "tx"}
	if !reflect.DeepEqual(chs[0].Features, want) {
		t.Fatalf("touched = %v, want %v", chs[0].Features, want)
	}

	// Deregistration signals the features the node used to declare.
	r.ApplyDeregistration(1, 2)
	chs = drain(t, r)
	if len(chs) != 1 {
		t.Fatalf("signals = %d, want 1", len(chs))
	}
	want = []string{"gc", "tx"}
	if !reflect.DeepEqual(chs[0].Features, want) {
		t.Fatalf("touched = %v, want %v", chs[0].Features, want)
	}
}

func TestSnapshot_IsDeepCopyAndSorted(t *testing.T) {
	r := registry.New()
	r.ApplyRegistration(reg(3, 1, map[string]feature.VersionRange{"tx": {Min: 1, Max: 2}}))
	r.ApplyRegistration(reg(1, 1, map[string]feature.VersionRange{"tx": {Min: 1, Max: 3}}))

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].NodeID != 1 || snap[1].NodeID != 3 {
		t.Fatalf("snapshot not sorted by node id: %+v", snap)
	}

	// Mutating the snapshot must not leak into the registry.
	snap[0].Features["tx"] = feature.VersionRange{Min: 9, Max: 9}
	n, _ := r.Get(1)
	if n.Features["tx"] != (feature.VersionRange{Min: 1, Max: 3}) {
		t.Fatal("snapshot mutation leaked into registry state")
	}
}

func TestReset_ReplacesStateWithoutSignals(t *testing.T) {
	r := registry.New()
	r.ApplyRegistration(reg(1, 1, map[string]feature.VersionRange{"tx": {Min: 1, Max: 3}}))
	drain(t, r)

	r.Reset([]registry.NodeRegistration{
		reg(7, 4, map[string]feature.VersionRange{"gc": {Min: 2, Max: 2}}),
	})
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("old node survived reset")
	}
	if _, ok := r.Get(7); !ok {
		t.Fatal("restored node missing")
	}
	if chs := drain(t, r); len(chs) != 0 {
		t.Fatalf("reset emitted %d signals, want 0", len(chs))
	}
}
