package crdt

import (
	"encoding/json"
	"testing"
)

func TestAwarenessApplyAndBroadcastDiff(testContext *testing.T) {
	local := NewAwareness()
	remote := NewAwareness()

	diff := local.SetState(11, []byte(`{"cursor":4}`))
	changed, err := remote.ApplyUpdate(diff)
	if err != nil {
		testContext.Fatalf("apply awareness diff failed: %v", err)
	}
	if len(changed) != 1 || changed[0] != 11 {
		testContext.Fatalf("changed clients = %v, want [11]", changed)
	}
	states := remote.States()
	if string(states[11]) != `{"cursor":4}` {
		testContext.Fatalf("state = %s", states[11])
	}
}

func TestAwarenessStaleClockIsIgnored(testContext *testing.T) {
	local := NewAwareness()
	remote := NewAwareness()

	first := local.SetState(11, []byte(`{"cursor":1}`))
	second := local.SetState(11, []byte(`{"cursor":2}`))

	if _, err := remote.ApplyUpdate(second); err != nil {
		testContext.Fatalf("apply newer diff failed: %v", err)
	}
	changed, err := remote.ApplyUpdate(first)
	if err != nil {
		testContext.Fatalf("apply stale diff failed: %v", err)
	}
	if len(changed) != 0 {
		testContext.Fatalf("stale diff changed clients: %v", changed)
	}
	if string(remote.States()[11]) != `{"cursor":2}` {
		testContext.Fatalf("state = %s, want cursor 2", remote.States()[11])
	}
}

func TestAwarenessRemovalClearsState(testContext *testing.T) {
	local := NewAwareness()
	remote := NewAwareness()

	if _, err := remote.ApplyUpdate(local.SetState(11, []byte(`{"cursor":1}`))); err != nil {
		testContext.Fatalf("apply state failed: %v", err)
	}

	removal := local.RemoveStates([]uint64{11})
	if _, err := remote.ApplyUpdate(removal); err != nil {
		testContext.Fatalf("apply removal failed: %v", err)
	}
	if remote.LiveCount() != 0 {
		testContext.Fatalf("live count = %d, want 0", remote.LiveCount())
	}
}

func TestAwarenessSetStateFieldMergesObject(testContext *testing.T) {
	awareness := NewAwareness()
	if _, err := awareness.ApplyUpdate(awareness.SetState(11, []byte(`{"cursor":1}`))); err != nil {
		testContext.Fatalf("seed state failed: %v", err)
	}

	diff, err := awareness.SetStateField(11, "presence", json.RawMessage(`{"name":"ada"}`))
	if err != nil {
		testContext.Fatalf("set state field failed: %v", err)
	}
	if len(diff) == 0 {
		testContext.Fatalf("expected encoded diff")
	}

	var state map[string]json.RawMessage
	if err := json.Unmarshal(awareness.States()[11], &state); err != nil {
		testContext.Fatalf("state is not a JSON object: %v", err)
	}
	if string(state["cursor"]) != "1" {
		testContext.Fatalf("cursor field lost: %s", state["cursor"])
	}
	if string(state["presence"]) != `{"name":"ada"}` {
		testContext.Fatalf("presence field = %s", state["presence"])
	}
}

func TestAwarenessEncodeAllSkipsRemovedClients(testContext *testing.T) {
	awareness := NewAwareness()
	awareness.SetState(11, []byte(`{"cursor":1}`))
	awareness.SetState(12, []byte(`{"cursor":2}`))
	awareness.RemoveStates([]uint64{12})

	fresh := NewAwareness()
	if _, err := fresh.ApplyUpdate(awareness.EncodeAll()); err != nil {
		testContext.Fatalf("apply full awareness failed: %v", err)
	}
	if fresh.LiveCount() != 1 {
		testContext.Fatalf("live count = %d, want 1", fresh.LiveCount())
	}
}

func TestAwarenessRejectsGarbage(testContext *testing.T) {
	awareness := NewAwareness()
	if _, err := awareness.ApplyUpdate([]byte{0x02, 0x01}); err == nil {
		testContext.Fatalf("expected decode error")
	}
}
