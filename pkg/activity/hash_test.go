package activity

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func event(id, prev string, content map[string]any) Event {
	e := Event{
		ID:        id,
		Type:      ArtifactCompleted,
		Timestamp: time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC),
		Actor:     "pipeline",
		ProjectID: "p1",
		Kind:      "brd",
		Content:   content,
		PrevHash:  prev,
	}
	raw, _ := json.Marshal(content)
	e.Hash = computeHash(&e, raw)
	return e
}

func TestComputeHash(t *testing.T) {
	a := event("id1", "", map[string]any{"key": "value"})
	b := event("id1", "", map[string]any{"key": "value"})
	if a.Hash != b.Hash {
		t.Fatalf("same inputs should produce same hash: %s != %s", a.Hash, b.Hash)
	}
	if c := event("id2", "", map[string]any{"key": "value"}); a.Hash == c.Hash {
		t.Fatal("different ID should produce different hash")
	}
	if d := event("id1", "prevhash", map[string]any{"key": "value"}); a.Hash == d.Hash {
		t.Fatal("different prevHash should produce different hash")
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	// JSON marshal of map sorts keys deterministically
	a := event("id", "", map[string]any{"a": 1, "b": 2})
	b := event("id", "", map[string]any{"b": 2, "a": 1})
	if a.Hash != b.Hash {
		t.Fatalf("hashes should match: %s != %s", a.Hash, b.Hash)
	}
}

func TestVerify(t *testing.T) {
	first := event("id1", "", map[string]any{"n": 1.0})
	second := event("id2", first.Hash, map[string]any{"n": 2.0})
	if err := verify([]Event{first, second}); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	broken := second
	broken.PrevHash = "deadbeef"
	if err := verify([]Event{first, broken}); err == nil || !strings.Contains(err.Error(), "prev_hash mismatch") {
		t.Errorf("err = %v, want prev_hash mismatch", err)
	}

	tampered := second
	tampered.Content = map[string]any{"n": 3.0}
	if err := verify([]Event{first, tampered}); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("err = %v, want hash mismatch", err)
	}
}
