package idempotency

import "testing"

func TestGenerateKey(t *testing.T) {
	key1 := GenerateKey("condition", "9f1b2c3d", "medical-events.submissions")
	key2 := GenerateKey("condition", "9f1b2c3d", "medical-events.submissions")
	if key1 != key2 {
		t.Error("same inputs should produce same key")
	}
	if len(key1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(key1))
	}

	if key1 == GenerateKey("observation", "9f1b2c3d", "medical-events.submissions") {
		t.Error("resource type should change the key")
	}
	if key1 == GenerateKey("condition", "other-uuid", "medical-events.submissions") {
		t.Error("resource uuid should change the key")
	}
	if key1 == GenerateKey("condition", "9f1b2c3d", "medical-events.audit") {
		t.Error("topic should change the key")
	}
}

func TestGenerateKeySeparator(t *testing.T) {
	// The joined fields must not collapse into each other.
	if GenerateKey("ab", "c", "d") == GenerateKey("a", "bc", "d") {
		t.Error("field boundaries should be preserved")
	}
}
