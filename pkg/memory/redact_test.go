package memory

import (
	"strings"
	"testing"
)

func TestRedactMasksEthPrivateKey(t *testing.T) {
	key := "0x" + strings.Repeat("ab", 32)
	redacted, tags := Redact("my key is " + key)
	if strings.Contains(redacted, key) {
		t.Fatalf("expected key to be redacted, got %q", redacted)
	}
	if len(tags) != 1 || tags[0] != "eth_private_key" {
		t.Fatalf("expected [eth_private_key], got %v", tags)
	}
}

func TestRedactMasksMultipleDistinctTags(t *testing.T) {
	text := "token Bearer abcdef0123456789ghijklmno and password: hunter2222"
	redacted, tags := Redact(text)
	if strings.Contains(redacted, "hunter2222") {
		t.Fatalf("expected password to be redacted, got %q", redacted)
	}
	found := map[string]bool{}
	for _, tag := range tags {
		found[tag] = true
	}
	if !found["bearer_token"] || !found["password"] {
		t.Fatalf("expected bearer_token and password tags, got %v", tags)
	}
}

func TestRedactLeavesCleanTextUnchanged(t *testing.T) {
	text := "just a normal note about the weather"
	redacted, tags := Redact(text)
	if redacted != text {
		t.Fatalf("expected unchanged text, got %q", redacted)
	}
	if len(tags) != 0 {
		t.Fatalf("expected no tags fired, got %v", tags)
	}
}
