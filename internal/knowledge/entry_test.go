package knowledge

import "testing"

func TestNewClampsImportance(t *testing.T) {
	e, err := New(Raw{Kind: "fact", Subject: "s", Content: "c", Importance: 99}, PlatformClaudeCode, "")
	if err != nil {
		t.Fatal(err)
	}
	if e.Importance != 10 {
		t.Fatalf("expected clamp to 10, got %d", e.Importance)
	}
}

func TestNewDefaultsImportanceAndExpiry(t *testing.T) {
	e, err := New(Raw{Kind: "fact", Subject: "s", Content: "c"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if e.Importance != 5 {
		t.Fatalf("expected default importance 5, got %d", e.Importance)
	}
	if e.Expiry != ExpiryTemporary {
		t.Fatalf("expected default expiry temporary, got %s", e.Expiry)
	}
}

func TestNewRejectsInvalidKind(t *testing.T) {
	if _, err := New(Raw{Kind: "bogus", Subject: "s", Content: "c"}, "", ""); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestNewRejectsEmptySubjectOrContent(t *testing.T) {
	if _, err := New(Raw{Kind: "fact", Subject: "", Content: "c"}, "", ""); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := New(Raw{Kind: "fact", Subject: "s", Content: ""}, "", ""); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestNewNormalizesAndDedupesTags(t *testing.T) {
	e, err := New(Raw{Kind: "fact", Subject: "s", Content: "c", Tags: []string{"Go", " go ", "CLI"}}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Tags) != 2 {
		t.Fatalf("expected 2 deduped tags, got %v", e.Tags)
	}
}

func TestNewValidatesCanonicalKeyGrammar(t *testing.T) {
	if _, err := New(Raw{Kind: "fact", Subject: "s", Content: "c", CanonicalKey: "not valid!"}, "", ""); err == nil {
		t.Fatal("expected error for malformed canonical_key")
	}
	e, err := New(Raw{Kind: "fact", Subject: "s", Content: "c", CanonicalKey: "user-editor-preference"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if e.CanonicalKey != "user-editor-preference" {
		t.Fatalf("unexpected canonical key %q", e.CanonicalKey)
	}
}

func TestNewComputesHashesAndSignature(t *testing.T) {
	e, err := New(Raw{Kind: "fact", Subject: "s", Content: "hello world"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if e.ContentHash == "" || e.NormalizedContentHash == "" {
		t.Fatal("expected content hashes to be populated")
	}
	if len(e.MinhashSignature) != 128 {
		t.Fatalf("expected 128-value minhash signature, got %d", len(e.MinhashSignature))
	}
}
