package knowledge

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	s := "  Hello,   World!! "
	once := Normalize(s)
	twice := Normalize(once)
	if once != twice {
		t.Fatalf("normalize not idempotent: %q vs %q", once, twice)
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := "The deploy uses blue/green rollout."
	b := "The deploy uses blue/green rollout."
	c := "The deploy uses canary rollout."
	if ContentHash(a) != ContentHash(b) {
		t.Fatal("identical content must hash identically")
	}
	if ContentHash(a) == ContentHash(c) {
		t.Fatal("different content must hash differently")
	}
}

func TestNormalizedContentHashEqualWhenNormalizeEqual(t *testing.T) {
	a := "Hello, World!"
	b := "hello   world"
	if NormalizedContentHash(a) != NormalizedContentHash(b) {
		t.Fatal("normalize-equal strings must share normalized_content_hash")
	}
}

func TestJaccardHighForNearDuplicate(t *testing.T) {
	a := Normalize("the team decided to deploy on fridays using canary releases")
	b := Normalize("the team decided to deploy on fridays using canary rollouts")
	j := Jaccard(a, b)
	if j < 0.5 {
		t.Fatalf("expected high jaccard for near duplicate, got %f", j)
	}
}

func TestJaccardLowForUnrelated(t *testing.T) {
	a := Normalize("the team decided to deploy on fridays")
	b := Normalize("bananas are a good source of potassium")
	j := Jaccard(a, b)
	if j > 0.2 {
		t.Fatalf("expected low jaccard for unrelated text, got %f", j)
	}
}

func TestMinHashSimilarityTracksJaccard(t *testing.T) {
	a := "the team decided to deploy on fridays using canary releases for safety"
	b := "the team decided to deploy on fridays using canary rollouts for safety"
	c := "bananas are a good source of potassium and fiber content daily"

	simAB := MinHashJaccard(MinHash(a), MinHash(b))
	simAC := MinHashJaccard(MinHash(a), MinHash(c))
	if simAB <= simAC {
		t.Fatalf("expected near-duplicate minhash similarity (%f) > unrelated (%f)", simAB, simAC)
	}
}
