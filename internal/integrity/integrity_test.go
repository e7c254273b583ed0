package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func baseFields() CommitFields {
	parent := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	return CommitFields{
		OrgID:          uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Message:        "classify script drafts",
		Author:         "taxonomy-agent",
		AuthorType:     "agent",
		ParentCommitID: &parent,
		CreatedAt:      time.Date(2026, 1, 15, 10, 30, 0, 123456000, time.UTC),
	}
}

func TestComputeCommitSignature_Deterministic(t *testing.T) {
	f := baseFields()

	s1 := ComputeCommitSignature(f, "v1:parent")
	s2 := ComputeCommitSignature(f, "v1:parent")

	if s1 != s2 {
		t.Fatalf("signature not deterministic: %q != %q", s1, s2)
	}
	if !strings.HasPrefix(s1, "v1:") {
		t.Fatalf("expected v1: prefix, got %q", s1)
	}
	if len(s1) != 3+64 {
		t.Fatalf("expected prefixed 64-char hex SHA-256, got %d chars", len(s1))
	}
}

func TestComputeCommitSignature_EveryFieldCovered(t *testing.T) {
	f := baseFields()
	base := ComputeCommitSignature(f, "v1:parent")

	otherParent := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	mutations := map[string]func(*CommitFields){
		"org":         func(c *CommitFields) { c.OrgID = uuid.MustParse("44444444-4444-4444-4444-444444444444") },
		"message":     func(c *CommitFields) { c.Message = "classify script drafts!" },
		"author":      func(c *CommitFields) { c.Author = "someone-else" },
		"author_type": func(c *CommitFields) { c.AuthorType = "user" },
		"parent":      func(c *CommitFields) { c.ParentCommitID = &otherParent },
		"root":        func(c *CommitFields) { c.ParentCommitID = nil },
		"created_at":  func(c *CommitFields) { c.CreatedAt = c.CreatedAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := baseFields()
			mutate(&m)
			if ComputeCommitSignature(m, "v1:parent") == base {
				t.Fatalf("mutating %s should change the signature", name)
			}
		})
	}

	if ComputeCommitSignature(f, "v1:other") == base {
		t.Fatal("parent signature should be covered")
	}
}

func TestComputeCommitSignature_FieldBoundaries(t *testing.T) {
	a := baseFields()
	a.Message = "ab"
	a.Author = "c"
	b := baseFields()
	b.Message = "a"
	b.Author = "bc"

	if ComputeCommitSignature(a, "") == ComputeCommitSignature(b, "") {
		t.Fatal("length-prefixed encoding should separate adjacent fields")
	}
}

func TestComputeCommitSignature_SubMicrosecondIgnored(t *testing.T) {
	f := baseFields()
	g := baseFields()
	g.CreatedAt = g.CreatedAt.Add(400 * time.Nanosecond)

	if ComputeCommitSignature(f, "") != ComputeCommitSignature(g, "") {
		t.Fatal("timestamps are hashed at microsecond precision")
	}
}

func TestVerifyCommitSignature(t *testing.T) {
	f := baseFields()
	sig := ComputeCommitSignature(f, "v1:parent")

	if !VerifyCommitSignature(sig, f, "v1:parent") {
		t.Fatal("verification should succeed for matching inputs")
	}

	tampered := baseFields()
	tampered.Message = "rewritten history"
	if VerifyCommitSignature(sig, tampered, "v1:parent") {
		t.Fatal("verification should fail for a different message")
	}

	if VerifyCommitSignature(sig, f, "v1:forged-parent") {
		t.Fatal("verification should fail when the parent signature changed")
	}

	if VerifyCommitSignature(strings.TrimPrefix(sig, "v1:"), f, "v1:parent") {
		t.Fatal("unprefixed signatures should never verify")
	}
}

func TestComputeContentHash_KeyOrderIndependent(t *testing.T) {
	h1, err := ComputeContentHash(map[string]any{"title": "Draft 3", "pages": 112})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := ComputeContentHash(map[string]any{"pages": 112, "title": "Draft 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("map ordering should not affect the hash: %q != %q", h1, h2)
	}

	h3, err := ComputeContentHash(map[string]any{"pages": 113, "title": "Draft 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 == h3 {
		t.Fatal("different properties should produce different hashes")
	}
}

func TestComputeContentHash_NilEqualsEmpty(t *testing.T) {
	h1, err := ComputeContentHash(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := ComputeContentHash(map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatal("nil and empty properties should hash the same")
	}
}

func TestComputeContentHash_Unencodable(t *testing.T) {
	_, err := ComputeContentHash(map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected an error for unencodable properties")
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	root := BuildMerkleRoot(nil)
	if root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := "abc123"
	root := BuildMerkleRoot([]string{leaf})
	if root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})

	if r1 == r2 {
		t.Fatal("different leaf ordering should produce different roots")
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}

func TestChainRoot(t *testing.T) {
	if got := ChainRoot("root", nil); got != "root" {
		t.Fatalf("first checkpoint should keep its root, got %q", got)
	}
	prev := "previous"
	chained := ChainRoot("root", &prev)
	if chained == "root" || len(chained) != 64 {
		t.Fatalf("chained root should be a fresh digest, got %q", chained)
	}
	other := "other"
	if ChainRoot("root", &other) == chained {
		t.Fatal("different previous roots should produce different chained roots")
	}
}
