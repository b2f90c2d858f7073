package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/store"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New("Case 7")
	if s.Index() != "pivot_case_7_nodes" {
		t.Fatalf("Index() = %q", s.Index())
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n := common.Node{ID: "b", Class: common.ClassPerson, IdentityKey: "john smith", Properties: map[string][]string{"k": {"v"}}}
	if err := s.Upsert(ctx, n); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	n.Properties["k"][0] = "mutated"

	got, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Properties["k"][0] != "v" {
		t.Fatalf("store shares memory with caller")
	}

	_ = s.Upsert(ctx, common.Node{ID: "a", Class: common.ClassPerson, IdentityKey: "john smith"})
	_ = s.Upsert(ctx, common.Node{ID: "c", Class: common.ClassCompany, IdentityKey: "john smith"})

	res, err := s.Search(ctx, store.SearchQuery{Class: common.ClassPerson, IdentityKey: "john smith"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res) != 2 || res[0].ID != "a" || res[1].ID != "b" {
		t.Fatalf("Search() = %+v", res)
	}
}
