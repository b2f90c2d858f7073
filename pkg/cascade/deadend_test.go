package cascade

import (
	"strings"
	"testing"
)

func TestStaticCatalogLookup(t *testing.T) {
	catalog, err := LoadDeadEnds(strings.NewReader(`
dead_ends:
  - slot: owner_people
    jurisdiction: DE
    reason: paid extract
  - slot: officers
    value: "Shell Co. Ltd"
    reason: nominee directors only
`))
	if err != nil {
		t.Fatalf("LoadDeadEnds() error = %v", err)
	}

	tests := []struct {
		jurisdiction, slot, value string
		want                      bool
	}{
		{"de", "owner_people", "anything", true},
		{"uk", "owner_people", "anything", false},
		{"uk", "officers", "shell co ltd", true},
		{"", "officers", "SHELL CO. LTD", true},
		{"", "officers", "Other Ltd", false},
		{"de", "owner_companies", "anything", false},
	}
	for _, tt := range tests {
		if got := catalog.For(tt.jurisdiction).IsKnownDeadEnd(tt.slot, tt.value); got != tt.want {
			t.Fatalf("IsKnownDeadEnd(%s, %s, %s) = %v, want %v", tt.jurisdiction, tt.slot, tt.value, got, tt.want)
		}
	}
}

func TestLoadDeadEndsRejectsEntriesWithoutSlot(t *testing.T) {
	if _, err := LoadDeadEnds(strings.NewReader("dead_ends:\n  - reason: x\n")); err == nil {
		t.Fatal("expected error")
	}
}
