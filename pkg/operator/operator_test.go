package operator

import (
	"errors"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/pivot/pkg/common"
)

func defaultRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewDefaultRouter()
	if err != nil {
		t.Fatalf("NewDefaultRouter() error = %v", err)
	}
	return r
}

func TestParse(t *testing.T) {
	t.Parallel()
	r := defaultRouter(t)

	tests := []struct {
		query   string
		subject string
		jur     string
		intent  string
		value   string
	}{
		{"cukoff:Acme Ltd", "c", "uk", "off", "Acme Ltd"},
		{"CUKREG: 01234567 ", "c", "uk", "reg", "01234567"},
		{"creg:Acme", "c", "", "reg", "Acme"},
		{"pofac:John Smith", "p", "us", "san", "John Smith"},
		{"cpsc:Acme", "c", "uk", "own", "Acme"},
		{"d:example.com", "d", "", "", "example.com"},
		{"cuk:", "c", "uk", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := r.Parse(tt.query)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.query, err)
			}
			if got.Subject != tt.subject || got.Jurisdiction != tt.jur || got.Intent != tt.intent || got.Value != tt.value {
				t.Fatalf("Parse(%q) = %+v", tt.query, got)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	r := defaultRouter(t)

	for _, q := range []string{
		"acme",
		"zz:Acme",
		"c1:Acme",
		"ccuk:Acme",
		":Acme",
		"ereg:john@example.com",
	} {
		_, err := r.Parse(q)
		var mo *common.MalformedOperatorError
		if !errors.As(err, &mo) {
			t.Fatalf("Parse(%q) expected MalformedOperatorError, got %v", q, err)
		}
	}
}

func TestRouteAction(t *testing.T) {
	t.Parallel()
	r := defaultRouter(t)

	tests := []struct {
		query   string
		handler string
	}{
		{"cukoff:Acme", "uk_companies_house_officers"},
		{"cfroff:Acme", "opencorporates_officers"},
		{"csan:Acme", "global_sanctions_company"},
		{"pussan:John Smith", "ofac_sdn_person"},
		{"e:john@example.com", "email_profile"},
	}
	for _, tt := range tests {
		d, err := r.Resolve(tt.query)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", tt.query, err)
		}
		if d.Mode != ModeAction || d.HandlerID != tt.handler {
			t.Fatalf("Resolve(%q) = %+v, want action %s", tt.query, d, tt.handler)
		}
	}
}

func TestRouteIntel(t *testing.T) {
	t.Parallel()
	r := defaultRouter(t)

	d, err := r.Resolve("cde:")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Mode != ModeIntel || d.Topic == nil {
		t.Fatalf("expected INTEL, got %+v", d)
	}
	if d.Topic.Jurisdiction == nil || d.Topic.Jurisdiction.Code != "de" {
		t.Fatalf("expected jurisdiction knowledge, got %+v", d.Topic)
	}

	var sawPaid bool
	for _, k := range d.Topic.Knowledge {
		if strings.Contains(k, "paid document extract") {
			sawPaid = true
		}
	}
	if !sawPaid {
		t.Fatalf("expected dead-end knowledge for German registry, got %v", d.Topic.Knowledge)
	}
	for _, h := range d.Topic.Handlers {
		if h.Subject != "c" || (h.Jurisdiction != "de" && h.Jurisdiction != "") {
			t.Fatalf("incompatible handler in topic: %+v", h)
		}
	}
}

func testVocabulary() *Vocabulary {
	return &Vocabulary{
		Version:       "test",
		Subjects:      []Qualifier{{Code: "d", Name: "domain"}, {Code: "dom", Name: "domain owner"}},
		Jurisdictions: []Qualifier{{Code: "om", Name: "Oman"}},
		Handlers: []Handler{
			{ID: "whois", Subject: "d"},
			{ID: "whois_om", Subject: "d", Jurisdiction: "om"},
			{ID: "owner", Subject: "dom"},
		},
	}
}

func TestSpecificityTieBreak(t *testing.T) {
	t.Parallel()
	r, err := NewRouter(testVocabulary())
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	// "dom" reads as the single subject "dom" or as "d" + "om". The reading
	// with a jurisdiction is more specific and wins even though the
	// longest-match segmentation is found first.
	ctx, err := r.Parse("dom:example.om")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ctx.Subject != "d" || ctx.Jurisdiction != "om" {
		t.Fatalf("expected d+om, got %+v", ctx)
	}
	d, err := r.Route(ctx)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.HandlerID != "whois_om" {
		t.Fatalf("expected whois_om, got %s", d.HandlerID)
	}
}

func TestSameSpecificityPrefersLongestMatch(t *testing.T) {
	t.Parallel()
	v := &Vocabulary{
		Version:  "test",
		Subjects: []Qualifier{{Code: "c"}, {Code: "co"}},
		Intents:  []Qualifier{{Code: "off"}, {Code: "ff"}},
		Handlers: []Handler{
			{ID: "c_off", Subject: "c", Intent: "off"},
			{ID: "co_ff", Subject: "co", Intent: "ff"},
		},
	}
	r, err := NewRouter(v)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	d, err := r.Resolve("coff:x")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.HandlerID != "co_ff" {
		t.Fatalf("expected longest-first reading co+ff, got %s", d.HandlerID)
	}
}

func TestNewRouterRejectsInvalidVocabulary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		v    *Vocabulary
	}{
		{"upper-case code", &Vocabulary{Subjects: []Qualifier{{Code: "C"}}}},
		{"unknown handler subject", &Vocabulary{Handlers: []Handler{{ID: "x", Subject: "c"}}}},
		{"composite without qualifiers", &Vocabulary{Composites: []Composite{{Code: "x"}}}},
		{"duplicate handler qualifiers", &Vocabulary{
			Subjects: []Qualifier{{Code: "c"}},
			Handlers: []Handler{{ID: "a", Subject: "c"}, {ID: "b", Subject: "c"}},
		}},
	}
	for _, tt := range tests {
		if _, err := NewRouter(tt.v); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}
