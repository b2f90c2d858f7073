// Package operator parses operator queries of the form "<prefix>:<value>" and
// routes them either to static knowledge (INTEL) or to an action handler
// (ACTION).
//
// A prefix is a concatenation of qualifier tokens drawn from three
// independent vocabularies (subject, jurisdiction, intent) plus composite
// tokens that stand for several qualifiers at once. "cukoff:Acme" reads as
// company + uk + officers with the value "Acme".
package operator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/pivot/pkg/common"
)

// Mode is the routing decision kind.
type Mode string

const (
	ModeIntel  Mode = "INTEL"
	ModeAction Mode = "ACTION"
)

// OperatorContext is a parsed query.
type OperatorContext struct {
	Query        string `json:"query"`
	Prefix       string `json:"prefix"`
	Subject      string `json:"subject,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Intent       string `json:"intent,omitempty"`
	Value        string `json:"value,omitempty"`
}

// HasValue reports whether the query carries a value to act on.
func (c OperatorContext) HasValue() bool {
	return c.Value != ""
}

// Topic is the static knowledge returned for a bare prefix.
type Topic struct {
	Prefix       string     `json:"prefix"`
	Subject      *Qualifier `json:"subject,omitempty"`
	Jurisdiction *Qualifier `json:"jurisdiction,omitempty"`
	Intent       *Qualifier `json:"intent,omitempty"`
	Handlers     []Handler  `json:"handlers"`
	Knowledge    []string   `json:"knowledge,omitempty"`
}

// RouteDecision is either Intel(topic) or Action(handler, value).
type RouteDecision struct {
	Mode         Mode   `json:"mode"`
	Topic        *Topic `json:"topic,omitempty"`
	HandlerID    string `json:"handler_id,omitempty"`
	Value        string `json:"value,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

type kind int

const (
	kindSubject kind = iota
	kindJurisdiction
	kindIntent
)

// combination is one candidate reading of a prefix.
type combination struct {
	subject      string
	jurisdiction string
	intent       string
}

func (c combination) specificity() int {
	switch {
	case c.subject != "" && c.jurisdiction != "":
		return 2
	case c.subject != "":
		return 1
	default:
		return 0
	}
}

// merge adds qualifiers to c. Each qualifier kind may be set only once.
func (c combination) merge(subject, jurisdiction, intent string) (combination, bool) {
	if (subject != "" && c.subject != "") ||
		(jurisdiction != "" && c.jurisdiction != "") ||
		(intent != "" && c.intent != "") {
		return c, false
	}
	if subject != "" {
		c.subject = subject
	}
	if jurisdiction != "" {
		c.jurisdiction = jurisdiction
	}
	if intent != "" {
		c.intent = intent
	}
	return c, true
}

type token struct {
	kind      kind
	composite *Composite
}

// Router classifies queries against a fixed vocabulary. It never calls
// adapters and holds no mutable state, so it is safe for concurrent use.
type Router struct {
	vocab         *Vocabulary
	tokens        map[string][]token
	maxToken      int
	subjects      map[string]Qualifier
	jurisdictions map[string]Qualifier
	intents       map[string]Qualifier
	handlers      map[string]Handler
}

// NewRouter validates the vocabulary and builds the token index.
func NewRouter(v *Vocabulary) (*Router, error) {
	r := &Router{
		vocab:         v,
		tokens:        make(map[string][]token),
		subjects:      make(map[string]Qualifier),
		jurisdictions: make(map[string]Qualifier),
		intents:       make(map[string]Qualifier),
		handlers:      make(map[string]Handler),
	}

	add := func(dst map[string]Qualifier, list []Qualifier, k kind, label string) error {
		for _, q := range list {
			if !isPrefixToken(q.Code) {
				return fmt.Errorf("%s code %q must be lower-case letters", label, q.Code)
			}
			if _, dup := dst[q.Code]; dup {
				return fmt.Errorf("%s code %q declared twice", label, q.Code)
			}
			dst[q.Code] = q
			r.addToken(q.Code, token{kind: k})
		}
		return nil
	}
	if err := add(r.subjects, v.Subjects, kindSubject, "subject"); err != nil {
		return nil, err
	}
	if err := add(r.jurisdictions, v.Jurisdictions, kindJurisdiction, "jurisdiction"); err != nil {
		return nil, err
	}
	if err := add(r.intents, v.Intents, kindIntent, "intent"); err != nil {
		return nil, err
	}

	for i := range v.Composites {
		c := &v.Composites[i]
		if !isPrefixToken(c.Code) {
			return nil, fmt.Errorf("composite code %q must be lower-case letters", c.Code)
		}
		if err := r.checkQualifiers(c.Subject, c.Jurisdiction, c.Intent); err != nil {
			return nil, fmt.Errorf("composite %q: %w", c.Code, err)
		}
		if c.Subject == "" && c.Jurisdiction == "" && c.Intent == "" {
			return nil, fmt.Errorf("composite %q encodes no qualifier", c.Code)
		}
		r.addToken(c.Code, token{composite: c})
	}

	for _, h := range v.Handlers {
		if h.ID == "" {
			return nil, fmt.Errorf("handler without id")
		}
		if _, dup := r.handlers[h.ID]; dup {
			return nil, fmt.Errorf("handler %q declared twice", h.ID)
		}
		if h.Subject == "" {
			return nil, fmt.Errorf("handler %q has no subject", h.ID)
		}
		if err := r.checkQualifiers(h.Subject, h.Jurisdiction, h.Intent); err != nil {
			return nil, fmt.Errorf("handler %q: %w", h.ID, err)
		}
		for _, other := range r.handlers {
			if other.Subject == h.Subject && other.Jurisdiction == h.Jurisdiction && other.Intent == h.Intent {
				return nil, fmt.Errorf("handlers %q and %q share the same qualifiers", other.ID, h.ID)
			}
		}
		r.handlers[h.ID] = h
	}

	return r, nil
}

// NewDefaultRouter builds a router over the embedded vocabulary.
func NewDefaultRouter() (*Router, error) {
	v, err := DefaultVocabulary()
	if err != nil {
		return nil, err
	}
	return NewRouter(v)
}

func (r *Router) addToken(code string, t token) {
	r.tokens[code] = append(r.tokens[code], t)
	if len(code) > r.maxToken {
		r.maxToken = len(code)
	}
}

func (r *Router) checkQualifiers(subject, jurisdiction, intent string) error {
	if _, ok := r.subjects[subject]; subject != "" && !ok {
		return fmt.Errorf("unknown subject %q", subject)
	}
	if _, ok := r.jurisdictions[jurisdiction]; jurisdiction != "" && !ok {
		return fmt.Errorf("unknown jurisdiction %q", jurisdiction)
	}
	if _, ok := r.intents[intent]; intent != "" && !ok {
		return fmt.Errorf("unknown intent %q", intent)
	}
	return nil
}

func isPrefixToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

// Version returns the vocabulary version.
func (r *Router) Version() string {
	return r.vocab.Version
}

// Handlers returns every declared handler in declaration order.
func (r *Router) Handlers() []Handler {
	return slices.Clone(r.vocab.Handlers)
}

// SubjectClass maps a subject letter to the node class its values belong to.
func (r *Router) SubjectClass(code string) (common.NodeClass, bool) {
	q, ok := r.subjects[code]
	if !ok {
		return "", false
	}
	class := common.NodeClass(q.Name)
	return class, class.Valid()
}

// Jurisdiction looks up a declared jurisdiction code.
func (r *Router) Jurisdiction(code string) (Qualifier, bool) {
	q, ok := r.jurisdictions[strings.ToLower(code)]
	return q, ok
}

// Handler looks up a handler by id.
func (r *Router) Handler(id string) (Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// Parse splits a query into prefix and value and resolves the prefix to a
// qualifier combination.
func (r *Router) Parse(query string) (OperatorContext, error) {
	prefix, value, ok := strings.Cut(query, ":")
	if !ok {
		return OperatorContext{}, &common.MalformedOperatorError{Query: query, Reason: "missing ':' separator"}
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	value = strings.TrimSpace(value)
	if !isPrefixToken(prefix) {
		return OperatorContext{}, &common.MalformedOperatorError{Query: query, Reason: "prefix must consist of letters only"}
	}

	best, found := combination{}, false
	for _, c := range r.segment(prefix) {
		if !r.accepts(c, value != "") {
			continue
		}
		if !found || c.specificity() > best.specificity() {
			best, found = c, true
		}
	}
	if !found {
		return OperatorContext{}, &common.MalformedOperatorError{
			Query:  query,
			Reason: fmt.Sprintf("prefix %q matches no declared combination", prefix),
		}
	}

	return OperatorContext{
		Query:        query,
		Prefix:       prefix,
		Subject:      best.subject,
		Jurisdiction: best.jurisdiction,
		Intent:       best.intent,
		Value:        value,
	}, nil
}

// segment returns every complete reading of prefix, longest tokens first.
func (r *Router) segment(prefix string) []combination {
	var out []combination
	var walk func(pos int, cur combination)
	walk = func(pos int, cur combination) {
		if pos == len(prefix) {
			out = append(out, cur)
			return
		}
		for l := min(r.maxToken, len(prefix)-pos); l > 0; l-- {
			for _, t := range r.tokens[prefix[pos:pos+l]] {
				code := prefix[pos : pos+l]
				var next combination
				var ok bool
				switch {
				case t.composite != nil:
					next, ok = cur.merge(t.composite.Subject, t.composite.Jurisdiction, t.composite.Intent)
				case t.kind == kindSubject:
					next, ok = cur.merge(code, "", "")
				case t.kind == kindJurisdiction:
					next, ok = cur.merge("", code, "")
				default:
					next, ok = cur.merge("", "", code)
				}
				if ok {
					walk(pos+l, next)
				}
			}
		}
	}
	walk(0, combination{})
	return out
}

// accepts reports whether a combination is declared: an action needs a
// resolvable handler, a bare prefix needs at least one compatible handler.
func (r *Router) accepts(c combination, action bool) bool {
	if action {
		_, ok := r.resolve(c)
		return ok
	}
	return len(r.compatible(c)) > 0
}

// resolve finds the handler for an action. A handler for the exact
// jurisdiction wins over a global one.
func (r *Router) resolve(c combination) (Handler, bool) {
	if c.subject == "" {
		return Handler{}, false
	}
	var global *Handler
	for i := range r.vocab.Handlers {
		h := &r.vocab.Handlers[i]
		if h.Subject != c.subject || h.Intent != c.intent {
			continue
		}
		if h.Jurisdiction == c.jurisdiction {
			return *h, true
		}
		if h.Jurisdiction == "" && global == nil {
			global = h
		}
	}
	if global != nil {
		return *global, true
	}
	return Handler{}, false
}

// compatible lists handlers whose qualifiers agree with every qualifier set
// on c. Global handlers are compatible with any jurisdiction.
func (r *Router) compatible(c combination) []Handler {
	var out []Handler
	for _, h := range r.vocab.Handlers {
		if c.subject != "" && h.Subject != c.subject {
			continue
		}
		if c.jurisdiction != "" && h.Jurisdiction != c.jurisdiction && h.Jurisdiction != "" {
			continue
		}
		if c.intent != "" && h.Intent != c.intent {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Route decides between INTEL and ACTION. It performs no I/O.
func (r *Router) Route(ctx OperatorContext) (RouteDecision, error) {
	c := combination{subject: ctx.Subject, jurisdiction: ctx.Jurisdiction, intent: ctx.Intent}

	if ctx.HasValue() {
		h, ok := r.resolve(c)
		if !ok {
			return RouteDecision{}, &common.MalformedOperatorError{
				Query:  ctx.Query,
				Reason: "no handler is declared for this combination",
			}
		}
		return RouteDecision{
			Mode:         ModeAction,
			HandlerID:    h.ID,
			Value:        ctx.Value,
			Jurisdiction: ctx.Jurisdiction,
		}, nil
	}

	return RouteDecision{Mode: ModeIntel, Topic: r.topic(ctx.Prefix, c)}, nil
}

// Resolve parses and routes in one step.
func (r *Router) Resolve(query string) (RouteDecision, error) {
	ctx, err := r.Parse(query)
	if err != nil {
		return RouteDecision{}, err
	}
	return r.Route(ctx)
}

func (r *Router) topic(prefix string, c combination) *Topic {
	t := &Topic{Prefix: prefix, Handlers: r.compatible(c)}
	if q, ok := r.subjects[c.subject]; ok {
		t.Subject = &q
		t.Knowledge = append(t.Knowledge, q.Knowledge...)
	}
	if q, ok := r.jurisdictions[c.jurisdiction]; ok {
		t.Jurisdiction = &q
		t.Knowledge = append(t.Knowledge, q.Knowledge...)
	}
	if q, ok := r.intents[c.intent]; ok {
		t.Intent = &q
		t.Knowledge = append(t.Knowledge, q.Knowledge...)
	}
	for _, h := range t.Handlers {
		t.Knowledge = append(t.Knowledge, h.DeadEnds...)
	}
	if t.Handlers == nil {
		t.Handlers = []Handler{}
	}
	return t
}
