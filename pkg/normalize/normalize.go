// Package normalize turns raw lookup values into canonical values and
// content-addressed node IDs. Two values that normalize to the same canonical
// value always produce the same node ID, regardless of which source produced
// them.
package normalize

import (
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/pivot/pkg/common"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// nodeNamespace scopes node IDs so they never collide with UUIDs minted for
// other purposes.
var nodeNamespace = uuid.MustParse("6f1c2a7e-4b8d-5e3a-9c21-7d4f0b8e2a61")

// foldTable holds letters that do not decompose into a base letter plus a
// combining mark under NFD.
var foldTable = map[rune]string{
	'ß': "ss",
	'ẞ': "ss",
	'æ': "ae",
	'Æ': "ae",
	'œ': "oe",
	'Œ': "oe",
	'ø': "o",
	'Ø': "o",
	'ł': "l",
	'Ł': "l",
	'đ': "d",
	'Đ': "d",
	'ð': "d",
	'Ð': "d",
	'þ': "th",
	'Þ': "th",
	'ı': "i",
}

// legalSuffixes are trailing company-form tokens removed from company names.
var legalSuffixes = map[string]struct{}{
	"ltd": {}, "limited": {}, "inc": {}, "incorporated": {}, "corp": {},
	"corporation": {}, "llc": {}, "llp": {}, "lp": {}, "plc": {}, "gmbh": {},
	"mbh": {}, "ag": {}, "kg": {}, "kgaa": {}, "ohg": {}, "ug": {}, "co": {},
	"company": {}, "sa": {}, "sarl": {}, "sas": {}, "bv": {}, "nv": {},
	"srl": {}, "spa": {}, "oy": {}, "ab": {}, "as": {}, "aps": {}, "pty": {},
	"pte": {}, "kft": {}, "sro": {}, "se": {}, "ev": {},
}

// FoldDiacritics maps accented letters to their unaccented base form.
func FoldDiacritics(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if repl, ok := foldTable[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, b.String())
	if err != nil {
		return b.String()
	}
	return folded
}

// Normalize is the generic name normalization: diacritics folded, lower-cased,
// dots and apostrophes dropped, other punctuation treated as whitespace and
// whitespace collapsed.
func Normalize(value string) string {
	value = strings.ToLower(FoldDiacritics(value))

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r == '.' || r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// CompanyName normalizes a company name and strips trailing legal-form tokens.
// At least one token is always kept, so "Limited Ltd" stays "limited".
func CompanyName(value string) string {
	tokens := strings.Fields(Normalize(value))
	for len(tokens) > 1 {
		if _, ok := legalSuffixes[tokens[len(tokens)-1]]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// Email lower-cases and trims an email address.
func Email(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.TrimPrefix(value, "mailto:")
	return value
}

// Phone keeps digits and a leading plus sign.
func Phone(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for i, r := range value {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Domain strips schemes, paths, a leading "www." and trailing dots.
func Domain(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(value, "://"); idx != -1 {
		value = value[idx+3:]
	}
	if idx := strings.IndexAny(value, "/?#"); idx != -1 {
		value = value[:idx]
	}
	value = strings.TrimPrefix(value, "www.")
	return strings.TrimSuffix(value, ".")
}

// Identifier keeps letters and digits only, lower-cased, so "01234567" and
// "0123 4567" compare equal.
func Identifier(value string) string {
	value = strings.ToLower(FoldDiacritics(value))
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Username lower-cases and drops a leading "@".
func Username(value string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "@")
}

// IdentityKey returns the class-specific normalized form of value without any
// discriminator. Nodes sharing an identity key are disambiguation candidates.
func IdentityKey(class common.NodeClass, value string) string {
	switch class {
	case common.ClassCompany:
		return CompanyName(value)
	case common.ClassEmail:
		return Email(value)
	case common.ClassPhone:
		return Phone(value)
	case common.ClassDomain:
		return Domain(value)
	case common.ClassIdentifier:
		return Identifier(value)
	case common.ClassUsername:
		return Username(value)
	default:
		return Normalize(value)
	}
}

// Canonical returns the canonical value of a fact. A discriminator separates
// entities that share a name, e.g. two officers called John Smith with
// different registry officer IDs.
func Canonical(class common.NodeClass, value, discriminator string) string {
	key := IdentityKey(class, value)
	if d := Identifier(discriminator); d != "" {
		return key + "#" + d
	}
	return key
}

// NodeID derives the node ID from class and canonical value.
func NodeID(class common.NodeClass, canonical string) string {
	return uuid.NewSHA1(nodeNamespace, []byte(string(class)+"\x1f"+canonical)).String()
}

// Ref resolves an EntityRef into its canonical value, identity key and ID.
func Ref(ref common.EntityRef) (id, canonical, key string) {
	key = IdentityKey(ref.Class, ref.Value)
	canonical = Canonical(ref.Class, ref.Value, ref.Discriminator)
	return NodeID(ref.Class, canonical), canonical, key
}
