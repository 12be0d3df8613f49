// Package fingerprint produces the stable signature, comparison id, and
// baseline filename that identify a screenshot's observed variant.
package fingerprint

import (
	"encoding/base32"
	"errors"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// idLength is the fixed width of a comparison id. Changing it would
// silently invalidate every comparison id already handed out to a
// running reviewer, so it is a named constant, not a tunable.
const idLength = 12

var ErrEmptyName = errors.New("fingerprint: name is empty")

// Value is the typed variant a property bag holds: string, number, or
// bool. The zero Value holds no variant and renders as "unknown" in a
// signature.
type Value struct {
	kind byte // 's' string, 'n' number, 'b' bool
	s    string
	n    float64
	b    bool
}

func String(s string) Value { return Value{kind: 's', s: s} }
func Number(n float64) Value { return Value{kind: 'n', n: n} }
func Bool(b bool) Value      { return Value{kind: 'b', b: b} }

// quote renders a Value the way it participates in a signature: strings
// trimmed, numbers locale-free, bools as true/false.
func (v Value) quote() string {
	switch v.kind {
	case 's':
		return strings.TrimSpace(v.s)
	case 'n':
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case 'b':
		if v.b {
			return `true`
		}
		return `false`
	}
	return `unknown`
}

// Properties is the sanitised-key -> typed-value bag attached to one
// screenshot observation. Unknown keys (not in the signature order)
// pass through untouched but never affect the signature.
type Properties map[string]Value

// Signature computes the deterministic identifier `name|v1|v2|...` for
// name and the ordered signature properties found in props. A missing
// value for an ordered key becomes the literal "unknown".
func Signature(name string, props Properties, order []string) (string, error) {
	if name == `` {
		return ``, ErrEmptyName
	}
	parts := make([]string, 0, len(order)+1)
	parts = append(parts, name)
	for _, key := range order {
		if v, ok := props[key]; ok {
			parts = append(parts, v.quote())
		} else {
			parts = append(parts, `unknown`)
		}
	}
	return strings.Join(parts, `|`), nil
}

// base32NoPad is the documented encoding behind ComparisonID: lowercase
// base32, no padding, truncated/extended to a fixed width. Any change to
// this encoding is a filename-breaking migration (spec §9) and must
// never happen silently.
var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// ComparisonID returns a short, URL-safe, stable identifier for a
// signature: the lower 8 bytes of xxhash64(signature), base32-encoded
// and truncated/padded to idLength characters. xxhash64 is a
// non-cryptographic but well-distributed hash; collisions between
// distinct signatures are treated as a programming error per spec §4.A.
func ComparisonID(signature string) string {
	sum := xxhash.Sum64String(signature)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (8 * (7 - i)))
	}
	enc := strings.ToLower(base32NoPad.EncodeToString(buf[:]))
	if len(enc) >= idLength {
		return enc[:idLength]
	}
	return (enc + strings.Repeat("0", idLength))[:idLength]
}

// BaselineFilename returns the content-addressed PNG filename for name
// and signature. Callers must never append another ".png" suffix.
func BaselineFilename(name, signature string) string {
	return name + `_` + ComparisonID(signature) + `.png`
}

var ErrInvalidPropertyType = errors.New("fingerprint: property value is not string/number/bool")

// normalizeKey maps documented shorthand keys to their canonical
// underscore form, e.g. "viewport.width" -> "viewport_width" (spec
// §4.G step 3).
func normalizeKey(k string) string {
	return strings.ReplaceAll(k, `.`, `_`)
}

// BuildProperties converts a caller-supplied, JSON-decoded property bag
// (string/float64/bool values, as produced by encoding/json) into a
// typed Properties map, normalising shorthand keys along the way.
// Unknown/unsupported value types are rejected; per spec §4.G step 2
// this is a warn-and-continue condition for the caller, not a hard
// failure of the whole request.
func BuildProperties(raw map[string]interface{}) (Properties, error) {
	out := make(Properties, len(raw))
	var firstErr error
	for k, v := range raw {
		key := normalizeKey(k)
		switch val := v.(type) {
		case string:
			out[key] = String(val)
		case float64:
			out[key] = Number(val)
		case bool:
			out[key] = Bool(val)
		default:
			if firstErr == nil {
				firstErr = ErrInvalidPropertyType
			}
		}
	}
	if firstErr != nil {
		return Properties{}, firstErr
	}
	return out, nil
}

// Stringify renders every value in props through the same quoting rule
// used by Signature, for storage in a baseline entry's Properties map.
func Stringify(props Properties) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v.quote()
	}
	return out
}
