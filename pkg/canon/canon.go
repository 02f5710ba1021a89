// Package canon provides deterministic, order-independent serialization of
// structured records plus SHA-256 content hashing.
//
// Canonical form is RFC 8785 (JSON Canonicalization Scheme): object keys
// sorted lexicographically by UTF-8 bytes at every level, no HTML escaping,
// a single unambiguous number encoding. On top of that, strings and object
// keys are NFC normalized, and the traversal is bounded by explicit depth
// and node budgets so adversarially deep input cannot exhaust the stack.
//
// Two logically identical records canonicalize to identical bytes
// regardless of construction order; this is what makes independent
// re-derivation during replay meaningful.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Limits bound the encoder's tree walk.
type Limits struct {
	MaxDepth int
	MaxNodes int
}

// DefaultLimits are generous for kernel records while still rejecting
// adversarially deep or wide input.
var DefaultLimits = Limits{MaxDepth: 64, MaxNodes: 1 << 20}

// Encoder canonicalizes structured values under fixed limits. The zero
// value is not usable; construct with New or use the package-level
// functions, which share a default encoder.
type Encoder struct {
	limits Limits
}

// New returns an encoder with the given limits.
func New(limits Limits) *Encoder {
	return &Encoder{limits: limits}
}

var defaultEncoder = New(DefaultLimits)

// Canonicalize returns the canonical byte representation of v.
//
// v is first marshaled through encoding/json (so struct tags apply), then
// decoded generically with json.Number to preserve exact numerals, walked
// iteratively under the depth/node budget with NFC normalization, and
// finally transformed to RFC 8785 form. Encoding an unsupported value type
// (channels, functions, cyclic data) is a programming error and fails
// immediately; nothing is silently coerced.
func (e *Encoder) Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: unsupported value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: intermediate decode: %w", err)
	}

	if err := e.inspect(generic); err != nil {
		return nil, err
	}

	normalized := normalize(generic)
	plain, err := marshalNoEscape(normalized)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	out, err := jcs.Transform(plain)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:<hex>" over the canonical form of v.
func (e *Encoder) Hash(v any) (string, error) {
	b, err := e.Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Canonicalize canonicalizes v with the default limits.
func Canonicalize(v any) ([]byte, error) { return defaultEncoder.Canonicalize(v) }

// Hash hashes v with the default limits.
func Hash(v any) (string, error) { return defaultEncoder.Hash(v) }

// HashBytes returns "sha256:<hex>" over raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type frame struct {
	value any
	depth int
}

// inspect walks the decoded tree with an explicit stack, enforcing the
// depth and node budgets before any recursive work happens. After a
// successful inspection the normalize pass cannot exceed the budgets.
func (e *Encoder) inspect(root any) error {
	stack := []frame{{value: root, depth: 1}}
	nodes := 0

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		nodes++
		if nodes > e.limits.MaxNodes {
			return fmt.Errorf("canon: node budget exceeded (%d)", e.limits.MaxNodes)
		}
		if f.depth > e.limits.MaxDepth {
			return fmt.Errorf("canon: depth budget exceeded (%d)", e.limits.MaxDepth)
		}

		switch t := f.value.(type) {
		case nil, bool, string, json.Number:
			// scalar
		case []any:
			for _, elem := range t {
				stack = append(stack, frame{value: elem, depth: f.depth + 1})
			}
		case map[string]any:
			for _, elem := range t {
				stack = append(stack, frame{value: elem, depth: f.depth + 1})
			}
		default:
			return fmt.Errorf("canon: unsupported type %T", f.value)
		}
	}
	return nil
}

// normalize applies NFC to strings and object keys. Depth is already
// bounded by inspect, so plain recursion here is safe.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return v
	}
}

// marshalNoEscape marshals without HTML escaping, as RFC 8785 requires.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
