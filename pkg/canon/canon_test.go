package canon

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	b, err := Canonicalize(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(b))
}

func TestCanonicalizeStructTags(t *testing.T) {
	type rec struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	b, err := Canonicalize(rec{B: "two", A: "one"})
	require.NoError(t, err)
	require.Equal(t, `{"a":"one","b":"two"}`, string(b))
}

func TestCanonicalizeNoHTMLEscape(t *testing.T) {
	b, err := Canonicalize(map[string]any{"s": "<a>&</a>"})
	require.NoError(t, err)
	require.Equal(t, `{"s":"<a>&</a>"}`, string(b))
}

func TestCanonicalizeNFC(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9.
	composed := "é"
	decomposed := "é"
	h1, err := Hash(map[string]any{"k": composed})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"k": decomposed})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCanonicalizeDepthBudget(t *testing.T) {
	e := New(Limits{MaxDepth: 4, MaxNodes: 1000})
	deep := any("leaf")
	for i := 0; i < 10; i++ {
		deep = []any{deep}
	}
	_, err := e.Canonicalize(deep)
	require.Error(t, err)
	require.Contains(t, err.Error(), "depth budget")
}

func TestCanonicalizeNodeBudget(t *testing.T) {
	e := New(Limits{MaxDepth: 10, MaxNodes: 5})
	wide := make([]any, 50)
	for i := range wide {
		wide[i] = i
	}
	_, err := e.Canonicalize(wide)
	require.Error(t, err)
	require.Contains(t, err.Error(), "node budget")
}

func TestCanonicalizeUnsupportedType(t *testing.T) {
	_, err := Canonicalize(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestHashPrefix(t *testing.T) {
	h, err := Hash(map[string]any{"x": 1})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(h, "sha256:"))
	require.Len(t, h, len("sha256:")+64)
}

func TestHashStable(t *testing.T) {
	v := map[string]any{"a": []any{1, 2, 3}, "b": map[string]any{"c": "d"}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

// Property: hashing is independent of map construction order.
func TestHashOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical logical maps hash identically", prop.ForAll(
		func(keys []string, values []int64) bool {
			// Drawn keys may repeat; keep the first occurrence so both
			// insertion orders build the same logical map.
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			uniq := make([]string, 0, n)
			vals := make(map[string]int64, n)
			for i := 0; i < n; i++ {
				if _, dup := vals[keys[i]]; dup {
					continue
				}
				vals[keys[i]] = values[i]
				uniq = append(uniq, keys[i])
			}

			forward := make(map[string]any)
			reverse := make(map[string]any)
			for i := 0; i < len(uniq); i++ {
				forward[uniq[i]] = vals[uniq[i]]
			}
			for i := len(uniq) - 1; i >= 0; i-- {
				reverse[uniq[i]] = vals[uniq[i]]
			}
			h1, err1 := Hash(forward)
			h2, err2 := Hash(reverse)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
