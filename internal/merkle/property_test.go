package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func hashStrings(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		sum := sha256.Sum256([]byte(v))
		out[i] = hex.EncodeToString(sum[:])
	}
	return out
}

// Every proof produced by a tree verifies against that tree's root.
func TestPropertyProofsVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generated proofs always verify", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			hashes := hashStrings(values)
			tree, err := BuildFromHashes(hashes)
			if err != nil {
				return false
			}
			for i, h := range hashes {
				proof, err := tree.Proof(i)
				if err != nil || !Verify(h, proof, tree.RootHash()) {
					return false
				}
			}
			return tree.Validate() == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Building twice over the same hashes yields the same root.
func TestPropertyRootDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("root is a function of ordered leaves", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			hashes := hashStrings(values)
			a, errA := BuildFromHashes(hashes)
			b, errB := BuildFromHashes(hashes)
			if errA != nil || errB != nil {
				return false
			}
			return a.RootHash() == b.RootHash()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
