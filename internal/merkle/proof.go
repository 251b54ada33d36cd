package merkle

import (
	"errors"
	"fmt"
)

// Proof returns the sibling hashes from the leaf at position up to the root.
func (t *Tree) Proof(position int) ([]string, error) {
	if t == nil {
		return nil, ErrEmpty
	}
	if position < 0 || position >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf %d out of range", position)
	}

	proof := make([]string, 0)
	cur := t.Leaves[position]
	for steps := 0; t.Nodes[cur].Parent != none; steps++ {
		if steps >= len(t.Nodes) {
			return nil, errors.New("merkle: parent chain does not terminate")
		}
		parent := t.Nodes[cur].Parent
		if parent < 0 || parent >= len(t.Nodes) {
			return nil, fmt.Errorf("merkle: parent %d out of range", parent)
		}
		sibling := t.Nodes[parent].Left
		if sibling == cur {
			sibling = t.Nodes[parent].Right
		}
		if sibling < 0 || sibling >= len(t.Nodes) {
			return nil, fmt.Errorf("merkle: sibling %d out of range", sibling)
		}
		proof = append(proof, t.Nodes[sibling].Hash)
		cur = parent
	}
	if cur != t.Root {
		return nil, fmt.Errorf("merkle: leaf %d does not reach root", position)
	}
	return proof, nil
}

// ProofFor returns the proof for the leaf holding eventID.
func (t *Tree) ProofFor(eventID string) ([]string, error) {
	pos, ok := t.Position(eventID)
	if !ok {
		return nil, fmt.Errorf("merkle: event %s not in tree", eventID)
	}
	return t.Proof(pos)
}

// Verify folds proof over leaf and reports whether it reaches root.
// It applies the same pair rule and hash normalisation as Build, so a
// 0x prefix or upper case hex verifies like the form Build stores.
func Verify(leaf string, proof []string, root string) bool {
	current, err := normaliseHash(leaf)
	if err != nil {
		return false
	}
	want, err := normaliseHash(root)
	if err != nil {
		return false
	}
	for _, sibling := range proof {
		s, err := normaliseHash(sibling)
		if err != nil {
			return false
		}
		current = HashPair(current, s)
	}
	return current == want
}

// Validate rebuilds the tree from its recorded leaves and checks that every
// stored node matches. Stored trees are loaded from the database, so this is
// run before proofs are trusted.
func (t *Tree) Validate() error {
	if t == nil || len(t.Leaves) == 0 {
		return ErrEmpty
	}
	leaves := make([]Leaf, 0, len(t.Leaves))
	for _, idx := range t.Leaves {
		if idx < 0 || idx >= len(t.Nodes) {
			return fmt.Errorf("merkle: leaf index %d out of range", idx)
		}
		leaves = append(leaves, Leaf{Hash: t.Nodes[idx].Hash, EventID: t.Nodes[idx].EventID})
	}

	rebuilt, err := Build(leaves)
	if err != nil {
		return err
	}
	if len(rebuilt.Nodes) != len(t.Nodes) {
		return fmt.Errorf("merkle: node count %d, expected %d", len(t.Nodes), len(rebuilt.Nodes))
	}
	if rebuilt.Root != t.Root {
		return fmt.Errorf("merkle: root index %d, expected %d", t.Root, rebuilt.Root)
	}
	for i := range rebuilt.Nodes {
		if rebuilt.Nodes[i] != t.Nodes[i] {
			return fmt.Errorf("merkle: node %d does not match its recomputed value", i)
		}
	}
	return nil
}
