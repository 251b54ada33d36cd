// Package merkle builds write-once binary Merkle trees over content hashes and
// produces inclusion proofs for them.
//
// Pair hashing is order-independent: the two child hashes are concatenated as
// lowercase hex strings with the lexicographically smaller one first, and the
// result is hashed with SHA-256. A node left without a partner at the end of a
// level is promoted to the next level unchanged. A single leaf is its own root.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const none = -1

// ErrEmpty is returned when building a tree without leaves.
var ErrEmpty = errors.New("merkle: no leaves")

// Node is one entry of the tree arena. Leaves have Left and Right set to -1.
type Node struct {
	Hash    string `json:"hash"`
	Left    int    `json:"left"`
	Right   int    `json:"right"`
	Parent  int    `json:"parent"`
	EventID string `json:"event_id,omitempty"`
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool {
	return n.Left == none && n.Right == none
}

// Tree stores every node in a flat slice addressed by index.
type Tree struct {
	Root   int    `json:"root"`
	Leaves []int  `json:"leaves"`
	Nodes  []Node `json:"nodes"`
}

// Leaf is an input to Build.
type Leaf struct {
	Hash    string
	EventID string
}

// Build constructs a tree over leaves in the given order.
func Build(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}

	t := &Tree{
		Leaves: make([]int, 0, len(leaves)),
		Nodes:  make([]Node, 0, 2*len(leaves)-1),
	}
	level := make([]int, 0, len(leaves))
	for i, leaf := range leaves {
		h, err := normaliseHash(leaf.Hash)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		idx := len(t.Nodes)
		t.Nodes = append(t.Nodes, Node{Hash: h, Left: none, Right: none, Parent: none, EventID: leaf.EventID})
		t.Leaves = append(t.Leaves, idx)
		level = append(level, idx)
	}

	for len(level) > 1 {
		next := make([]int, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			left, right := level[i], level[i+1]
			idx := len(t.Nodes)
			t.Nodes = append(t.Nodes, Node{
				Hash:   HashPair(t.Nodes[left].Hash, t.Nodes[right].Hash),
				Left:   left,
				Right:  right,
				Parent: none,
			})
			t.Nodes[left].Parent = idx
			t.Nodes[right].Parent = idx
			next = append(next, idx)
		}
		if len(level)%2 == 1 {
			// promoted as-is, no duplication
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	t.Root = level[0]

	return t, nil
}

// BuildFromHashes builds a tree from bare hashes.
func BuildFromHashes(hashes []string) (*Tree, error) {
	leaves := make([]Leaf, len(hashes))
	for i, h := range hashes {
		leaves[i] = Leaf{Hash: h}
	}
	return Build(leaves)
}

// HashPair combines two child hashes in canonical order.
func HashPair(a, b string) string {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + b))
	return hex.EncodeToString(sum[:])
}

// RootHash returns the hash of the root node.
func (t *Tree) RootHash() string {
	if t == nil || t.Root < 0 || t.Root >= len(t.Nodes) {
		return ""
	}
	return t.Nodes[t.Root].Hash
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	if t == nil {
		return 0
	}
	return len(t.Leaves)
}

// EventIDs returns the event id of every leaf in order.
func (t *Tree) EventIDs() []string {
	ids := make([]string, 0, t.Size())
	for _, idx := range t.Leaves {
		ids = append(ids, t.Nodes[idx].EventID)
	}
	return ids
}

// LeafHashes returns the leaf hashes in order.
func (t *Tree) LeafHashes() []string {
	hashes := make([]string, 0, t.Size())
	for _, idx := range t.Leaves {
		hashes = append(hashes, t.Nodes[idx].Hash)
	}
	return hashes
}

// Position returns the leaf position of eventID.
func (t *Tree) Position(eventID string) (int, bool) {
	if t == nil || eventID == "" {
		return 0, false
	}
	for pos, idx := range t.Leaves {
		if t.Nodes[idx].EventID == eventID {
			return pos, true
		}
	}
	return 0, false
}

// DuplicateHashes lists leaf hashes that appear more than once.
func (t *Tree) DuplicateHashes() []string {
	seen := make(map[string]int, t.Size())
	var dups []string
	for _, h := range t.LeafHashes() {
		seen[h]++
		if seen[h] == 2 {
			dups = append(dups, h)
		}
	}
	return dups
}

func normaliseHash(h string) (string, error) {
	h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "0x")
	if h == "" {
		return "", fmt.Errorf("merkle: empty hash")
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("merkle: invalid hash %q: %w", h, err)
	}
	return h, nil
}
