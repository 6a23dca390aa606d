// Package admission verifies allowlist membership with Merkle proofs.
//
// Leaves are keccak256(address). Interior nodes hash the two children in
// ascending byte order, so a proof is just the list of sibling hashes and
// the verifier never needs left/right flags.
package admission

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrAlreadyUsed is returned when an address already consumed its admission.
	ErrAlreadyUsed = errors.New("admission: already used")

	// ErrInvalidProof is returned when a proof does not lead to any accepted root.
	ErrInvalidProof = errors.New("admission: invalid proof")

	// ErrEmptyList is returned when building a tree with no addresses.
	ErrEmptyList = errors.New("admission: address list is empty")

	// ErrNotListed is returned when asking for a proof of an address outside the tree.
	ErrNotListed = errors.New("admission: address not in list")
)

// Leaf returns the leaf hash committed for an address.
func Leaf(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes())
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Verify recomputes the root from addr and proof and compares it to root.
// A zero root never verifies.
func Verify(root common.Hash, proof []common.Hash, addr common.Address) bool {
	if root == (common.Hash{}) {
		return false
	}
	node := Leaf(addr)
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

// Admit applies the admission rule for one list: an address that already
// used its admission is rejected before its proof is looked at, otherwise
// the proof must verify against at least one of roots.
func Admit(used bool, proof []common.Hash, addr common.Address, roots ...common.Hash) error {
	if used {
		return ErrAlreadyUsed
	}
	for _, root := range roots {
		if Verify(root, proof, addr) {
			return nil
		}
	}
	return ErrInvalidProof
}

// Tree is a sorted-pair Merkle tree over a set of addresses. An odd node at
// the end of a level is carried up unchanged.
type Tree struct {
	levels [][]common.Hash
	index  map[common.Hash]int
}

// NewTree builds a tree over addrs. Duplicates are ignored.
func NewTree(addrs []common.Address) (*Tree, error) {
	if len(addrs) == 0 {
		return nil, ErrEmptyList
	}

	seen := make(map[common.Hash]struct{}, len(addrs))
	leaves := make([]common.Hash, 0, len(addrs))
	for _, a := range addrs {
		l := Leaf(a)
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		leaves = append(leaves, l)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})

	t := &Tree{
		levels: [][]common.Hash{leaves},
		index:  make(map[common.Hash]int, len(leaves)),
	}
	for i, l := range leaves {
		t.index[l] = i
	}

	for level := leaves; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of distinct addresses in the tree.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Proof returns the sibling path for addr.
func (t *Tree) Proof(addr common.Address) ([]common.Hash, error) {
	i, ok := t.index[Leaf(addr)]
	if !ok {
		return nil, ErrNotListed
	}

	var proof []common.Hash
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		i /= 2
	}
	return proof, nil
}
