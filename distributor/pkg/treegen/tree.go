// Package treegen turns stake metadata into per-validator merkle trees with a proof for
// every claimant.
package treegen

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/merkle"
	"github.com/malbeclabs/mevdist/distributor/pkg/stakemeta"
)

var (
	ErrDuplicateClaimant = errors.New("duplicate claimant")
	ErrNothingToClaim    = errors.New("validator has nothing to claim")
	ErrTreeMismatch      = errors.New("tree does not match its claims")
)

// TreeNode is one claim entry with its proof.
type TreeNode struct {
	Claimant  solana.PublicKey `json:"claimant"`
	Amount    uint64           `json:"amount"`
	LeafIndex uint64           `json:"leaf_index"`
	Proof     []merkle.Hash    `json:"proof"`
}

func (n *TreeNode) Leaf() merkle.Hash {
	return merkle.LeafHash(n.Claimant, n.Amount, n.LeafIndex)
}

// Verify checks the node's proof against root.
func (n *TreeNode) Verify(root merkle.Hash) bool {
	return merkle.Verify(root, n.Leaf(), n.LeafIndex, n.Proof)
}

// GeneratedMerkleTree is one validator's tree for an epoch.
type GeneratedMerkleTree struct {
	ValidatorVoteAccount solana.PublicKey `json:"validator_vote_account"`
	DistributionAccount  solana.PublicKey `json:"distribution_account"`
	MerkleRoot           merkle.Hash      `json:"merkle_root"`
	MaxTotalClaim        uint64           `json:"max_total_claim"`
	MaxNumNodes          uint64           `json:"max_num_nodes"`
	Nodes                []TreeNode       `json:"tree_nodes"`
}

// Node returns the entry for claimant.
func (t *GeneratedMerkleTree) Node(claimant solana.PublicKey) (*TreeNode, bool) {
	i := sort.Search(len(t.Nodes), func(i int) bool {
		return bytes.Compare(t.Nodes[i].Claimant[:], claimant[:]) >= 0
	})
	if i < len(t.Nodes) && t.Nodes[i].Claimant == claimant {
		return &t.Nodes[i], true
	}
	return nil, false
}

type claim struct {
	claimant solana.PublicKey
	amount   uint64
}

// Build computes the tree for one validator. Claimants are the validator vote account for
// its cut and each stake account for its tip; zero amounts are left out. Leaf indices follow
// ascending claimant key order.
func Build(meta *stakemeta.StakeMeta) (*GeneratedMerkleTree, error) {
	var claims []claim
	if meta.ValidatorCutLamports > 0 {
		claims = append(claims, claim{claimant: meta.ValidatorVoteAccount, amount: meta.ValidatorCutLamports})
	}
	for _, d := range meta.Delegations {
		if d.TipAmount > 0 {
			claims = append(claims, claim{claimant: d.StakeAccount, amount: d.TipAmount})
		}
	}
	if len(claims) == 0 {
		return nil, ErrNothingToClaim
	}
	return buildFromClaims(meta.ValidatorVoteAccount, meta.DistributionAccount, claims)
}

func buildFromClaims(validator, distribution solana.PublicKey, claims []claim) (*GeneratedMerkleTree, error) {
	sort.Slice(claims, func(i, j int) bool {
		return bytes.Compare(claims[i].claimant[:], claims[j].claimant[:]) < 0
	})

	leaves := make([]merkle.Hash, len(claims))
	var total uint64
	for i, c := range claims {
		if i > 0 && claims[i-1].claimant == c.claimant {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClaimant, c.claimant)
		}
		if total+c.amount < total {
			return nil, &stakemeta.ArithmeticOverflowError{Validator: validator, Op: "max total claim"}
		}
		total += c.amount
		leaves[i] = merkle.LeafHash(c.claimant, c.amount, uint64(i))
	}

	tree, err := merkle.New(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to build tree: %w", err)
	}

	out := &GeneratedMerkleTree{
		ValidatorVoteAccount: validator,
		DistributionAccount:  distribution,
		MerkleRoot:           tree.Root(),
		MaxTotalClaim:        total,
		MaxNumNodes:          uint64(len(claims)),
		Nodes:                make([]TreeNode, len(claims)),
	}
	for i, c := range claims {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, fmt.Errorf("failed to build proof for %s: %w", c.claimant, err)
		}
		if proof == nil {
			proof = []merkle.Hash{}
		}
		out.Nodes[i] = TreeNode{Claimant: c.claimant, Amount: c.amount, LeafIndex: uint64(i), Proof: proof}
	}
	return out, nil
}

// Verify rebuilds the tree from its claims and checks root, totals and every proof.
func (t *GeneratedMerkleTree) Verify() error {
	claims := make([]claim, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.LeafIndex != uint64(i) {
			return fmt.Errorf("%w: node %s has leaf index %d at position %d", ErrTreeMismatch, n.Claimant, n.LeafIndex, i)
		}
		claims[i] = claim{claimant: n.Claimant, amount: n.Amount}
	}
	if len(claims) == 0 {
		return fmt.Errorf("%w: no nodes", ErrTreeMismatch)
	}
	rebuilt, err := buildFromClaims(t.ValidatorVoteAccount, t.DistributionAccount, claims)
	if err != nil {
		return err
	}
	if rebuilt.MerkleRoot != t.MerkleRoot {
		return fmt.Errorf("%w: root %s, rebuilt %s", ErrTreeMismatch, t.MerkleRoot, rebuilt.MerkleRoot)
	}
	if rebuilt.MaxTotalClaim != t.MaxTotalClaim || rebuilt.MaxNumNodes != t.MaxNumNodes {
		return fmt.Errorf("%w: totals (%d, %d), rebuilt (%d, %d)", ErrTreeMismatch, t.MaxTotalClaim, t.MaxNumNodes, rebuilt.MaxTotalClaim, rebuilt.MaxNumNodes)
	}
	for i := range t.Nodes {
		if !t.Nodes[i].Verify(t.MerkleRoot) {
			return fmt.Errorf("%w: proof for %s", merkle.ErrInvalidProof, t.Nodes[i].Claimant)
		}
	}
	return nil
}
