// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package graph implements the HeaderGraph: the in-memory tree of all
// known block headers, the materialized longest-work chain, invalid-block
// quarantine and branch pruning.
package graph

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"

	"github.com/matrm/block-headers-client-go/header"
)

var log = loggo.GetLogger("graph")

// ErrGenesisMismatch is returned by New when a caller-provided genesis
// header does not match what the graph was already seeded with.
var ErrGenesisMismatch = errors.New("graph: genesis mismatch")

// Node is one vertex of the header graph: a known header plus the
// derived height and cumulative work along the unique path from genesis.
// Node never holds a pointer to its parent; "parent" is always a by-hash
// lookup, which keeps pruning a matter of deleting map entries.
type Node struct {
	Hash      chainhash.Hash
	PrevHash  chainhash.Hash
	Raw       []byte // 80-byte serialized header
	Height    uint64
	WorkTotal *big.Int
}

// Changeset reports the effect of one AddHeaders call.
type Changeset struct {
	Added       []*Node
	Removed     []*Node
	Invalidated []chainhash.Hash
}

// IsNoop reports whether the changeset did nothing to the longest chain.
func (c *Changeset) IsNoop() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Graph is the header tree plus its materialized longest chain. All
// exported methods are safe for concurrent use; mutating methods
// serialize on an internal mutex per the single-writer discipline in
// §5 of the design.
type Graph struct {
	mtx sync.RWMutex

	byHash   map[chainhash.Hash]*Node
	children map[chainhash.Hash]map[chainhash.Hash]struct{}
	leaves   map[chainhash.Hash]struct{}

	longestChain []*Node
	longestIndex map[chainhash.Hash]int

	invalidHashes map[chainhash.Hash]struct{}
}

// New constructs a Graph seeded with the given genesis header at height 0.
func New(genesis *header.Header, invalidHashes []chainhash.Hash) (*Graph, error) {
	raw := genesis.Serialize()
	hash := header.Hash(raw)
	work, err := header.Work(genesis.Bits)
	if err != nil {
		return nil, fmt.Errorf("graph: genesis work: %w", err)
	}

	genesisNode := &Node{
		Hash:      hash,
		PrevHash:  genesis.PrevHash,
		Raw:       raw,
		Height:    0,
		WorkTotal: work,
	}

	g := &Graph{
		byHash:        map[chainhash.Hash]*Node{hash: genesisNode},
		children:      map[chainhash.Hash]map[chainhash.Hash]struct{}{hash: {}},
		leaves:        map[chainhash.Hash]struct{}{hash: {}},
		longestChain:  []*Node{genesisNode},
		longestIndex:  map[chainhash.Hash]int{hash: 0},
		invalidHashes: map[chainhash.Hash]struct{}{},
	}
	for _, h := range invalidHashes {
		g.invalidHashes[h] = struct{}{}
	}
	return g, nil
}

// Tip returns the current longest-chain tip.
func (g *Graph) Tip() *Node {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.longestChain[len(g.longestChain)-1]
}

// Height returns the height of the current tip.
func (g *Graph) Height() uint64 {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return g.longestChain[len(g.longestChain)-1].Height
}

// ByHash returns the node for hash, if known.
func (g *Graph) ByHash(hash chainhash.Hash) (*Node, bool) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	n, ok := g.byHash[hash]
	return n, ok
}

// ByHeight returns the longest-chain node at the given height.
func (g *Graph) ByHeight(height uint64) (*Node, bool) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	if height >= uint64(len(g.longestChain)) {
		return nil, false
	}
	return g.longestChain[height], true
}

// LeafCount reports how many leaves currently exist (1 when fully
// pruned).
func (g *Graph) LeafCount() int {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return len(g.leaves)
}

// AddHeaders ingests a batch of verified (proof-of-work-valid) headers,
// which must be sequential but need not be contiguous with the graph, and
// returns the resulting Changeset. See §4.3.1 for the algorithm.
func (g *Graph) AddHeaders(batch []*header.Header) (*Changeset, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	cs := &Changeset{}

	for _, h := range batch {
		raw := h.Serialize()
		hash := header.Hash(raw)

		if _, exists := g.byHash[hash]; exists {
			continue
		}

		parent, ok := g.byHash[h.PrevHash]
		if !ok {
			// Broken chain: stop scanning, drop the remainder.
			break
		}

		if _, invalid := g.invalidHashes[hash]; invalid {
			cs.Invalidated = append(cs.Invalidated, hash)
			g.invalidHashes[hash] = struct{}{}
			g.extendInvalidated(cs, batch, hash)
			break
		}

		work, err := header.Work(h.Bits)
		if err != nil {
			return nil, fmt.Errorf("graph: header %v: %w", hash, err)
		}

		node := &Node{
			Hash:      hash,
			PrevHash:  h.PrevHash,
			Raw:       raw,
			Height:    parent.Height + 1,
			WorkTotal: new(big.Int).Add(parent.WorkTotal, work),
		}

		g.byHash[hash] = node
		g.children[parent.Hash][hash] = struct{}{}
		delete(g.leaves, parent.Hash)
		g.children[hash] = map[chainhash.Hash]struct{}{}
		g.leaves[hash] = struct{}{}
	}

	g.reconcileTip(cs)
	return cs, nil
}

// extendInvalidated greedily appends any following headers in batch whose
// PrevHash chains off an already-invalidated hash, marking them invalid
// too. last is the most recently invalidated hash.
func (g *Graph) extendInvalidated(cs *Changeset, batch []*header.Header, last chainhash.Hash) {
	for {
		advanced := false
		for _, h := range batch {
			raw := h.Serialize()
			hash := header.Hash(raw)
			if h.PrevHash != last {
				continue
			}
			if _, already := g.invalidHashes[hash]; already {
				continue
			}
			g.invalidHashes[hash] = struct{}{}
			cs.Invalidated = append(cs.Invalidated, hash)
			last = hash
			advanced = true
			break
		}
		if !advanced {
			return
		}
	}
}

// reconcileTip finds the leaf with maximum work_total and, if it strictly
// exceeds the current tip's work, re-orgs the longest chain onto it.
func (g *Graph) reconcileTip(cs *Changeset) {
	currentTip := g.longestChain[len(g.longestChain)-1]

	var best *Node
	for hash := range g.leaves {
		n := g.byHash[hash]
		if best == nil || n.WorkTotal.Cmp(best.WorkTotal) > 0 {
			best = n
		}
	}
	if best == nil || best.WorkTotal.Cmp(currentTip.WorkTotal) <= 0 {
		return // strict greater-than required; ties keep the old tip
	}

	// Walk back from best until we hit a node already on the longest
	// chain; that node is the common ancestor.
	var walked []*Node
	cur := best
	for {
		if idx, ok := g.longestIndex[cur.Hash]; ok {
			splitHeight := idx + 1
			if splitHeight > len(g.longestChain) {
				splitHeight = len(g.longestChain)
			}
			cs.Removed = append(cs.Removed, g.longestChain[splitHeight:]...)
			g.longestChain = g.longestChain[:splitHeight]
			for i := len(walked) - 1; i >= 0; i-- {
				g.longestChain = append(g.longestChain, walked[i])
				g.longestIndex[walked[i].Hash] = len(g.longestChain) - 1
				cs.Added = append(cs.Added, walked[i])
			}
			for _, removed := range cs.Removed {
				delete(g.longestIndex, removed.Hash)
			}
			return
		}
		walked = append(walked, cur)
		parent, ok := g.byHash[cur.PrevHash]
		if !ok {
			log.Errorf("reconcileTip: missing parent for %v, aborting reorg", cur.Hash)
			return
		}
		cur = parent
	}
}

// BlockLocator returns the descending-then-sparsifying hash list used to
// request forward headers: the tip and the previous 9 contiguous
// ancestors, then exponentially doubling gaps back to genesis, which is
// always the final element.
func (g *Graph) BlockLocator() []chainhash.Hash {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	tipIdx := len(g.longestChain) - 1
	var locator []chainhash.Hash

	step := 1
	idx := tipIdx
	for idx > 0 {
		locator = append(locator, g.longestChain[idx].Hash)
		if len(locator) >= 10 {
			idx -= step
			step *= 2
		} else {
			idx--
		}
	}
	locator = append(locator, g.longestChain[0].Hash) // genesis, always last
	return locator
}

// PruneBranches removes every branch not on the longest chain, provided
// no peer session is currently running its header-sync loop. It returns
// the number of nodes removed. After it returns, leaves contains only the
// tip.
func (g *Graph) PruneBranches() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	tip := g.longestChain[len(g.longestChain)-1]
	removed := 0

	for hash := range g.leaves {
		if hash == tip.Hash {
			continue
		}

		var branch []chainhash.Hash
		cur := hash
		for {
			if _, onChain := g.longestIndex[cur]; onChain {
				break
			}
			n, ok := g.byHash[cur]
			if !ok {
				break
			}
			branch = append(branch, cur)
			cur = n.PrevHash
		}

		// cur is the ancestor on the longest chain; detach the first
		// walked node (the oldest on this losing branch) from it.
		if len(branch) > 0 {
			oldest := branch[len(branch)-1]
			if set, ok := g.children[cur]; ok {
				delete(set, oldest)
			}
		}

		for _, h := range branch {
			delete(g.byHash, h)
			delete(g.children, h)
			delete(g.leaves, h)
			removed++
		}
	}

	g.leaves = map[chainhash.Hash]struct{}{tip.Hash: {}}
	return removed
}

// InvalidHashes returns a snapshot of the quarantined hash set.
func (g *Graph) InvalidHashes() []chainhash.Hash {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	out := make([]chainhash.Hash, 0, len(g.invalidHashes))
	for h := range g.invalidHashes {
		out = append(out, h)
	}
	return out
}
