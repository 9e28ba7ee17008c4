// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package chainparams is the registry of recognized Bitcoin-family chains:
// their wire magic, genesis header, default protocol version/user agent,
// built-in invalid-block list and seed addresses.
package chainparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/matrm/block-headers-client-go/header"
	"github.com/matrm/block-headers-client-go/wire"
)

// Params describes everything specific to one Bitcoin-family network.
type Params struct {
	Name            string
	Magic           wire.Magic
	DefaultPort     string
	ProtocolVersion int32
	UserAgent       string
	GenesisHeader   []byte // 80-byte serialized genesis header
	GenesisHash     chainhash.Hash
	InvalidHashes   []chainhash.Hash
	Seeds           []string
}

func mustGenesis(p *chaincfg.Params) []byte {
	gh := p.GenesisBlock.Header
	h := &header.Header{
		Version:    gh.Version,
		PrevHash:   gh.PrevBlock,
		MerkleRoot: gh.MerkleRoot,
		Timestamp:  uint32(gh.Timestamp.Unix()),
		Bits:       gh.Bits,
		Nonce:      gh.Nonce,
	}
	return h.Serialize()
}

// BSV and BTC mainnet share the same genesis block; BSV forked later in
// the chain's history. The chain-specific magic below is what actually
// distinguishes the wire protocols.
var bsvMainnet = Params{
	Name:            "bsv",
	Magic:           0xe8f3e1e3,
	DefaultPort:     "8333",
	ProtocolVersion: 70015,
	UserAgent:       "/block-headers-client:0.1.0/",
	GenesisHeader:   mustGenesis(&chaincfg.MainNetParams),
	GenesisHash:     chaincfg.MainNetParams.GenesisHash,
	Seeds: []string{
		"seed.bitcoinsv.io",
		"seed.cascharia.com",
		"seed.satoshisvision.network",
	},
}

var btcMainnet = Params{
	Name:            "btc",
	Magic:           wire.Magic(0xd9b4bef9),
	DefaultPort:     "8333",
	ProtocolVersion: 70016,
	UserAgent:       "/block-headers-client:0.1.0/",
	GenesisHeader:   mustGenesis(&chaincfg.MainNetParams),
	GenesisHash:     chaincfg.MainNetParams.GenesisHash,
	Seeds: []string{
		"seed.bitcoin.sipa.be",
		"dnsseed.bluematt.me",
		"dnsseed.bitcoin.dashjr.org",
		"seed.bitcoinstats.com",
	},
}

var btcTestnet3 = Params{
	Name:            "testnet3",
	Magic:           wire.Magic(0x0709110b),
	DefaultPort:     "18333",
	ProtocolVersion: 70016,
	UserAgent:       "/block-headers-client:0.1.0/",
	GenesisHeader:   mustGenesis(&chaincfg.TestNet3Params),
	GenesisHash:     chaincfg.TestNet3Params.GenesisHash,
	Seeds: []string{
		"testnet-seed.bitcoin.jonasschnelli.ch",
		"seed.tbtc.petertodd.org",
		"seed.testnet.bitcoin.sprovoost.nl",
	},
}

var registry = map[string]Params{
	bsvMainnet.Name:  bsvMainnet,
	btcMainnet.Name:  btcMainnet,
	btcTestnet3.Name: btcTestnet3,
}

// ErrUnknownChain is returned by Get for an unrecognized chain name.
type ErrUnknownChain string

func (e ErrUnknownChain) Error() string {
	return fmt.Sprintf("chainparams: unknown chain %q", string(e))
}

// Get returns the registered Params for name, union-ing in extraInvalid as
// additional invalid-block hashes (the `invalid_blocks` configuration
// option).
func Get(name string, extraInvalid []chainhash.Hash) (Params, error) {
	p, ok := registry[name]
	if !ok {
		return Params{}, ErrUnknownChain(name)
	}
	p.InvalidHashes = append(append([]chainhash.Hash(nil), p.InvalidHashes...), extraInvalid...)
	return p, nil
}
