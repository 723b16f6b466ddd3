// Package oracle verifies signed price attestations.
//
// The signed pre-image is abi.encodePacked(string market, uint256 timestamp,
// uint256 price), hashed with keccak256, wrapped in the EIP-191 personal
// message prefix and signed with secp256k1. Existing signers produce exactly
// this layout, so field order and widths must not change.
package oracle

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrBadSignatureLength = errors.New("oracle: signature must be 65 bytes")
	ErrInvalidValue       = errors.New("oracle: timestamp and price must be non-negative integers")
)

// Attestation is a price observation for one market at one instant.
type Attestation struct {
	Market    string
	Timestamp uint64
	Price     decimal.Decimal
}

// Digest returns the EIP-191 hash that signers sign for a.
func (a Attestation) Digest() ([]byte, error) {
	if a.Price.IsNegative() || !a.Price.Equal(a.Price.Truncate(0)) {
		return nil, ErrInvalidValue
	}
	msg := make([]byte, 0, len(a.Market)+64)
	msg = append(msg, a.Market...)
	msg = append(msg, math.U256Bytes(new(big.Int).SetUint64(a.Timestamp))...)
	msg = append(msg, math.U256Bytes(a.Price.BigInt())...)
	return accounts.TextHash(crypto.Keccak256(msg)), nil
}

// Verifier checks attestations against an allow-list of signer addresses.
type Verifier struct {
	signers map[common.Address]bool
}

// NewVerifier creates a verifier trusting signers.
func NewVerifier(signers ...common.Address) *Verifier {
	v := &Verifier{signers: make(map[common.Address]bool, len(signers))}
	for _, s := range signers {
		v.signers[s] = true
	}
	return v
}

// Signers lists the trusted addresses.
func (v *Verifier) Signers() []common.Address {
	out := make([]common.Address, 0, len(v.signers))
	for s := range v.signers {
		out = append(out, s)
	}
	return out
}

// Recover returns the address that produced sig over a.
func Recover(a Attestation, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignatureLength
	}
	digest, err := a.Digest()
	if err != nil {
		return common.Address{}, err
	}
	rsv := make([]byte, len(sig))
	copy(rsv, sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, rsv)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over a was produced by a trusted signer.
// Malformed signatures are reported as not verified.
func (v *Verifier) Verify(a Attestation, sig []byte) bool {
	addr, err := Recover(a, sig)
	if err != nil {
		return false
	}
	return v.signers[addr]
}

// Sign produces a 65-byte [R || S || V] signature over a with V in {27, 28},
// the form relayers submit.
func Sign(key *ecdsa.PrivateKey, a Attestation) ([]byte, error) {
	digest, err := a.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
