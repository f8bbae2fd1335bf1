package will

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// NativeDistribution pays amount of the native currency to Beneficiary.
type NativeDistribution struct {
	Beneficiary Address `json:"beneficiary"`
	Amount      Amount  `json:"amount"`
}

// TokenDistribution pays amount of a fungible token to Beneficiary.
type TokenDistribution struct {
	Beneficiary   Address `json:"beneficiary"`
	TokenContract Address `json:"token_contract"`
	Amount        Amount  `json:"amount"`
}

// NFTDistribution hands one non-fungible asset to Beneficiary.
type NFTDistribution struct {
	Beneficiary   Address `json:"beneficiary"`
	TokenContract Address `json:"token_contract"`
	AssetID       string  `json:"asset_id"`
}

// Instruction is the distribution set supplied with an execution request.
// Hash is carried through to the audit trail and is not enforced by the
// engine.
type Instruction struct {
	Native []NativeDistribution `json:"native,omitempty"`
	Tokens []TokenDistribution  `json:"tokens,omitempty"`
	NFTs   []NFTDistribution    `json:"nfts,omitempty"`
	Hash   string               `json:"hash,omitempty"`
}

// ComputeHash returns the sha256 of the RFC 8785 canonical JSON form of
// the instruction's distributions, hex encoded with a "sha256:" prefix.
func (in *Instruction) ComputeHash() (string, error) {
	body := struct {
		Native []NativeDistribution `json:"native"`
		Tokens []TokenDistribution  `json:"tokens"`
		NFTs   []NFTDistribution    `json:"nfts"`
	}{
		Native: nonNil(in.Native),
		Tokens: nonNil(in.Tokens),
		NFTs:   nonNil(in.NFTs),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding instruction: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing instruction: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyHash reports whether Hash matches ComputeHash. An empty Hash never
// verifies.
func (in *Instruction) VerifyHash() (bool, error) {
	if in.Hash == "" {
		return false, nil
	}
	h, err := in.ComputeHash()
	if err != nil {
		return false, err
	}
	return h == in.Hash, nil
}

// canonical returns a copy of in with every address in canonical form.
func (in *Instruction) canonical() *Instruction {
	out := &Instruction{Hash: in.Hash}
	for _, d := range in.Native {
		d.Beneficiary = d.Beneficiary.Canonical()
		out.Native = append(out.Native, d)
	}
	for _, d := range in.Tokens {
		d.Beneficiary, d.TokenContract = d.Beneficiary.Canonical(), d.TokenContract.Canonical()
		out.Tokens = append(out.Tokens, d)
	}
	for _, d := range in.NFTs {
		d.Beneficiary, d.TokenContract = d.Beneficiary.Canonical(), d.TokenContract.Canonical()
		out.NFTs = append(out.NFTs, d)
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
