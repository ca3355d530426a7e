// Package x402 implements the four-party x402 micropayment dance (C3):
// detecting a 402 challenge, selecting a compatible payment requirement,
// enforcing a per-asset spending cap, signing an EIP-3009 or EIP-2612
// authorization via a wallet.Provider, and retrying the original request
// with the signed header attached. It also serves as a verifier for
// inbound X-Payment headers.
package x402

import (
	"encoding/json"
	"math/big"
)

// Scheme names a supported x402 authorization scheme.
type Scheme string

const (
	SchemeExact  Scheme = "exact"
	SchemePermit Scheme = "permit"
)

// Domain carries the EIP-712 domain fields a requirement's "extra" object
// supplies for the asset being paid with.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version,omitempty"`
	VerifyingContract string `json:"verifying_contract"`
	ChainID           int64  `json:"chain_id"`
}

// Requirement is one entry of an x402 challenge's "accepts" array.
type Requirement struct {
	Scheme            Scheme `json:"scheme"`
	Network           string `json:"network"` // "eip155:<chain id>"
	MaxAmountRequired string `json:"max_amount_required"`
	PayToAddress      string `json:"pay_to_address"`
	Asset             string `json:"asset"`
	MaxTimeoutSeconds int64  `json:"max_timeout_seconds"`
	Description       string `json:"description,omitempty"`
	Extra             Domain `json:"extra"`
}

// Amount parses MaxAmountRequired as a non-negative integer.
func (r Requirement) Amount() (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

// Challenge is the body of a 402 response (or the decoded Payment-Required
// header carrying the same document).
type Challenge struct {
	X402Version int           `json:"x402Version"`
	Accepts     []Requirement `json:"accepts"`
}

// Authorization is the scheme-specific payload signed by the wallet.
type Authorization struct {
	From        string `json:"from,omitempty"`
	Owner       string `json:"owner,omitempty"`
	To          string `json:"to,omitempty"`
	Spender     string `json:"spender,omitempty"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter,omitempty"`
	ValidBefore int64  `json:"validBefore,omitempty"`
	Deadline    int64  `json:"deadline,omitempty"`
	Nonce       string `json:"nonce"`
}

// Payload is the decoded form of the X-Payment header. Asset and Extra carry
// the same requirement fields the authorization was signed against, so a
// verifier can reconstruct the exact EIP-712 domain used at sign time instead
// of guessing it from the chain id alone.
type Payload struct {
	X402Version int    `json:"x402Version"`
	Scheme      Scheme `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Extra       Domain `json:"extra"`
	Payload     struct {
		Signature     string        `json:"signature"`
		Authorization Authorization `json:"authorization"`
	} `json:"payload"`
}

// Marshal encodes the payload as the raw JSON carried (base64-wrapped by the
// caller) in an X-Payment header.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// VerifyRequirements is what a resource server compares a decoded payload
// against when verifying an inbound X-Payment header.
type VerifyRequirements struct {
	PayToAddress      string
	Asset             string
	MaxAmountRequired string
	Network           string
	AllowGreaterValue bool
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid  bool
	Signer string
	Reason string
}
