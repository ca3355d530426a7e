package x402

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/starkbot/backend/pkg/starkerr"
	"github.com/starkbot/backend/pkg/wallet"
)

// ChainReader is the subset of blockchain.Registry the engine needs to
// read a token's EIP-2612 permit nonce on chain. The token symbol used for
// the limit check comes from the requirement's extra.name only; it is not
// looked up on chain. Modeled as an interface (mirroring the teacher's
// ChainOperations pattern in pkg/payment/paid_stategy.go) so tests can
// substitute a fake without dialing a real chain.
type ChainReader interface {
	Call(ctx context.Context, chainID int64, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Option configures an Engine using the functional-options pattern (adapted
// from the teacher's PaidStrategyOption/paidStrategyConfig).
type Option func(*engineConfig)

type engineConfig struct {
	chain      ChainReader
	now        func() time.Time
	randomNonce func() ([32]byte, error)
}

// WithChainReader overrides the chain reader used for permit nonce lookups.
func WithChainReader(c ChainReader) Option {
	return func(cfg *engineConfig) { cfg.chain = c }
}

// WithClock overrides the time source (for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) { cfg.now = now }
}

// WithNonceSource overrides the 32-byte nonce generator (for deterministic tests).
func WithNonceSource(fn func() ([32]byte, error)) Option {
	return func(cfg *engineConfig) { cfg.randomNonce = fn }
}

// Engine implements the x402 four-party dance: detect, select, limit-gate,
// sign, retry, and verify.
type Engine struct {
	signer wallet.Provider
	limits *LimitTable
	cfg    engineConfig
}

func newEngineConfig(opts []Option) engineConfig {
	cfg := engineConfig{
		chain: nil,
		now:   time.Now,
		randomNonce: func() ([32]byte, error) {
			var b [32]byte
			_, err := rand.Read(b[:])
			return b, err
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewEngine builds an Engine backed by signer for authorization signing and
// limits for spend-cap enforcement.
func NewEngine(signer wallet.Provider, limits *LimitTable, opts ...Option) *Engine {
	return &Engine{signer: signer, limits: limits, cfg: newEngineConfig(opts)}
}

// DetectChallenge reports whether an HTTP response is an x402 challenge,
// per spec §4.3: status 402 with a JSON body of {x402Version, accepts},
// and/or a base64 Payment-Required header carrying the same document.
func DetectChallenge(statusCode int, body []byte, paymentRequiredHeader string) (*Challenge, bool) {
	if statusCode != http.StatusPaymentRequired {
		return nil, false
	}
	var challenge Challenge
	if len(body) > 0 && json.Unmarshal(body, &challenge) == nil && len(challenge.Accepts) > 0 {
		return &challenge, true
	}
	if paymentRequiredHeader != "" {
		raw, err := base64.StdEncoding.DecodeString(paymentRequiredHeader)
		if err == nil && json.Unmarshal(raw, &challenge) == nil && len(challenge.Accepts) > 0 {
			return &challenge, true
		}
	}
	return nil, false
}

// Select chooses the first requirement whose network is in supportedChainIDs
// and whose scheme the signer can fulfill (spec §4.3 Selection policy).
func (e *Engine) Select(challenge Challenge, supportedChainIDs []int64, signerSupportsPermit bool) (Requirement, error) {
	supported := make(map[int64]bool, len(supportedChainIDs))
	for _, id := range supportedChainIDs {
		supported[id] = true
	}
	for _, req := range challenge.Accepts {
		chainID, ok := networkChainID(req.Network)
		if !ok || !supported[chainID] {
			continue
		}
		switch req.Scheme {
		case SchemeExact:
			return req, nil
		case SchemePermit:
			if signerSupportsPermit {
				return req, nil
			}
		}
	}
	return Requirement{}, starkerr.New(starkerr.InvalidInput, "x402: no compatible payment requirement")
}

func networkChainID(network string) (int64, bool) {
	const prefix = "eip155:"
	if !strings.HasPrefix(network, prefix) {
		return 0, false
	}
	id, ok := new(big.Int).SetString(strings.TrimPrefix(network, prefix), 10)
	if !ok {
		return 0, false
	}
	return id.Int64(), true
}

// CheckLimit resolves the payment limit for req's asset and enforces the cap
// (spec §4.3 Limit gate). Absence of a configured limit is always a deny.
func (e *Engine) CheckLimit(req Requirement) (Limit, error) {
	amount, ok := req.Amount()
	if !ok {
		return Limit{}, starkerr.New(starkerr.InvalidInput, "x402: malformed max_amount_required")
	}
	symbol := req.Extra.Name
	limit, found := e.limits.Lookup(symbol, req.Asset)
	if !found {
		return Limit{}, starkerr.New(starkerr.NotConfigured, "x402: no payment limit configured for asset "+req.Asset)
	}
	if amount.Cmp(limit.MaxAmount) > 0 {
		return Limit{}, starkerr.New(starkerr.LimitExceeded, fmt.Sprintf(
			"x402: requested %s exceeds configured cap of %s for %s",
			formatUnits(amount, limit.Decimals), formatUnits(limit.MaxAmount, limit.Decimals), limit.DisplayName))
	}
	return limit, nil
}

func formatUnits(amount *big.Int, decimals int32) string {
	if decimals <= 0 {
		return amount.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Div(amount, scale)
	frac := new(big.Int).Mod(amount, scale)
	return fmt.Sprintf("%s.%0*s", whole.String(), decimals, frac.String())
}

// Authorize builds and signs the scheme-specific authorization for req and
// returns the header-ready payload (spec §4.3 Authorization construction).
func (e *Engine) Authorize(ctx context.Context, req Requirement) (Payload, error) {
	chainID, ok := networkChainID(req.Network)
	if !ok {
		return Payload{}, starkerr.New(starkerr.InvalidInput, "x402: malformed network field")
	}
	amount, ok := req.Amount()
	if !ok {
		return Payload{}, starkerr.New(starkerr.InvalidInput, "x402: malformed max_amount_required")
	}
	from := e.signer.Address()
	now := e.cfg.now()

	switch req.Scheme {
	case SchemeExact:
		return e.authorizeExact(ctx, req, chainID, amount, from, now)
	case SchemePermit:
		return e.authorizePermit(ctx, req, chainID, amount, from, now)
	default:
		return Payload{}, starkerr.New(starkerr.InvalidInput, "x402: unsupported scheme "+string(req.Scheme))
	}
}

func (e *Engine) authorizeExact(ctx context.Context, req Requirement, chainID int64, amount *big.Int, from common.Address, now time.Time) (Payload, error) {
	nonce, err := e.cfg.randomNonce()
	if err != nil {
		return Payload{}, starkerr.Wrap(starkerr.Internal, "x402: generate nonce", err)
	}
	validAfter := now.Add(-30 * time.Second).Unix()
	validBefore := now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second).Unix()

	doc := transferWithAuthorizationTypedData(req, chainID, from, amount, validAfter, validBefore, nonce)
	sig, err := e.signer.SignTypedData(ctx, doc)
	if err != nil {
		return Payload{}, starkerr.Wrap(starkerr.Internal, "x402: sign exact authorization", err)
	}

	payload := Payload{X402Version: 1, Scheme: SchemeExact, Network: req.Network, Asset: req.Asset, Extra: req.Extra}
	payload.Payload.Signature = "0x" + common.Bytes2Hex(sig)
	payload.Payload.Authorization = Authorization{
		From:        from.Hex(),
		To:          req.PayToAddress,
		Value:       amount.String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       "0x" + common.Bytes2Hex(nonce[:]),
	}
	return payload, nil
}

func (e *Engine) authorizePermit(ctx context.Context, req Requirement, chainID int64, amount *big.Int, from common.Address, now time.Time) (Payload, error) {
	permitNonce, err := e.permitNonce(ctx, chainID, common.HexToAddress(req.Asset), from)
	if err != nil {
		return Payload{}, err
	}
	deadline := now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second).Unix()

	doc := permitTypedData(req, chainID, from, amount, permitNonce, deadline)
	sig, err := e.signer.SignTypedData(ctx, doc)
	if err != nil {
		return Payload{}, starkerr.Wrap(starkerr.Internal, "x402: sign permit authorization", err)
	}

	payload := Payload{X402Version: 1, Scheme: SchemePermit, Network: req.Network, Asset: req.Asset, Extra: req.Extra}
	payload.Payload.Signature = "0x" + common.Bytes2Hex(sig)
	payload.Payload.Authorization = Authorization{
		Owner:    from.Hex(),
		Spender:  req.PayToAddress,
		Value:    amount.String(),
		Deadline: deadline,
		Nonce:    permitNonce.String(),
	}
	return payload, nil
}

var erc20NoncesABI = mustParseERC20ABI()

func mustParseERC20ABI() abi.ABI {
	const erc20JSON = `[
		{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
	]`
	parsed, err := abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		panic("x402: invalid embedded erc20 abi: " + err.Error())
	}
	return parsed
}

func (e *Engine) permitNonce(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error) {
	if e.cfg.chain == nil {
		return nil, starkerr.New(starkerr.NotConfigured, "x402: no chain reader configured for permit nonce lookup")
	}
	packed, err := erc20NoncesABI.Pack("nonces", owner)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "x402: pack nonces call", err)
	}
	out, err := e.cfg.chain.Call(ctx, chainID, ethereum.CallMsg{To: &token, Data: packed}, nil)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.UpstreamTransient, "x402: call nonces", err)
	}
	results, err := erc20NoncesABI.Unpack("nonces", out)
	if err != nil || len(results) == 0 {
		return nil, starkerr.Wrap(starkerr.Internal, "x402: unpack nonces result", err)
	}
	nonce, ok := results[0].(*big.Int)
	if !ok {
		return nil, starkerr.New(starkerr.Internal, "x402: nonces result is not a uint256")
	}
	return nonce, nil
}

func transferWithAuthorizationTypedData(req Requirement, chainID int64, from common.Address, amount *big.Int, validAfter, validBefore int64, nonce [32]byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra.Name,
			Version:           req.Extra.Version,
			ChainId:           mathBigIntOrChainID(req.Extra.ChainID, chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          req.PayToAddress,
			"value":       amount.String(),
			"validAfter":  fmt.Sprintf("%d", validAfter),
			"validBefore": fmt.Sprintf("%d", validBefore),
			"nonce":       nonce[:],
		},
	}
}

func permitTypedData(req Requirement, chainID int64, owner common.Address, amount *big.Int, nonce *big.Int, deadline int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra.Name,
			Version:           req.Extra.Version,
			ChainId:           mathBigIntOrChainID(req.Extra.ChainID, chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"owner":    owner.Hex(),
			"spender":  req.PayToAddress,
			"value":    amount.String(),
			"nonce":    nonce.String(),
			"deadline": fmt.Sprintf("%d", deadline),
		},
	}
}

func mathBigIntOrChainID(extraChainID, fallback int64) *math.HexOrDecimal256 {
	id := extraChainID
	if id == 0 {
		id = fallback
	}
	return (*math.HexOrDecimal256)(big.NewInt(id))
}

// PackHeader base64-encodes payload's JSON form for the X-Payment header.
func (payload Payload) PackHeader() (string, error) {
	raw, err := payload.Marshal()
	if err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "x402: marshal payment payload", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Fingerprint identifies a requirement for the "same requirement twice" hard
// failure check in Fetch.
func (r Requirement) Fingerprint() string {
	sum := sha256.Sum256([]byte(string(r.Scheme) + "|" + r.Network + "|" + r.Asset + "|" + r.MaxAmountRequired + "|" + r.PayToAddress))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Fetch performs the full x402 client flow described in spec §4.3: send req;
// if the response is a 402 challenge, select a compatible requirement, gate
// it against configured limits, sign, and retry exactly once with the
// X-Payment header attached. A second 402 bearing the same requirement
// fingerprint is reported as an UpstreamPermanent "facilitator rejected
// payment" error.
func (e *Engine) Fetch(ctx context.Context, client *http.Client, req *http.Request, supportedChainIDs []int64, signerSupportsPermit bool) (*http.Response, error) {
	firstResp, err := client.Do(req.Clone(ctx))
	if err != nil {
		return nil, starkerr.Wrap(starkerr.UpstreamTransient, "x402: initial request", err)
	}
	body, _ := io.ReadAll(firstResp.Body)
	firstResp.Body.Close()

	challenge, isChallenge := DetectChallenge(firstResp.StatusCode, body, firstResp.Header.Get("Payment-Required"))
	if !isChallenge {
		firstResp.Body = io.NopCloser(bytes.NewReader(body))
		return firstResp, nil
	}

	requirement, err := e.Select(*challenge, supportedChainIDs, signerSupportsPermit)
	if err != nil {
		return nil, err
	}
	if _, err := e.CheckLimit(requirement); err != nil {
		return nil, err
	}
	payload, err := e.Authorize(ctx, requirement)
	if err != nil {
		return nil, err
	}
	headerValue, err := payload.PackHeader()
	if err != nil {
		return nil, err
	}

	retryReq := req.Clone(ctx)
	retryReq.Header.Set("X-Payment", headerValue)
	secondResp, err := client.Do(retryReq)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.UpstreamTransient, "x402: retry request", err)
	}

	if secondResp.StatusCode == http.StatusPaymentRequired {
		retryBody, _ := io.ReadAll(secondResp.Body)
		secondResp.Body.Close()
		if retryChallenge, ok := DetectChallenge(secondResp.StatusCode, retryBody, secondResp.Header.Get("Payment-Required")); ok {
			for _, r := range retryChallenge.Accepts {
				if r.Fingerprint() == requirement.Fingerprint() {
					return nil, starkerr.New(starkerr.UpstreamPermanent, "x402: facilitator rejected payment")
				}
			}
		}
		secondResp.Body = io.NopCloser(bytes.NewReader(retryBody))
	}
	return secondResp, nil
}

// Verify decodes an X-Payment header, recovers the signer, and checks it
// against want (spec §4.3 Verification path).
func (e *Engine) Verify(headerValue string, want VerifyRequirements) (VerifyResult, error) {
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "malformed base64"}, nil
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return VerifyResult{Valid: false, Reason: "malformed json"}, nil
	}

	auth := payload.Payload.Authorization
	if want.Network != "" && payload.Network != want.Network {
		return VerifyResult{Valid: false, Reason: "network mismatch"}, nil
	}
	if want.Asset != "" && !strings.EqualFold(payload.Asset, want.Asset) {
		return VerifyResult{Valid: false, Reason: "asset mismatch"}, nil
	}
	if want.PayToAddress != "" {
		to := auth.To
		if to == "" {
			to = auth.Spender
		}
		if !strings.EqualFold(to, want.PayToAddress) {
			return VerifyResult{Valid: false, Reason: "pay-to mismatch"}, nil
		}
	}
	if want.MaxAmountRequired != "" {
		got, ok1 := new(big.Int).SetString(auth.Value, 10)
		wantAmount, ok2 := new(big.Int).SetString(want.MaxAmountRequired, 10)
		if !ok1 || !ok2 {
			return VerifyResult{Valid: false, Reason: "malformed value"}, nil
		}
		cmp := got.Cmp(wantAmount)
		if cmp != 0 && !(want.AllowGreaterValue && cmp > 0) {
			return VerifyResult{Valid: false, Reason: "value mismatch"}, nil
		}
	}
	now := e.cfg.now().Unix()
	if auth.ValidAfter != 0 && now < auth.ValidAfter {
		return VerifyResult{Valid: false, Reason: "not yet valid"}, nil
	}
	if auth.ValidBefore != 0 && now > auth.ValidBefore {
		return VerifyResult{Valid: false, Reason: "expired"}, nil
	}
	if auth.Deadline != 0 && now > auth.Deadline {
		return VerifyResult{Valid: false, Reason: "expired"}, nil
	}

	signer, err := recoverSigner(payload)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "bad signature"}, nil
	}
	if signer == (common.Address{}) {
		return VerifyResult{Valid: false, Reason: "zero signer"}, nil
	}
	return VerifyResult{Valid: true, Signer: signer.Hex()}, nil
}

func recoverSigner(payload Payload) (common.Address, error) {
	sigHex := strings.TrimPrefix(payload.Payload.Signature, "0x")
	sig := common.FromHex("0x" + sigHex)
	if len(sig) != 65 {
		return common.Address{}, starkerr.New(starkerr.InvalidInput, "x402: signature must be 65 bytes")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	auth := payload.Payload.Authorization
	var doc apitypes.TypedData
	if payload.Scheme == SchemeExact {
		doc = transferWithAuthorizationTypedDataFromAuth(payload, auth)
	} else {
		doc = permitTypedDataFromAuth(payload, auth)
	}
	digest, err := wallet.TypedDataDigest(doc)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func transferWithAuthorizationTypedDataFromAuth(payload Payload, auth Authorization) apitypes.TypedData {
	chainID, _ := networkChainID(payload.Network)
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              payload.Extra.Name,
			Version:           payload.Extra.Version,
			ChainId:           mathBigIntOrChainID(payload.Extra.ChainID, chainID),
			VerifyingContract: payload.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  fmt.Sprintf("%d", auth.ValidAfter),
			"validBefore": fmt.Sprintf("%d", auth.ValidBefore),
			"nonce":       common.FromHex(auth.Nonce),
		},
	}
}

func permitTypedDataFromAuth(payload Payload, auth Authorization) apitypes.TypedData {
	chainID, _ := networkChainID(payload.Network)
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              payload.Extra.Name,
			Version:           payload.Extra.Version,
			ChainId:           mathBigIntOrChainID(payload.Extra.ChainID, chainID),
			VerifyingContract: payload.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"owner":    auth.Owner,
			"spender":  auth.Spender,
			"value":    auth.Value,
			"nonce":    auth.Nonce,
			"deadline": fmt.Sprintf("%d", auth.Deadline),
		},
	}
}
