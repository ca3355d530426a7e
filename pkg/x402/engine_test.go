package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/starkbot/backend/pkg/wallet"
)

func newTestEngine(t *testing.T) (*Engine, wallet.Provider) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	provider, err := wallet.NewLocalProvider(key)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}

	table, err := NewLimitTable(filepath.Join(t.TempDir(), "limits.json"))
	if err != nil {
		t.Fatalf("NewLimitTable: %v", err)
	}
	if err := table.Upsert(Limit{
		Symbol:          "USDC",
		MaxAmount:       big.NewInt(1_000_000),
		Decimals:        6,
		DisplayName:     "USD Coin",
		ContractAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	fixedNow := time.Unix(1_700_000_000, 0)
	engine := NewEngine(provider, table, WithClock(func() time.Time { return fixedNow }))
	return engine, provider
}

func sampleRequirement() Requirement {
	return Requirement{
		Scheme:            SchemeExact,
		Network:           "eip155:8453",
		MaxAmountRequired: "500000",
		PayToAddress:      "0xA00000000000000000000000000000000000000A",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		MaxTimeoutSeconds: 300,
		Extra:             Domain{Name: "USDC", Version: "2", VerifyingContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", ChainID: 8453},
	}
}

func TestDetectChallengeFromBody(t *testing.T) {
	body, _ := json.Marshal(Challenge{X402Version: 1, Accepts: []Requirement{sampleRequirement()}})
	challenge, ok := DetectChallenge(http.StatusPaymentRequired, body, "")
	if !ok {
		t.Fatal("expected challenge to be detected")
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("expected one requirement, got %d", len(challenge.Accepts))
	}
}

func TestDetectChallengeFromHeader(t *testing.T) {
	body, _ := json.Marshal(Challenge{X402Version: 1, Accepts: []Requirement{sampleRequirement()}})
	header := base64.StdEncoding.EncodeToString(body)
	challenge, ok := DetectChallenge(http.StatusPaymentRequired, nil, header)
	if !ok || len(challenge.Accepts) != 1 {
		t.Fatal("expected challenge decoded from Payment-Required header")
	}
}

func TestDetectChallengeRejectsNon402(t *testing.T) {
	if _, ok := DetectChallenge(http.StatusOK, nil, ""); ok {
		t.Fatal("expected 200 status to never be a challenge")
	}
}

func TestSelectPrefersSupportedChainAndScheme(t *testing.T) {
	engine, _ := newTestEngine(t)
	challenge := Challenge{Accepts: []Requirement{sampleRequirement()}}
	req, err := engine.Select(challenge, []int64{8453}, false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if req.Scheme != SchemeExact {
		t.Fatalf("unexpected scheme: %s", req.Scheme)
	}
}

func TestSelectFailsWithNoCompatibleRequirement(t *testing.T) {
	engine, _ := newTestEngine(t)
	challenge := Challenge{Accepts: []Requirement{sampleRequirement()}}
	if _, err := engine.Select(challenge, []int64{1}, false); err == nil {
		t.Fatal("expected no-compatible-requirement error for unsupported chain")
	}
}

func TestCheckLimitDeniesUnconfiguredAsset(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := sampleRequirement()
	req.Extra.Name = "UNKNOWN"
	req.Asset = "0x0000000000000000000000000000000000dEaD"
	if _, err := engine.CheckLimit(req); err == nil {
		t.Fatal("expected deny for asset with no configured limit")
	}
}

func TestCheckLimitDeniesOverCap(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := sampleRequirement()
	req.MaxAmountRequired = "2000000"
	if _, err := engine.CheckLimit(req); err == nil {
		t.Fatal("expected deny for amount exceeding configured cap")
	}
}

func TestCheckLimitAllowsWithinCap(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.CheckLimit(sampleRequirement()); err != nil {
		t.Fatalf("expected requirement within cap to pass, got %v", err)
	}
}

func TestAuthorizeExactThenVerifyRoundTrip(t *testing.T) {
	engine, provider := newTestEngine(t)
	req := sampleRequirement()

	payload, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	header, err := payload.PackHeader()
	if err != nil {
		t.Fatalf("PackHeader: %v", err)
	}

	result, err := engine.Verify(header, VerifyRequirements{
		PayToAddress:      req.PayToAddress,
		MaxAmountRequired: req.MaxAmountRequired,
		Network:           req.Network,
		Asset:             req.Asset,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid verification, got reason=%q", result.Reason)
	}
	if result.Signer != provider.Address().Hex() {
		t.Fatalf("recovered signer %s does not match wallet %s", result.Signer, provider.Address().Hex())
	}
}

func TestVerifyRejectsAssetMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := sampleRequirement()
	payload, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	header, _ := payload.PackHeader()

	result, err := engine.Verify(header, VerifyRequirements{Asset: "0x0000000000000000000000000000000000dEaD"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected asset mismatch to fail verification")
	}
	if result.Reason != "asset mismatch" {
		t.Fatalf("expected asset mismatch reason, got %q", result.Reason)
	}
}

func TestVerifyRejectsPayToMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := sampleRequirement()
	payload, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	header, _ := payload.PackHeader()

	result, err := engine.Verify(header, VerifyRequirements{PayToAddress: "0xBeefBeefBeefBeefBeefBeefBeefBeefBeefBeef"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected pay-to mismatch to fail verification")
	}
}

func TestFetchHappyPathSignsAndRetries(t *testing.T) {
	engine, _ := newTestEngine(t)
	requirement := sampleRequirement()
	challengeBody, _ := json.Marshal(Challenge{X402Version: 1, Accepts: []Requirement{requirement}})

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("X-Payment") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write(challengeBody)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := engine.Fetch(context.Background(), server.Client(), req, []int64{8453}, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected final 200, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls total), got %d", calls)
	}
}

func TestFetchOverCapNeverSigns(t *testing.T) {
	engine, _ := newTestEngine(t)
	requirement := sampleRequirement()
	requirement.MaxAmountRequired = "2000000"
	challengeBody, _ := json.Marshal(Challenge{X402Version: 1, Accepts: []Requirement{requirement}})

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(challengeBody)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := engine.Fetch(context.Background(), server.Client(), req, []int64{8453}, false)
	if err == nil {
		t.Fatal("expected LimitExceeded error")
	}
	if calls != 1 {
		t.Fatalf("expected the engine to never retry an over-cap requirement, got %d calls", calls)
	}
}

func TestFetchSecondChallengeWithSameFingerprintIsHardFailure(t *testing.T) {
	engine, _ := newTestEngine(t)
	requirement := sampleRequirement()
	challengeBody, _ := json.Marshal(Challenge{X402Version: 1, Accepts: []Requirement{requirement}})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(challengeBody)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := engine.Fetch(context.Background(), server.Client(), req, []int64{8453}, false)
	if err == nil {
		t.Fatal("expected facilitator-rejected error on repeated identical challenge")
	}
}
