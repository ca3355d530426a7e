package x402

import (
	"encoding/json"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/starkbot/backend/pkg/blockchain"
	"github.com/starkbot/backend/pkg/starkerr"
)

// Limit is a per-asset spending cap (spec §3 Payment Limit).
type Limit struct {
	Symbol          string   `json:"-"`
	MaxAmount       *big.Int `json:"max_amount"`
	Decimals        int32    `json:"decimals"`
	DisplayName     string   `json:"display_name"`
	ContractAddress string   `json:"contract_address,omitempty"`
}

type limitsFile map[string]struct {
	MaxAmount       string `json:"max_amount"`
	Decimals        int32  `json:"decimals"`
	DisplayName     string `json:"display_name"`
	ContractAddress string `json:"contract_address,omitempty"`
}

// LimitTable holds the current set of payment limits, keyed by upper-cased
// asset symbol, with a secondary index by contract address. It is a
// blockchain.Snapshot so readers never block a concurrent reload.
type LimitTable struct {
	mu   sync.Mutex
	path string
	snap blockchain.Snapshot[limitIndex]
}

type limitIndex struct {
	bySymbol  map[string]Limit
	byAddress map[string]Limit
}

// NewLimitTable loads limits from path (spec §6 "persisted state" — a JSON
// document of symbol -> limit). A missing file yields an empty table: every
// asset is then denied until limits are added via Upsert.
func NewLimitTable(path string) (*LimitTable, error) {
	t := &LimitTable{path: path}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *LimitTable) reload() error {
	raw, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		t.snap.Store(&limitIndex{bySymbol: map[string]Limit{}, byAddress: map[string]Limit{}})
		return nil
	}
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "x402: read payment limits", err)
	}
	var file limitsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return starkerr.Wrap(starkerr.InvalidInput, "x402: parse payment limits", err)
	}
	idx := limitIndex{bySymbol: map[string]Limit{}, byAddress: map[string]Limit{}}
	for symbol, entry := range file {
		amount, ok := new(big.Int).SetString(entry.MaxAmount, 10)
		if !ok {
			return starkerr.New(starkerr.InvalidInput, "x402: invalid max_amount for "+symbol)
		}
		limit := Limit{
			Symbol:          strings.ToUpper(symbol),
			MaxAmount:       amount,
			Decimals:        entry.Decimals,
			DisplayName:     entry.DisplayName,
			ContractAddress: strings.ToLower(entry.ContractAddress),
		}
		idx.bySymbol[limit.Symbol] = limit
		if limit.ContractAddress != "" {
			idx.byAddress[limit.ContractAddress] = limit
		}
	}
	t.snap.Store(&idx)
	return nil
}

// Lookup resolves a limit by symbol first, falling back to contract address.
// Absence of a limit is a hard deny per spec §4.3/§3.
func (t *LimitTable) Lookup(symbol, contractAddress string) (Limit, bool) {
	idx := t.snap.Load()
	if idx == nil {
		return Limit{}, false
	}
	if symbol != "" {
		if l, ok := idx.bySymbol[strings.ToUpper(symbol)]; ok {
			return l, true
		}
	}
	if contractAddress != "" {
		if l, ok := idx.byAddress[strings.ToLower(contractAddress)]; ok {
			return l, true
		}
	}
	return Limit{}, false
}

// List returns every configured limit, for the GET /api/x402-limits handler.
func (t *LimitTable) List() []Limit {
	idx := t.snap.Load()
	if idx == nil {
		return nil
	}
	out := make([]Limit, 0, len(idx.bySymbol))
	for _, l := range idx.bySymbol {
		out = append(out, l)
	}
	return out
}

// Upsert sets or replaces the limit for symbol and persists the table to
// disk, for the PUT /api/x402-limits handler.
func (t *LimitTable) Upsert(limit Limit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.snap.Load()
	next := limitIndex{bySymbol: map[string]Limit{}, byAddress: map[string]Limit{}}
	if current != nil {
		for k, v := range current.bySymbol {
			next.bySymbol[k] = v
		}
		for k, v := range current.byAddress {
			next.byAddress[k] = v
		}
	}
	limit.Symbol = strings.ToUpper(limit.Symbol)
	next.bySymbol[limit.Symbol] = limit
	if limit.ContractAddress != "" {
		next.byAddress[strings.ToLower(limit.ContractAddress)] = limit
	}

	file := make(limitsFile, len(next.bySymbol))
	for symbol, l := range next.bySymbol {
		file[symbol] = struct {
			MaxAmount       string `json:"max_amount"`
			Decimals        int32  `json:"decimals"`
			DisplayName     string `json:"display_name"`
			ContractAddress string `json:"contract_address,omitempty"`
		}{MaxAmount: l.MaxAmount.String(), Decimals: l.Decimals, DisplayName: l.DisplayName, ContractAddress: l.ContractAddress}
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "x402: encode payment limits", err)
	}
	if err := os.WriteFile(t.path, raw, 0o600); err != nil {
		return starkerr.Wrap(starkerr.Internal, "x402: persist payment limits", err)
	}
	t.snap.Store(&next)
	return nil
}
