package blockchain

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
)

// DecodeRevert attempts to extract a human-readable revert reason from an
// eth_call error. Geth-compatible nodes carry the revert's ABI-encoded data
// on a *rpc.DataError; when it decodes as a standard Error(string) revert,
// the reason string is returned with ok=true.
func DecodeRevert(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return "", false
	}
	data, decErr := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if decErr != nil {
		return "", false
	}
	reason, decErr := abi.UnpackRevert(data)
	if decErr != nil {
		return "", false
	}
	return reason, true
}
