package blockchain

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type fakeDataError struct {
	data string
}

func (f fakeDataError) Error() string     { return "execution reverted" }
func (f fakeDataError) ErrorData() any     { return f.data }

func packRevertReason(t *testing.T, reason string) string {
	t.Helper()
	errABI, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"Error","inputs":[{"type":"string"}]}]`))
	if err != nil {
		t.Fatalf("abi.JSON: %v", err)
	}
	packed, err := errABI.Pack("Error", reason)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return "0x" + hex.EncodeToString(packed)
}

func TestDecodeRevertDecodesStandardError(t *testing.T) {
	raw := packRevertReason(t, "insufficient balance")
	reason, ok := DecodeRevert(fakeDataError{data: raw})
	if !ok {
		t.Fatal("expected revert to decode")
	}
	if reason != "insufficient balance" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestDecodeRevertRejectsNonDataError(t *testing.T) {
	if _, ok := DecodeRevert(errors.New("boom")); ok {
		t.Fatal("expected non-DataError to not decode")
	}
}
