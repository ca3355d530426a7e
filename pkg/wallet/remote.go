package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/starkbot/backend/pkg/rpcclient"
	"google.golang.org/grpc/metadata"
)

// remoteSignerProto is the .proto contract the custodial signing service is
// expected to implement. It is compiled at runtime by rpcclient so the
// Remote wallet provider never needs generated stubs for a specific
// custodian's SDK.
const remoteSignerProto = `
syntax = "proto3";
package starkbot.signer;

service CustodialSigner {
  rpc Address(AddressRequest) returns (AddressReply) {}
  rpc SignMessage(SignMessageRequest) returns (SignReply) {}
  rpc SignTypedData(SignTypedDataRequest) returns (SignReply) {}
  rpc SignTransaction(SignTransactionRequest) returns (SignTransactionReply) {}
  rpc EncryptionKey(EncryptionKeyRequest) returns (EncryptionKeyReply) {}
  rpc ECDH(ECDHRequest) returns (ECDHReply) {}
}

message AddressRequest {}
message AddressReply { string address = 1; }

message SignMessageRequest { bytes message = 1; }
message SignTypedDataRequest { string typed_data_json = 1; }
message SignReply { bytes signature = 1; }

message SignTransactionRequest {
  int64 chain_id = 1;
  uint64 nonce = 2;
  bytes gas_tip_cap = 3;
  bytes gas_fee_cap = 4;
  uint64 gas = 5;
  string to = 6;
  bytes value = 7;
  bytes data = 8;
}
message SignTransactionReply { bytes raw_transaction = 1; }

message EncryptionKeyRequest {}
message EncryptionKeyReply { bytes key = 1; bool present = 2; }

message ECDHRequest { bytes peer_compressed_pub_key = 1; }
message ECDHReply { bytes shared_secret = 1; }
`

// RemoteProvider holds a bearer credential and an address returned by a
// custodial signing service; every signing call is an authenticated RPC.
// SignHash is not supported: the custodial policy engine enforces its checks
// against the full typed-data document, so it must see SignTypedData calls.
type RemoteProvider struct {
	client  *rpcclient.Client
	token   string
	address common.Address
}

var _ Provider = (*RemoteProvider)(nil)

// NewRemoteProvider dials endpoint, compiles the custodial signer contract,
// fetches the custodian-held address, and returns a ready Provider.
func NewRemoteProvider(ctx context.Context, endpoint, bearerToken string) (*RemoteProvider, error) {
	client, err := rpcclient.NewClient(endpoint, map[string]string{"signer.proto": remoteSignerProto})
	if err != nil {
		return nil, fmt.Errorf("remote wallet: dial custodial signer: %w", err)
	}

	p := &RemoteProvider{client: client, token: bearerToken}

	resp, err := client.CallWithMap(p.authedContext(ctx), "Address", map[string]any{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remote wallet: fetch address: %w", err)
	}
	addrHex, _ := resp["address"].(string)
	if addrHex == "" {
		_ = client.Close()
		return nil, fmt.Errorf("remote wallet: custodial service returned no address")
	}
	p.address = common.HexToAddress(addrHex)
	return p, nil
}

func (p *RemoteProvider) authedContext(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+p.token)
}

func (p *RemoteProvider) Address() common.Address { return p.address }

func (p *RemoteProvider) ModeName() Mode { return ModeRemote }

func (p *RemoteProvider) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	resp, err := p.client.CallWithMap(p.authedContext(ctx), "SignMessage", map[string]any{"message": msg})
	if err != nil {
		return nil, fmt.Errorf("remote wallet: sign message: %w", err)
	}
	return decodeSignature(resp)
}

// SignHash always fails: the custodial policy engine requires the full
// typed-data document to enforce its own checks, so a bare pre-hashed digest
// cannot be evaluated by the remote signer.
func (p *RemoteProvider) SignHash(context.Context, [32]byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (p *RemoteProvider) SignTypedData(ctx context.Context, doc apitypes.TypedData) ([]byte, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("remote wallet: marshal typed data: %w", err)
	}
	resp, err := p.client.CallWithMap(p.authedContext(ctx), "SignTypedData", map[string]any{"typed_data_json": string(docJSON)})
	if err != nil {
		return nil, fmt.Errorf("remote wallet: sign typed data: %w", err)
	}
	return decodeSignature(resp)
}

// SignTransaction sends the full outbound transaction fields to the
// custodial signer so its policy engine can evaluate them directly (the same
// reason SignHash is unsupported), and decodes the RLP-encoded signed
// transaction the service returns.
func (p *RemoteProvider) SignTransaction(ctx context.Context, tx *types.DynamicFeeTx) (*types.Transaction, error) {
	to := ""
	if tx.To != nil {
		to = tx.To.Hex()
	}
	req := map[string]any{
		"chain_id":    tx.ChainID.Int64(),
		"nonce":       tx.Nonce,
		"gas_tip_cap": tx.GasTipCap.Bytes(),
		"gas_fee_cap": tx.GasFeeCap.Bytes(),
		"gas":         tx.Gas,
		"to":          to,
		"value":       tx.Value.Bytes(),
		"data":        tx.Data,
	}
	resp, err := p.client.CallWithMap(p.authedContext(ctx), "SignTransaction", req)
	if err != nil {
		return nil, fmt.Errorf("remote wallet: sign transaction: %w", err)
	}
	raw, err := decodeBytesField(resp["raw_transaction"])
	if err != nil {
		return nil, fmt.Errorf("remote wallet: decode signed transaction: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("remote wallet: unmarshal signed transaction: %w", err)
	}
	return signed, nil
}

func (p *RemoteProvider) EncryptionKey(ctx context.Context) ([]byte, bool, error) {
	resp, err := p.client.CallWithMap(p.authedContext(ctx), "EncryptionKey", map[string]any{})
	if err != nil {
		return nil, false, fmt.Errorf("remote wallet: encryption key: %w", err)
	}
	present, _ := resp["present"].(bool)
	if !present {
		return nil, false, nil
	}
	sig, err := decodeSignature(map[string]any{"signature": resp["key"]})
	if err != nil {
		return nil, false, err
	}
	return sig, true, nil
}

// ECDH asks the custodial service to compute the shared secret against
// peerCompressedPubKey on our behalf; the private scalar never leaves it.
func (p *RemoteProvider) ECDH(ctx context.Context, peerCompressedPubKey []byte) ([]byte, error) {
	resp, err := p.client.CallWithMap(p.authedContext(ctx), "ECDH", map[string]any{"peer_compressed_pub_key": peerCompressedPubKey})
	if err != nil {
		return nil, fmt.Errorf("remote wallet: ecdh: %w", err)
	}
	return decodeBytesField(resp["shared_secret"])
}

// Close releases the underlying connection to the custodial signer.
func (p *RemoteProvider) Close() error { return p.client.Close() }

// decodeSignature extracts the "signature" field from a protojson-decoded
// response map, where bytes fields are base64-encoded strings per protojson
// convention, or a []byte when returned directly by a fake in tests.
func decodeSignature(resp map[string]any) ([]byte, error) {
	return decodeBytesField(resp["signature"])
}

// decodeBytesField adapts a single protojson bytes field, which arrives as a
// base64-encoded string in production or a raw []byte from test fakes.
func decodeBytesField(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return decodeBase64(v)
	default:
		return nil, fmt.Errorf("remote wallet: unexpected bytes field type %T", v)
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
