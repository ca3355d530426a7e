// Package rpcclient provides a lightweight dynamic gRPC client that invokes
// RPC methods without generated stubs, compiling caller-supplied .proto
// sources at runtime (via protocompile) and marshaling requests/responses
// with dynamicpb. It backs the Remote wallet provider's custodial signing
// calls: a custodial signing service can be described purely by its .proto
// contract at boot, the same way the upstream SDK invokes AI services
// without bundling their generated stubs.
package rpcclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bufbuild/protocompile/linker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Client is a dynamic gRPC client holding a connected ClientConn and the
// compiled descriptors used to resolve services/methods at runtime.
type Client struct {
	GRPC       *grpc.ClientConn
	ProtoFiles linker.Files
}

// NewClient creates a dynamic gRPC client for endpoint using the given set
// of .proto sources (filename -> content). The endpoint scheme determines
// transport security: "https://" uses TLS, "http://" or no scheme is
// insecure. Proto files are compiled at runtime; on compile failure the
// connection is closed and an error is returned.
func NewClient(endpoint string, protoFiles map[string]string) (*Client, error) {
	addr, creds := credsFromEndpoint(endpoint)
	conn, err := grpc.NewClient(addr, creds)
	if err != nil {
		return nil, err
	}

	descriptors, err := compileProtoFiles(protoFiles)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	conn.Connect()
	return &Client{GRPC: conn, ProtoFiles: descriptors}, nil
}

// Close shuts down the underlying connection. Safe on a nil receiver.
func (c *Client) Close() error {
	if c == nil || c.GRPC == nil {
		return nil
	}
	return c.GRPC.Close()
}

// CallWithMap invokes a unary RPC by method name using a map request body,
// JSON-encoding it and routing through CallWithJSON.
func (c *Client) CallWithMap(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	jsonData, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	respBytes, err := c.CallWithJSON(ctx, method, jsonData)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CallWithProto invokes a unary RPC by method name with a concrete
// proto.Message request, returning a dynamic proto.Message response.
func (c *Client) CallWithProto(ctx context.Context, method string, req proto.Message) (proto.Message, error) {
	fd, methodDesc, err := FindMethod(c.ProtoFiles, method)
	if err != nil {
		return nil, err
	}
	out := dynamicpb.NewMessage(methodDesc.Output())
	fullMethod := "/" + string(fd.Package()) + "." + string(methodDesc.Parent().Name()) + "/" + method
	if err := c.GRPC.Invoke(ctx, fullMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallWithJSON invokes a unary RPC by method name using a JSON request body,
// unmarshaling into a dynamic input message and marshaling the dynamic
// response back to JSON.
func (c *Client) CallWithJSON(ctx context.Context, method string, body []byte) ([]byte, error) {
	fd, methodDesc, err := FindMethod(c.ProtoFiles, method)
	if err != nil {
		return nil, err
	}

	in := dynamicpb.NewMessage(methodDesc.Input())
	out := dynamicpb.NewMessage(methodDesc.Output())

	if err := (protojson.UnmarshalOptions{AllowPartial: true, DiscardUnknown: true}).Unmarshal(body, in); err != nil {
		return nil, err
	}

	fullMethod := "/" + string(fd.Package()) + "." + string(methodDesc.Parent().Name()) + "/" + method
	if err := c.GRPC.Invoke(ctx, fullMethod, in, out); err != nil {
		return nil, err
	}

	return (protojson.MarshalOptions{EmitUnpopulated: true, UseProtoNames: true}).Marshal(out)
}

// credsFromEndpoint derives a dial address and dial option from an endpoint URL.
func credsFromEndpoint(endpoint string) (string, grpc.DialOption) {
	if strings.HasPrefix(endpoint, "https://") {
		return strings.TrimPrefix(endpoint, "https://"), grpc.WithTransportCredentials(credentials.NewTLS(nil))
	}
	if strings.HasPrefix(endpoint, "http://") {
		return strings.TrimPrefix(endpoint, "http://"), grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	return endpoint, grpc.WithTransportCredentials(insecure.NewCredentials())
}
