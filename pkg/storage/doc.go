// Package storage provides content-addressed retrieval and upload for
// resources backed by distributed storage (IPFS and Lighthouse/Filecoin).
//
// StarkBot uses it for two things: pkg/catalog resolves bundle references
// that point at an IPFS or Lighthouse CID instead of a local path, and
// pkg/backup's IPFSBackend pins sealed backup envelopes to IPFS rather than
// an arbitrary HTTP keystore.
//
// # Supported backends
//
// IPFS (InterPlanetary File System):
//   - Content-addressed storage
//   - Access via the Kubo HTTP API (github.com/ipfs/kubo/client/rpc)
//   - CID format: Qm... (CIDv0) or bafybei... (CIDv1)
//
// Lighthouse (Filecoin gateway):
//   - Filecoin-based permanent storage
//   - Access via a plain HTTP gateway
//   - Compatible with IPFS CIDs
//
// # Client
//
//	client := storage.NewStorage(ipfsURL, lighthouseURL)
//	data, err := client.ReadFile(ctx, "ipfs://"+cid)     // IPFS via Kubo
//	data, err := client.ReadFile(ctx, "filecoin://"+cid) // Lighthouse gateway
//
// UploadJSON marshals a value and uploads it as a JSON document; UploadBytes
// uploads an already-encoded blob (e.g. a sealed backup envelope) as-is.
// Both require a Kubo node reachable at the configured IPFS URL.
//
// # Proto archives
//
// ParseProtoFiles extracts .proto source files from a tar or tar.gz archive,
// for resources whose payload is a bundled schema rather than a single file.
package storage
