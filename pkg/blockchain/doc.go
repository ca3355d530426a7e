// Package blockchain implements the chain-id-aware EVM RPC client (C2):
// eth_call, eth_estimateGas, EIP-1559 fee suggestion, pending-nonce lookup,
// raw transaction broadcast, receipt polling, and log retrieval, against a
// registry of configured networks.
//
// # Networks
//
// A Registry dials one *ethclient.Client per configured network and routes
// every call by chain id:
//
//	reg, err := blockchain.Dial(ctx, []config.Network{config.BaseMain})
//	client, err := reg.Client(8453)
//
// # Retries
//
// Transient RPC errors are retried with exponential backoff up to a bounded
// attempt count (see withRetry); reverted eth_call results are decoded into
// a human-readable revert reason when ABI-recognizable (see DecodeRevert).
package blockchain
