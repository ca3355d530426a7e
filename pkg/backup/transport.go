package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/starkbot/backend/pkg/starkerr"
	"github.com/starkbot/backend/pkg/storage"
	"github.com/starkbot/backend/pkg/wallet"
)

// DefaultUploadTimeout matches spec §5's keystore-upload suspension budget.
const DefaultUploadTimeout = 30 * time.Second

// Backend is the content-addressed blob store a Manager seals backups to.
// Keystore (plain HTTP, SIWE-authenticated) and IPFSBackend (pkg/storage,
// content-addressed) both satisfy it.
type Backend interface {
	Upload(ctx context.Context, sealed []byte) (string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Keystore uploads and fetches sealed backup envelopes over HTTP, the same
// transport shape as pkg/storage's IPFS/Lighthouse fetchers: a base endpoint
// plus a plain *http.Client, content addressed by an opaque key returned
// from the upload. Every request carries a SIWE (EIP-4361) sign-in message
// as its Authorization header, signed by the wallet via SignMessage.
type Keystore struct {
	Endpoint string
	Client   *http.Client
	Wallet   wallet.Provider
	Domain   string // SIWE "domain" field, e.g. "backup.starkbot.internal"
	now      func() time.Time
}

var _ Backend = (*Keystore)(nil)

// NewKeystore builds a Keystore with a client timeout of DefaultUploadTimeout.
func NewKeystore(endpoint, domain string, w wallet.Provider) *Keystore {
	return &Keystore{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: DefaultUploadTimeout},
		Wallet:   w,
		Domain:   domain,
		now:      time.Now,
	}
}

// Upload POSTs the sealed envelope to the keystore and returns its
// content key (e.g. a CID or opaque blob id assigned by the keystore).
func (k *Keystore) Upload(ctx context.Context, sealed []byte) (string, error) {
	auth, err := k.siweHeader(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.Endpoint, bytes.NewReader(sealed))
	if err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "backup: build keystore upload request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", auth)

	resp, err := k.Client.Do(req)
	if err != nil {
		return "", starkerr.Wrap(starkerr.UpstreamTransient, "backup: keystore upload", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", starkerr.Wrap(starkerr.UpstreamTransient, "backup: read keystore upload response", err)
	}
	if resp.StatusCode >= 500 {
		return "", starkerr.New(starkerr.UpstreamTransient, fmt.Sprintf("backup: keystore upload status %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 400 {
		return "", starkerr.New(starkerr.UpstreamPermanent, fmt.Sprintf("backup: keystore upload status %d: %s", resp.StatusCode, body))
	}

	zap.L().Info("backup: uploaded snapshot to keystore", zap.Int("bytes", len(sealed)))
	return string(body), nil
}

// Fetch GETs the sealed envelope for key back from the keystore.
func (k *Keystore) Fetch(ctx context.Context, key string) ([]byte, error) {
	auth, err := k.siweHeader(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.Endpoint+"/"+key, nil)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "backup: build keystore fetch request", err)
	}
	req.Header.Set("Authorization", auth)

	resp, err := k.Client.Do(req)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.UpstreamTransient, "backup: keystore fetch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.UpstreamTransient, "backup: read keystore fetch response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, starkerr.New(starkerr.UpstreamPermanent, fmt.Sprintf("backup: keystore fetch %s status %d: %s", key, resp.StatusCode, body))
	}
	return body, nil
}

// IPFSBackend adapts pkg/storage's Kubo-backed Client to Backend, storing
// sealed envelopes on IPFS instead of an arbitrary HTTP keystore. Useful when
// KeystoreURL names an IPFS node rather than a bespoke keystore service.
type IPFSBackend struct {
	Client *storage.Client
}

var _ Backend = (*IPFSBackend)(nil)

// NewIPFSBackend wraps an already-configured storage.Client.
func NewIPFSBackend(client *storage.Client) *IPFSBackend {
	return &IPFSBackend{Client: client}
}

// Upload pins sealed on IPFS and returns its ipfs:// URI as the content key.
func (b *IPFSBackend) Upload(ctx context.Context, sealed []byte) (string, error) {
	uri, err := b.Client.UploadBytes(ctx, sealed)
	if err != nil {
		return "", starkerr.Wrap(starkerr.UpstreamTransient, "backup: ipfs upload", err)
	}
	return uri, nil
}

// Fetch retrieves the sealed envelope previously pinned at key.
func (b *IPFSBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := b.Client.ReadFile(ctx, key)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.UpstreamTransient, "backup: ipfs fetch", err)
	}
	return data, nil
}

// siweHeader builds and signs an EIP-4361 sign-in message, encoding it with
// its signature as a single Authorization header value.
func (k *Keystore) siweHeader(ctx context.Context) (string, error) {
	msg := siweMessage(k.Domain, k.Wallet.Address().Hex(), k.now())
	sig, err := k.Wallet.SignMessage(ctx, []byte(msg))
	if err != nil {
		return "", starkerr.Wrap(starkerr.Internal, "backup: sign SIWE message", err)
	}
	return "SIWE " + encodeAuth(msg, sig), nil
}

// siweMessage renders the plain-text EIP-4361 message body. No third-party
// SIWE library appears anywhere in the retrieval pack, so this is built
// directly from the spec text format rather than adopting an unrelated
// dependency (see DESIGN.md).
func siweMessage(domain, address string, issuedAt time.Time) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your Ethereum account:\n%s\n\n"+
			"I authorize this backup keystore request.\n\n"+
			"URI: https://%s\nVersion: 1\nChain ID: 8453\nIssued At: %s",
		domain, address, domain, issuedAt.UTC().Format(time.RFC3339),
	)
}

// encodeAuth hex-encodes the message and signature into a single header
// value of the form "<message-hex>.<signature-hex>"; the keystore recovers
// the signer from the message hash and signature to authenticate.
func encodeAuth(msg string, sig []byte) string {
	return hex.EncodeToString([]byte(msg)) + "." + hex.EncodeToString(sig)
}
