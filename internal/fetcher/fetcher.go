// Package fetcher implements the fetcher (C2): it ensures blobs and signed
// site indexes are present locally, fetching over HTTPS or S3 as configured
// per site, verifying digests and signatures before admitting anything to
// the blob store or catalog, and de-duplicating concurrent fetches of the
// same hash.
package fetcher

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/appfs/appfsd/internal/blobstore"
	"github.com/appfs/appfsd/internal/circuit"
	"github.com/appfs/appfsd/pkg/errors"
	"github.com/appfs/appfsd/pkg/retry"
)

// Transport abstracts how a site's bytes are reached: HTTPS GET against the
// site's own host, or a pre-configured S3 bucket/prefix standing in for it.
type Transport interface {
	// GetIndex fetches the raw signed index document for hostname.
	GetIndex(ctx context.Context, hostname string) ([]byte, error)
	// GetBlob fetches the raw bytes for a blob hash at hostname.
	GetBlob(ctx context.Context, hostname, hash string) ([]byte, error)
}

// Fetcher wires a Transport, the blob store (C1), per-hash de-duplication,
// retry policy, and a per-site circuit breaker together.
type Fetcher struct {
	transport Transport
	blobs     *blobstore.Store
	retryer   *retry.Retryer
	breakers  *circuit.Manager

	// publicKeys maps hostname to the PEM-decoded RSA public key a site's
	// index signature must verify against. A hostname absent from this map
	// has no trust anchor and its index is always rejected.
	publicKeys map[string]*rsa.PublicKey

	mu       sync.Mutex
	inflight map[string]*inflightFetch
}

type inflightFetch struct {
	done chan struct{}
	err  error
}

// New constructs a Fetcher. publicKeys should be populated from the
// operator's provisioned site list before any index is fetched.
func New(transport Transport, blobs *blobstore.Store, retryer *retry.Retryer, breakers *circuit.Manager, publicKeys map[string]*rsa.PublicKey) *Fetcher {
	if publicKeys == nil {
		publicKeys = map[string]*rsa.PublicKey{}
	}
	return &Fetcher{
		transport:  transport,
		blobs:      blobs,
		retryer:    retryer,
		breakers:   breakers,
		publicKeys: publicKeys,
		inflight:   make(map[string]*inflightFetch),
	}
}

// FetchBlob ensures hash is present in the blob store, fetching it from
// hostname if absent. Concurrent calls for the same hash perform at most one
// download; later callers block on the first and share its result.
func (f *Fetcher) FetchBlob(ctx context.Context, hostname, hash string) error {
	if f.blobs.Has(hash) {
		return nil
	}

	first, wait := f.claim(hash)
	if !first {
		select {
		case <-wait.done:
			return wait.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer f.release(hash)

	breaker := f.breakers.GetBreaker(hostname)
	err := breaker.Execute(func() error {
		return f.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			data, err := f.transport.GetBlob(ctx, hostname, hash)
			if err != nil {
				return err
			}
			return f.blobs.InsertAtomic(bytes.NewReader(data), hash)
		})
	})

	f.mu.Lock()
	if inf, ok := f.inflight[hash]; ok {
		inf.err = err
	}
	f.mu.Unlock()
	return err
}

// FetchIndex fetches and verifies the signed index for hostname. On
// signature failure the index is rejected outright and the caller's
// existing catalog state is left untouched; FetchIndex never retries a
// signature failure.
func (f *Fetcher) FetchIndex(ctx context.Context, hostname string) ([]byte, error) {
	key, trusted := f.publicKeys[hostname]
	if !trusted {
		return nil, errors.NewError(errors.ErrCodeKeyNotTrusted,
			fmt.Sprintf("fetcher: no provisioned public key for site %s", hostname)).
			WithComponent("fetcher").WithOperation("FetchIndex")
	}

	breaker := f.breakers.GetBreaker(hostname)
	var signed *signedIndex
	err := breaker.Execute(func() error {
		return f.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			raw, err := f.transport.GetIndex(ctx, hostname)
			if err != nil {
				return err
			}
			parsed, err := parseSignedIndex(raw)
			if err != nil {
				return err
			}
			signed = parsed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if err := verifySignature(key, signed.body, signed.signature); err != nil {
		return nil, errors.NewError(errors.ErrCodeSignatureFailed,
			fmt.Sprintf("fetcher: index signature verification failed for %s", hostname)).
			WithCause(err).WithComponent("fetcher").WithOperation("FetchIndex")
	}

	return signed.body, nil
}

func (f *Fetcher) claim(hash string) (first bool, wait *inflightFetch) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.inflight[hash]; ok {
		return false, existing
	}
	inf := &inflightFetch{done: make(chan struct{})}
	f.inflight[hash] = inf
	return true, inf
}

func (f *Fetcher) release(hash string) {
	f.mu.Lock()
	inf, ok := f.inflight[hash]
	delete(f.inflight, hash)
	f.mu.Unlock()
	if ok {
		close(inf.done)
	}
}

// signedIndex is the body/signature pair a site publishes: the signature
// covers exactly body, appended after the signatureSeparator line.
type signedIndex struct {
	body      []byte
	signature []byte
}

const signatureSeparator = "\n-----SIGNATURE-----\n"

func parseSignedIndex(raw []byte) (*signedIndex, error) {
	sep := []byte(signatureSeparator)
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		return nil, errors.NewError(errors.ErrCodeSignatureFailed, "fetcher: index has no signature block").
			WithComponent("fetcher").WithOperation("parseSignedIndex")
	}
	body := raw[:idx]
	sigBlock := raw[idx+len(sep):]

	block, _ := pem.Decode(sigBlock)
	if block == nil {
		return nil, errors.NewError(errors.ErrCodeSignatureFailed, "fetcher: malformed PEM signature block").
			WithComponent("fetcher").WithOperation("parseSignedIndex")
	}
	return &signedIndex{body: body, signature: block.Bytes}, nil
}

func verifySignature(pub *rsa.PublicKey, body, signature []byte) error {
	digest := sha1.Sum(body)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature)
}

// ParsePublicKeyPEM decodes a PEM-encoded RSA public key as provisioned in
// site configuration.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "fetcher: no PEM block in public key file").
			WithComponent("fetcher").WithOperation("ParsePublicKeyPEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "fetcher: parse public key").
			WithCause(err).WithComponent("fetcher").WithOperation("ParsePublicKeyPEM")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "fetcher: public key is not RSA").
			WithComponent("fetcher").WithOperation("ParsePublicKeyPEM")
	}
	return rsaPub, nil
}

// HTTPTransport fetches index and blob bytes over plain HTTPS, per
// spec.md's `https://<hostname>/appfs/...` surface. Manifests and indexes
// may be gzip-compressed on the wire; Content-Encoding is honored
// transparently.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport builds an HTTPTransport with sane timeouts.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *HTTPTransport) GetIndex(ctx context.Context, hostname string) ([]byte, error) {
	return t.get(ctx, fmt.Sprintf("https://%s/appfs/index", hostname))
}

func (t *HTTPTransport) GetBlob(ctx context.Context, hostname, hash string) ([]byte, error) {
	if len(hash) != 40 {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "fetcher: malformed hash").
			WithDetail("hash", hash).WithComponent("fetcher").WithOperation("GetBlob")
	}
	url := fmt.Sprintf("https://%s/appfs/sha1/%s/%s", hostname, hash[:2], hash[2:])
	return t.get(ctx, url)
}

func (t *HTTPTransport) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "fetcher: build request").
			WithCause(err).WithComponent("fetcher").WithOperation("get")
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNetworkError, fmt.Sprintf("fetcher: GET %s", url)).
			WithCause(err).WithComponent("fetcher").WithOperation("get")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := errors.ErrCodeFetchFailed
		if resp.StatusCode >= 500 {
			code = errors.ErrCodeNetworkError
		}
		return nil, errors.NewError(code, fmt.Sprintf("fetcher: GET %s: status %d", url, resp.StatusCode)).
			WithDetail("status", resp.StatusCode).WithComponent("fetcher").WithOperation("get")
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeFetchFailed, "fetcher: decompress response").
				WithCause(err).WithComponent("fetcher").WithOperation("get")
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "fetcher: read response body").
			WithCause(err).WithComponent("fetcher").WithOperation("get")
	}
	return data, nil
}
