package resolver

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/appfs/appfsd/internal/attrcache"
	"github.com/appfs/appfsd/internal/authctx"
	"github.com/appfs/appfsd/internal/blobstore"
	"github.com/appfs/appfsd/internal/catalog"
	"github.com/appfs/appfsd/internal/circuit"
	"github.com/appfs/appfsd/internal/fetcher"
	"github.com/appfs/appfsd/internal/overlay"
	"github.com/appfs/appfsd/internal/pathinfo"
	"github.com/appfs/appfsd/pkg/retry"
)

const sampleIndex = "utils\t1.0\tlinux\tamd64\t%s\t1\n"

const sampleManifest = "file\tx-\t5\t1700000000\t\tls\t%s\t\n"

type testFixture struct {
	resolver *Resolver
	overlay  *overlay.Overlay
	db       *catalog.DB
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	dir := t.TempDir()
	db, err := catalog.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}

	manifest := []byte(sprintfManifest(sampleManifest, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
	manifestSum := sha1.Sum(manifest)
	manifestHash := hex.EncodeToString(manifestSum[:])

	indexBody := []byte(sprintfIndex(sampleIndex, manifestHash))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	signed := signIndex(t, key, indexBody)

	tr := &fakeTransport{
		indexBytes: map[string][]byte{"example.com": signed},
		blobBytes:  map[string][]byte{manifestHash: manifest},
	}

	retryer := retry.New(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	breakers := circuit.NewManager(circuit.Config{})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	pub, err := fetcher.ParsePublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}

	f := fetcher.New(tr, blobs, retryer, breakers, map[string]*rsa.PublicKey{"example.com": pub})

	attrs := attrcache.New(1009)
	ov := overlay.New(filepath.Join(dir, "overlay"), blobs, attrs)

	r := New(db, f, blobs, ov, attrs, Config{
		ProvisionedSites: []string{"example.com"},
		BootTime:         time.Unix(1700000000, 0),
	})

	return &testFixture{resolver: r, overlay: ov, db: db}
}

type fakeTransport struct {
	indexBytes map[string][]byte
	blobBytes  map[string][]byte
}

func (f *fakeTransport) GetIndex(ctx context.Context, hostname string) ([]byte, error) {
	return f.indexBytes[hostname], nil
}

func (f *fakeTransport) GetBlob(ctx context.Context, hostname, hash string) ([]byte, error) {
	return f.blobBytes[hash], nil
}

func sprintfIndex(format, manifestHash string) string {
	return fmt.Sprintf(format, manifestHash)
}

func sprintfManifest(format, blobHash string) string {
	return fmt.Sprintf(format, blobHash)
}

func signIndex(t *testing.T, key *rsa.PrivateKey, body []byte) []byte {
	t.Helper()
	sum := sha1.Sum(body)
	sig, err := rsaSign(key, sum[:])
	if err != nil {
		t.Fatalf("rsaSign: %v", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig})
	out := append([]byte{}, body...)
	out = append(out, []byte("\n-----SIGNATURE-----\n")...)
	out = append(out, block...)
	return out
}

func rsaSign(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest)
}

func TestResolveRootListsProvisionedAndKnownSites(t *testing.T) {
	fx := newFixture(t)
	info, err := fx.resolver.Resolve(context.Background(), "/", authctx.Caller{UID: 1000})
	if err != nil {
		t.Fatalf("Resolve(/): %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected root to be a directory, got %v", info.Type)
	}
	if len(info.Children) != 1 || info.Children[0] != "example.com" {
		t.Errorf("Children = %v, want [example.com]", info.Children)
	}
}

func TestResolveVersionFetchesIndexAndManifest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	caller := authctx.Caller{UID: 1000}

	info, err := fx.resolver.Resolve(ctx, "/example.com/utils/linux-amd64/1.0", caller)
	if err != nil {
		t.Fatalf("Resolve(version dir): %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected version dir, got %v", info.Type)
	}
	if len(info.Children) != 1 || info.Children[0] != "ls" {
		t.Errorf("Children = %v, want [ls]", info.Children)
	}
}

func TestResolveInPackageFileReturnsBlobHash(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	caller := authctx.Caller{UID: 1000}

	info, err := fx.resolver.Resolve(ctx, "/example.com/utils/linux-amd64/1.0/ls", caller)
	if err != nil {
		t.Fatalf("Resolve(file): %v", err)
	}
	if info.Type != pathinfo.TypeFile {
		t.Fatalf("expected file, got %v", info.Type)
	}
	if info.BlobHash != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Errorf("BlobHash = %q", info.BlobHash)
	}
	if !info.Executable {
		t.Error("expected executable flag from perms 'x-'")
	}
	if !info.Packaged {
		t.Error("expected packaged=true")
	}
}

func TestResolveUnknownPathDoesNotExist(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	caller := authctx.Caller{UID: 1000}

	info, err := fx.resolver.Resolve(ctx, "/example.com/utils/linux-amd64/1.0/missing", caller)
	if err != nil {
		t.Fatalf("Resolve(missing): %v", err)
	}
	if info.Type != pathinfo.TypeUnknown {
		t.Errorf("expected TypeUnknown, got %v", info.Type)
	}
}

func TestResolveTombstonePrecedesManifest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	caller := authctx.Caller{UID: 1000}
	p := "/example.com/utils/linux-amd64/1.0/ls"

	if _, err := fx.resolver.Resolve(ctx, p, caller); err != nil {
		t.Fatalf("Resolve(before unlink): %v", err)
	}
	if err := fx.overlay.UnlinkPath(p, caller.UID, true); err != nil {
		t.Fatalf("UnlinkPath: %v", err)
	}

	info, err := fx.resolver.Resolve(ctx, p, caller)
	if err != nil {
		t.Fatalf("Resolve(after unlink): %v", err)
	}
	if info.Type != pathinfo.TypeUnknown {
		t.Errorf("expected tombstoned path to resolve as DoesNotExist, got %v", info.Type)
	}
}

func TestResolveIsDeterministicAndCached(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	caller := authctx.Caller{UID: 1000}
	p := "/example.com/utils/linux-amd64/1.0/ls"

	first, err := fx.resolver.Resolve(ctx, p, caller)
	if err != nil {
		t.Fatalf("Resolve (first): %v", err)
	}
	second, err := fx.resolver.Resolve(ctx, p, caller)
	if err != nil {
		t.Fatalf("Resolve (second): %v", err)
	}
	if first.Type != second.Type || first.Size != second.Size || first.Inode != second.Inode ||
		first.ModTime != second.ModTime || first.BlobHash != second.BlobHash {
		t.Errorf("expected identical PathInfo across cached calls, got %+v vs %+v", first, second)
	}
}

func TestInodeDeterministicAcrossCalls(t *testing.T) {
	a := inode("/example.com/utils/linux-amd64/1.0/bin/ls")
	b := inode("/example.com/utils/linux-amd64/1.0/bin/ls")
	if a != b {
		t.Errorf("inode() not deterministic: %d vs %d", a, b)
	}
	if a == inode("/example.com/utils/linux-amd64/1.0/bin/ls2") {
		t.Error("expected different paths to (overwhelmingly likely) hash differently")
	}
}
