package fetcher

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/appfs/appfsd/pkg/errors"
)

// S3SiteConfig locates one site's index/blob objects within a bucket.
type S3SiteConfig struct {
	Hostname string
	Bucket   string
	Prefix   string
	Region   string
}

// S3Transport serves GetIndex/GetBlob out of per-site S3 buckets, for sites
// mirrored into object storage rather than served directly over HTTPS.
// Grounded on the same GetObject/client-pool shape used for the object
// storage backend, narrowed to the fetcher's read-only needs.
type S3Transport struct {
	sites map[string]S3SiteConfig

	mu      sync.Mutex
	clients map[string]*s3.Client
}

// NewS3Transport builds a transport over the given per-hostname site
// locations. AWS clients are created lazily, one per site hostname.
func NewS3Transport(sites []S3SiteConfig) *S3Transport {
	byHost := make(map[string]S3SiteConfig, len(sites))
	for _, s := range sites {
		byHost[s.Hostname] = s
	}
	return &S3Transport{
		sites:   byHost,
		clients: make(map[string]*s3.Client),
	}
}

func (t *S3Transport) GetIndex(ctx context.Context, hostname string) ([]byte, error) {
	site, ok := t.sites[hostname]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeSiteUnknown,
			fmt.Sprintf("s3transport: no S3 location configured for %s", hostname)).
			WithComponent("fetcher").WithOperation("GetIndex")
	}
	return t.getObject(ctx, site, path.Join(site.Prefix, "appfs", "index"))
}

func (t *S3Transport) GetBlob(ctx context.Context, hostname, hash string) ([]byte, error) {
	site, ok := t.sites[hostname]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeSiteUnknown,
			fmt.Sprintf("s3transport: no S3 location configured for %s", hostname)).
			WithComponent("fetcher").WithOperation("GetBlob")
	}
	if len(hash) != 40 {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "s3transport: malformed hash").
			WithDetail("hash", hash).WithComponent("fetcher").WithOperation("GetBlob")
	}
	key := path.Join(site.Prefix, "appfs", "sha1", hash[:2], hash[2:])
	return t.getObject(ctx, site, key)
}

func (t *S3Transport) getObject(ctx context.Context, site S3SiteConfig, key string) ([]byte, error) {
	client, err := t.clientFor(ctx, site)
	if err != nil {
		return nil, err
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(site.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNetworkError,
			fmt.Sprintf("s3transport: GetObject s3://%s/%s", site.Bucket, key)).
			WithCause(err).WithComponent("fetcher").WithOperation("getObject")
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "s3transport: read object body").
			WithCause(err).WithComponent("fetcher").WithOperation("getObject")
	}
	return data, nil
}

func (t *S3Transport) clientFor(ctx context.Context, site S3SiteConfig) (*s3.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[site.Hostname]; ok {
		return c, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(site.Region))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "s3transport: load AWS config").
			WithCause(err).WithComponent("fetcher").WithOperation("clientFor")
	}
	client := s3.NewFromConfig(awsCfg)
	t.clients[site.Hostname] = client
	return client, nil
}
