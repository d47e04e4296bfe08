package fetcher

import (
	"context"
	"fmt"

	"github.com/appfs/appfsd/pkg/errors"
)

// SiteTransport dispatches to either HTTPS or S3 per hostname, matching
// SiteConfig.Transport ("" / "https" / "s3").
type SiteTransport struct {
	https *HTTPTransport
	s3    *S3Transport
	// transportOf records which transport a hostname was provisioned with.
	transportOf map[string]string
}

// NewSiteTransport builds a dispatcher. s3 may be nil if no site uses S3.
func NewSiteTransport(https *HTTPTransport, s3 *S3Transport, transportOf map[string]string) *SiteTransport {
	if https == nil {
		https = NewHTTPTransport()
	}
	return &SiteTransport{https: https, s3: s3, transportOf: transportOf}
}

func (t *SiteTransport) resolve(hostname string) (Transport, error) {
	switch t.transportOf[hostname] {
	case "", "https":
		return t.https, nil
	case "s3":
		if t.s3 == nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig,
				fmt.Sprintf("sitetransport: %s configured for s3 but no S3Transport provided", hostname)).
				WithComponent("fetcher").WithOperation("resolve")
		}
		return t.s3, nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("sitetransport: unknown transport for %s", hostname)).
			WithComponent("fetcher").WithOperation("resolve")
	}
}

func (t *SiteTransport) GetIndex(ctx context.Context, hostname string) ([]byte, error) {
	tr, err := t.resolve(hostname)
	if err != nil {
		return nil, err
	}
	return tr.GetIndex(ctx, hostname)
}

func (t *SiteTransport) GetBlob(ctx context.Context, hostname, hash string) ([]byte, error) {
	tr, err := t.resolve(hostname)
	if err != nil {
		return nil, err
	}
	return tr.GetBlob(ctx, hostname, hash)
}
