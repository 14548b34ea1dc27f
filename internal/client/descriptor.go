package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"strings"
)

// Descriptor is everything needed to reach the platform on behalf of one user. It is resolved
// once per invocation and treated as read-only afterwards.
type Descriptor struct {
	BaseURL string
	Token   string
	// CA is optional PEM trust material for self-signed platform certificates.
	CA []byte
}

// Resolver produces session descriptors. Reauthenticate is called after the platform answered
// 401 and must return a descriptor carrying a fresh token.
type Resolver interface {
	Descriptor(ctx context.Context) (Descriptor, error)
	Reauthenticate(ctx context.Context) (Descriptor, error)
}

var errInvalidCA = errors.New("no certificates found in CA material")

// TLSConfig returns nil when the descriptor carries no custom trust material.
func (d Descriptor) TLSConfig() (*tls.Config, error) {
	if len(d.CA) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(d.CA) {
		return nil, errInvalidCA
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// HTTPClient returns a client trusting the descriptor's CA in addition to nothing else.
func (d Descriptor) HTTPClient() (*http.Client, error) {
	tlsCfg, err := d.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return http.DefaultClient, nil
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	return &http.Client{Transport: tr}, nil
}

// ResourceURL joins a platform-relative resource path onto the base URL.
func (d Descriptor) ResourceURL(resource string) string {
	return strings.TrimRight(d.BaseURL, "/") + "/" + strings.TrimLeft(resource, "/")
}

// StaticResolver serves a fixed descriptor and cannot re-authenticate. Used by tests and by
// callers that already hold a token.
type StaticResolver struct {
	D Descriptor
}

func (s StaticResolver) Descriptor(context.Context) (Descriptor, error) { return s.D, nil }

func (s StaticResolver) Reauthenticate(context.Context) (Descriptor, error) {
	return Descriptor{}, ErrCannotReauthenticate
}

// ErrCannotReauthenticate is returned by resolvers without a credential source.
var ErrCannotReauthenticate = errors.New("re-authentication not available")
