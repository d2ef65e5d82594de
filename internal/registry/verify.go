package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

// Verifier checks that a registry is reachable and accepts the stored
// credentials by pinging its v2 API endpoint.
type Verifier struct {
	// PlainHTTP allows http:// registries, for local development setups.
	PlainHTTP bool
}

// Verify pings the registry at host with the given credentials. Empty
// credentials probe anonymously, which well-known registries accept for
// their ping endpoint.
func (v *Verifier) Verify(ctx context.Context, host string, creds Credentials) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("registry host is required")
	}

	reg, err := remote.NewRegistry(host)
	if err != nil {
		return fmt.Errorf("parse registry host %q: %w", host, err)
	}
	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if !creds.empty() {
		client.Credential = auth.StaticCredential(host, auth.Credential{
			Username: creds.Username,
			Password: creds.Password,
		})
	}
	reg.Client = client
	reg.PlainHTTP = v != nil && v.PlainHTTP

	if err := reg.Ping(ctx); err != nil {
		return classifyVerifyError(host, err)
	}
	return nil
}

func classifyVerifyError(host string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication required") {
		return fmt.Errorf("registry authentication failed")
	}
	return fmt.Errorf("ping registry %s: %w", host, err)
}

// RegistryHost resolves the host a registry's images push to. An explicit
// host in the base image's first path segment wins; otherwise the registry
// type picks the well-known host. ECR hosts come from the authorization
// token's proxy endpoint, so aws_ecr resolves to empty here.
func RegistryHost(reg domain.ContainerRegistry) string {
	if host := hostSegment(reg.BaseImage); host != "" {
		return host
	}
	switch reg.Type {
	case domain.RegistryTypeDockerHub:
		return "docker.io"
	case domain.RegistryTypeQuay:
		return "quay.io"
	default:
		return ""
	}
}

// HostFromServerAddress strips the scheme from a registry server address
// such as an ECR proxy endpoint.
func HostFromServerAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimPrefix(addr, "http://")
	return strings.TrimSuffix(addr, "/")
}

// hostSegment returns the leading path segment of an image reference when
// it names a registry host. Docker treats the first segment as a host only
// if it contains a dot or a port.
func hostSegment(baseImage string) string {
	baseImage = strings.TrimSpace(baseImage)
	first, _, ok := strings.Cut(baseImage, "/")
	if !ok {
		return ""
	}
	if strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost" {
		return first
	}
	return ""
}
