package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

func TestVerifyPingsRegistry(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	v := &Verifier{PlainHTTP: true}
	if err := v.Verify(context.Background(), host, Credentials{}); err != nil {
		t.Fatalf("verify registry: %v", err)
	}
	if path != "/v2/" {
		t.Fatalf("expected v2 ping, got %q", path)
	}
}

func TestVerifyRequiresHost(t *testing.T) {
	v := &Verifier{}
	if err := v.Verify(context.Background(), " ", Credentials{}); err == nil {
		t.Fatal("expected error for empty host")
	}
}

func TestClassifyVerifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"unauthorized", errors.New("GET https://quay.io/v2/: response status code 401: unauthorized"), "registry authentication failed"},
		{"unreachable", errors.New("dial tcp: lookup registry.invalid: no such host"), "ping registry quay.io"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyVerifyError("quay.io", tc.err)
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}

	if err := classifyVerifyError("quay.io", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error to pass through, got %v", err)
	}
}

func TestRegistryHost(t *testing.T) {
	cases := []struct {
		name string
		reg  domain.ContainerRegistry
		want string
	}{
		{
			name: "docker hub default",
			reg:  domain.ContainerRegistry{Type: domain.RegistryTypeDockerHub, BaseImage: "acme/app"},
			want: "docker.io",
		},
		{
			name: "quay default",
			reg:  domain.ContainerRegistry{Type: domain.RegistryTypeQuay, BaseImage: "acme/app"},
			want: "quay.io",
		},
		{
			name: "explicit host wins",
			reg:  domain.ContainerRegistry{Type: domain.RegistryTypeCustom, BaseImage: "registry.acme.dev/team/app"},
			want: "registry.acme.dev",
		},
		{
			name: "host with port",
			reg:  domain.ContainerRegistry{Type: domain.RegistryTypeCustom, BaseImage: "localhost:5000/app"},
			want: "localhost:5000",
		},
		{
			name: "ecr resolves via token endpoint",
			reg:  domain.ContainerRegistry{Type: domain.RegistryTypeAWSECR, BaseImage: "forgeline/app"},
			want: "",
		},
		{
			name: "plain namespace is not a host",
			reg:  domain.ContainerRegistry{Type: domain.RegistryTypeCustom, BaseImage: "acme/app"},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RegistryHost(tc.reg); got != tc.want {
				t.Fatalf("RegistryHost() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHostFromServerAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://123456789012.dkr.ecr.eu-west-1.amazonaws.com", "123456789012.dkr.ecr.eu-west-1.amazonaws.com"},
		{"http://localhost:5000/", "localhost:5000"},
		{"quay.io", "quay.io"},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := HostFromServerAddress(tc.in); got != tc.want {
			t.Fatalf("HostFromServerAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
