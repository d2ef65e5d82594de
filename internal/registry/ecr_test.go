package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
)

type fakeECRAPI struct {
	output *ecr.GetAuthorizationTokenOutput
	err    error
	calls  int
}

func (f *fakeECRAPI) GetAuthorizationToken(
	ctx context.Context,
	params *ecr.GetAuthorizationTokenInput,
	optFns ...func(*ecr.Options),
) (*ecr.GetAuthorizationTokenOutput, error) {
	f.calls++
	return f.output, f.err
}

func ecrToken(t *testing.T, raw string) *string {
	t.Helper()
	return aws.String(base64.StdEncoding.EncodeToString([]byte(raw)))
}

func TestTokenDecodesCredentials(t *testing.T) {
	api := &fakeECRAPI{output: &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []types.AuthorizationData{{
			AuthorizationToken: ecrToken(t, "AWS:eyJwYXlsb2FkIn0"),
			ProxyEndpoint:      aws.String("https://123456789012.dkr.ecr.eu-west-1.amazonaws.com"),
		}},
	}}
	provider := NewECRTokenProviderWithClient(api)

	creds, err := provider.Token(context.Background(), "eu-west-1")
	if err != nil {
		t.Fatalf("fetch token: %v", err)
	}
	if creds.Username != "AWS" {
		t.Fatalf("unexpected username %q", creds.Username)
	}
	if creds.Password != "eyJwYXlsb2FkIn0" {
		t.Fatalf("unexpected password %q", creds.Password)
	}
	if creds.ServerAddress != "https://123456789012.dkr.ecr.eu-west-1.amazonaws.com" {
		t.Fatalf("unexpected server address %q", creds.ServerAddress)
	}
	if api.calls != 1 {
		t.Fatalf("expected 1 API call, got %d", api.calls)
	}
}

func TestTokenRequiresRegion(t *testing.T) {
	provider := NewECRTokenProviderWithClient(&fakeECRAPI{})
	if _, err := provider.Token(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty region")
	}
}

func TestTokenRejectsMalformedToken(t *testing.T) {
	cases := []struct {
		name   string
		output *ecr.GetAuthorizationTokenOutput
		want   string
	}{
		{
			name:   "no authorization data",
			output: &ecr.GetAuthorizationTokenOutput{},
			want:   "no authorization data",
		},
		{
			name: "not base64",
			output: &ecr.GetAuthorizationTokenOutput{
				AuthorizationData: []types.AuthorizationData{{AuthorizationToken: aws.String("%%%")}},
			},
			want: "decode ecr authorization token",
		},
		{
			name: "missing separator",
			output: &ecr.GetAuthorizationTokenOutput{
				AuthorizationData: []types.AuthorizationData{{AuthorizationToken: ecrToken(t, "nocolon")}},
			},
			want: "malformed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := NewECRTokenProviderWithClient(&fakeECRAPI{output: tc.output})
			_, err := provider.Token(context.Background(), "us-east-1")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestTokenWrapsAPIError(t *testing.T) {
	provider := NewECRTokenProviderWithClient(&fakeECRAPI{err: errors.New("AccessDeniedException")})
	_, err := provider.Token(context.Background(), "us-east-1")
	if err == nil || !strings.Contains(err.Error(), "get ecr authorization token") {
		t.Fatalf("expected wrapped API error, got %v", err)
	}
}
