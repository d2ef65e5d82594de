package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

// ECRAPI is the slice of the ECR API the token provider uses.
type ECRAPI interface {
	GetAuthorizationToken(
		ctx context.Context,
		params *ecr.GetAuthorizationTokenInput,
		optFns ...func(*ecr.Options),
	) (*ecr.GetAuthorizationTokenOutput, error)
}

// ECRTokenProvider exchanges IAM credentials for short-lived ECR registry
// credentials. Tokens expire after twelve hours, so they are fetched per
// push instead of being stored.
type ECRTokenProvider struct {
	newClient func(ctx context.Context, region string) (ECRAPI, error)
}

// NewECRTokenProvider builds a provider backed by the default AWS
// credential chain.
func NewECRTokenProvider() *ECRTokenProvider {
	return &ECRTokenProvider{
		newClient: func(ctx context.Context, region string) (ECRAPI, error) {
			cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			return ecr.NewFromConfig(cfg), nil
		},
	}
}

// NewECRTokenProviderWithClient wires a fixed API client, primarily for tests.
func NewECRTokenProviderWithClient(client ECRAPI) *ECRTokenProvider {
	return &ECRTokenProvider{
		newClient: func(context.Context, string) (ECRAPI, error) { return client, nil },
	}
}

// Token fetches registry credentials for the given AWS region.
func (p *ECRTokenProvider) Token(ctx context.Context, region string) (Credentials, error) {
	if p == nil || p.newClient == nil {
		return Credentials{}, fmt.Errorf("ecr token provider not initialized")
	}
	region = strings.TrimSpace(region)
	if region == "" {
		return Credentials{}, fmt.Errorf("aws region is required")
	}

	client, err := p.newClient(ctx, region)
	if err != nil {
		return Credentials{}, err
	}
	out, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Credentials{}, fmt.Errorf("get ecr authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return Credentials{}, fmt.Errorf("ecr returned no authorization data")
	}

	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return Credentials{}, fmt.Errorf("decode ecr authorization token: %w", err)
	}
	// The token decodes to "AWS:<password>".
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok || username == "" || password == "" {
		return Credentials{}, fmt.Errorf("malformed ecr authorization token")
	}
	return Credentials{
		Username:      username,
		Password:      password,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}, nil
}
