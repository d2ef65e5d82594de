package registry

import (
	"context"
	"fmt"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

// Decrypter opens a sealed credential.
type Decrypter interface {
	Decrypt(sealed string) (string, error)
}

// CredentialSource resolves the push/verify credentials for a registry
// row: stored secrets are decrypted, ECR registries exchange IAM
// credentials for a short-lived token instead.
type CredentialSource struct {
	Cipher Decrypter
	ECR    *ECRTokenProvider
}

func (c *CredentialSource) Resolve(ctx context.Context, reg domain.ContainerRegistry) (Credentials, error) {
	if reg.Type == domain.RegistryTypeAWSECR {
		if c == nil || c.ECR == nil {
			return Credentials{}, fmt.Errorf("ecr token provider not configured")
		}
		return c.ECR.Token(ctx, reg.AWSRegion)
	}

	var password string
	if reg.EncryptedCredential != "" {
		if c == nil || c.Cipher == nil {
			return Credentials{}, fmt.Errorf("credential cipher not configured")
		}
		var err error
		password, err = c.Cipher.Decrypt(reg.EncryptedCredential)
		if err != nil {
			return Credentials{}, fmt.Errorf("decrypt registry credential: %w", err)
		}
	}
	return Credentials{
		Username:      reg.Username,
		Password:      password,
		ServerAddress: serverAddressFor(reg),
	}, nil
}

// serverAddressFor picks the daemon-facing auth address. Docker Hub keeps
// its legacy index address; everything else authenticates against the
// push host itself.
func serverAddressFor(reg domain.ContainerRegistry) string {
	if reg.Type == domain.RegistryTypeDockerHub && hostSegment(reg.BaseImage) == "" {
		return "https://index.docker.io/v1/"
	}
	return RegistryHost(reg)
}
