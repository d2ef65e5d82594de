package domain

import (
	"strings"
	"time"
)

// RegistryType identifies the flavor of a container registry, which decides
// how credentials are resolved when pushing.
type RegistryType string

const (
	RegistryTypeDockerHub RegistryType = "docker_hub"
	RegistryTypeAWSECR    RegistryType = "aws_ecr"
	RegistryTypeQuay      RegistryType = "quay_io"
	RegistryTypeCustom    RegistryType = "custom"
)

// NormalizeRegistryType maps free-form values to canonical registry types.
func NormalizeRegistryType(value string) RegistryType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RegistryTypeDockerHub):
		return RegistryTypeDockerHub
	case string(RegistryTypeAWSECR):
		return RegistryTypeAWSECR
	case string(RegistryTypeQuay):
		return RegistryTypeQuay
	case string(RegistryTypeCustom):
		return RegistryTypeCustom
	default:
		return ""
	}
}

// ContainerRegistry is a push target for built images. BaseImage is the
// fully qualified repository the run tag is appended to, e.g.
// "registry.example.com/acme/webadmin".
type ContainerRegistry struct {
	ID        string
	Name      string
	Type      RegistryType
	BaseImage string
	Username  string
	// EncryptedCredential holds the registry password or token, sealed by
	// the credential cipher. It is never returned over the API.
	EncryptedCredential string
	AWSRegion           string // aws_ecr only
	IsVerified          bool
	LastVerifiedAt      *time.Time
	CreatedAt           time.Time
	CreatedBy           string
}

func (r ContainerRegistry) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(r.ID) == "" {
		verr.Add("registry id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		verr.Add("registry name is required")
	}
	if NormalizeRegistryType(string(r.Type)) == "" {
		verr.Add("registry type must be one of: docker_hub, aws_ecr, quay_io, custom")
	}
	if strings.TrimSpace(r.BaseImage) == "" {
		verr.Add("base image is required")
	}
	if r.Type == RegistryTypeAWSECR && strings.TrimSpace(r.AWSRegion) == "" {
		verr.Add("aws_ecr registries require an aws region")
	}
	return verr.OrNil()
}

// RemoteImage returns the fully qualified reference an image built for the
// given run is pushed as.
func (r ContainerRegistry) RemoteImage(runID string) string {
	return r.BaseImage + ":custom-" + runID
}
