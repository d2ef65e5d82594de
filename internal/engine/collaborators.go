package engine

import (
	"context"

	"github.com/forgeline-labs/forgeline/internal/appconfig"
	"github.com/forgeline-labs/forgeline/internal/archive"
	"github.com/forgeline-labs/forgeline/internal/branding"
	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/gitsource"
	"github.com/forgeline-labs/forgeline/internal/imagebuild"
	"github.com/forgeline-labs/forgeline/internal/registry"
)

// Cloner fetches a run's source tree into the workspace.
type Cloner interface {
	Clone(ctx context.Context, req gitsource.CloneRequest) (gitsource.CloneResult, error)
}

// BrandingApplier rewrites the source tree per a branding template.
type BrandingApplier interface {
	Apply(ctx context.Context, dir string, template domain.BrandingTemplate) (branding.Result, error)
}

// ConfigApplier writes a named configuration profile into the tree.
type ConfigApplier interface {
	Apply(ctx context.Context, dir, name string) (appconfig.Result, error)
}

// Packager zips the tree into the object store under the given key.
type Packager interface {
	Package(ctx context.Context, dir, key string) (archive.Artifact, error)
}

// ImageBuilder builds the tree's Dockerfile into a tagged local image and
// removes local images during cleanup.
type ImageBuilder interface {
	Build(ctx context.Context, dir, reference string) (imagebuild.Image, error)
	Remove(ctx context.Context, reference string) error
}

// Publisher pushes a local image to its remote reference.
type Publisher interface {
	Push(ctx context.Context, localRef, remoteRef string, creds registry.Credentials) error
}

// CredentialResolver produces push credentials for a registry row.
type CredentialResolver interface {
	Resolve(ctx context.Context, reg domain.ContainerRegistry) (registry.Credentials, error)
}

// Decrypter opens sealed source credentials.
type Decrypter interface {
	Decrypt(sealed string) (string, error)
}
