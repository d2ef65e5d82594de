// Package imagebuild builds container images from a checked-out source
// tree via the Docker daemon.
package imagebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
)

// BuildError reports an image build that failed for a source-tree or
// daemon-level reason. The message is the user-facing failure cause.
type BuildError struct {
	Message string
	Err     error
}

func (e *BuildError) Error() string { return e.Message }

func (e *BuildError) Unwrap() error { return e.Err }

// Image describes a built local image.
type Image struct {
	Reference string
}

// DockerClient is the slice of the Docker Engine API the builder uses.
type DockerClient interface {
	BuildImage(opts docker.BuildImageOptions) error
	RemoveImageExtended(name string, opts docker.RemoveImageOptions) error
}

// DockerBuilder builds the workspace Dockerfile into a tagged local image.
type DockerBuilder struct {
	client DockerClient
}

// NewDockerBuilder connects to the daemon at endpoint, or via the standard
// DOCKER_* environment when endpoint is empty.
func NewDockerBuilder(endpoint string) (*DockerBuilder, error) {
	endpoint = strings.TrimSpace(endpoint)
	var client *docker.Client
	var err error
	if endpoint == "" {
		client, err = docker.NewClientFromEnv()
	} else {
		client, err = docker.NewClient(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	return &DockerBuilder{client: client}, nil
}

// NewDockerBuilderWithClient wires an existing client, primarily for tests.
func NewDockerBuilderWithClient(client DockerClient) *DockerBuilder {
	if client == nil {
		return nil
	}
	return &DockerBuilder{client: client}
}

// Build runs a docker build of dir and tags the result as reference. The
// source tree must carry a Dockerfile at its root.
func (b *DockerBuilder) Build(ctx context.Context, dir, reference string) (Image, error) {
	if b == nil || b.client == nil {
		return Image{}, fmt.Errorf("docker builder not initialized")
	}
	if strings.TrimSpace(reference) == "" {
		return Image{}, fmt.Errorf("image reference is required")
	}
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Image{}, &BuildError{Message: "no Dockerfile in source tree", Err: err}
		}
		return Image{}, &BuildError{Message: fmt.Sprintf("check Dockerfile: %v", err), Err: err}
	}

	var out bytes.Buffer
	err := b.client.BuildImage(docker.BuildImageOptions{
		Name:           reference,
		ContextDir:     dir,
		Dockerfile:     "Dockerfile",
		OutputStream:   &out,
		RmTmpContainer: true,
		Context:        ctx,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Image{}, ctxErr
		}
		return Image{}, &BuildError{Message: buildFailureMessage(err, &out), Err: err}
	}
	return Image{Reference: reference}, nil
}

// Remove deletes a local image. A missing image is not an error, so
// cleanup after failed or expired builds stays idempotent.
func (b *DockerBuilder) Remove(ctx context.Context, reference string) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("docker builder not initialized")
	}
	err := b.client.RemoveImageExtended(reference, docker.RemoveImageOptions{Force: true, Context: ctx})
	if err == nil || errors.Is(err, docker.ErrNoSuchImage) {
		return nil
	}
	return fmt.Errorf("remove image %s: %w", reference, err)
}

func buildFailureMessage(err error, out *bytes.Buffer) string {
	if last := lastNonEmptyLine(out.String()); last != "" {
		return fmt.Sprintf("docker build failed: %s", last)
	}
	return fmt.Sprintf("docker build failed: %v", err)
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
