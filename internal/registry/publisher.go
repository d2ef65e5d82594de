// Package registry pushes built images to container registries and
// verifies stored registry credentials.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
)

// PushError reports a failed registry push. The message is the
// user-facing failure cause.
type PushError struct {
	Message string
	Err     error
}

func (e *PushError) Error() string { return e.Message }

func (e *PushError) Unwrap() error { return e.Err }

// Credentials authenticate against a container registry.
type Credentials struct {
	Username      string
	Password      string
	ServerAddress string
}

func (c Credentials) empty() bool {
	return c.Username == "" && c.Password == ""
}

// DockerAPI is the slice of the Docker Engine API the publisher uses.
type DockerAPI interface {
	TagImage(name string, opts docker.TagImageOptions) error
	PushImage(opts docker.PushImageOptions, auth docker.AuthConfiguration) error
}

// DockerPublisher retags a local image under its remote name and pushes
// it through the Docker daemon.
type DockerPublisher struct {
	client DockerAPI
}

// NewDockerPublisher connects to the daemon at endpoint, or via the
// standard DOCKER_* environment when endpoint is empty.
func NewDockerPublisher(endpoint string) (*DockerPublisher, error) {
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
	return &DockerPublisher{client: client}, nil
}

// NewDockerPublisherWithClient wires an existing client, primarily for tests.
func NewDockerPublisherWithClient(client DockerAPI) *DockerPublisher {
	if client == nil {
		return nil
	}
	return &DockerPublisher{client: client}
}

// Push tags localRef as remoteRef and pushes it with the given credentials.
func (p *DockerPublisher) Push(ctx context.Context, localRef, remoteRef string, creds Credentials) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("docker publisher not initialized")
	}
	repo, tag := SplitReference(remoteRef)
	if repo == "" {
		return &PushError{Message: fmt.Sprintf("invalid remote image reference %q", remoteRef)}
	}

	err := p.client.TagImage(localRef, docker.TagImageOptions{
		Repo:    repo,
		Tag:     tag,
		Force:   true,
		Context: ctx,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &PushError{Message: fmt.Sprintf("tag image %s: %v", remoteRef, err), Err: err}
	}

	var out bytes.Buffer
	err = p.client.PushImage(docker.PushImageOptions{
		Name:         repo,
		Tag:          tag,
		OutputStream: &out,
		Context:      ctx,
	}, docker.AuthConfiguration{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyPushError(err)
	}
	return nil
}

// SplitReference splits an image reference into repository and tag. A
// reference without a tag defaults to "latest". Colons inside the host
// segment (registry ports) are not treated as tag separators.
func SplitReference(ref string) (repo, tag string) {
	ref = strings.TrimSpace(ref)
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

func classifyPushError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication required"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "denied: "):
		return &PushError{Message: "registry authentication failed", Err: err}
	default:
		return &PushError{Message: fmt.Sprintf("push image: %v", err), Err: err}
	}
}
