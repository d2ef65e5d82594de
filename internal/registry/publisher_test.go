package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	docker "github.com/fsouza/go-dockerclient"
)

type fakeDockerAPI struct {
	taggedName string
	tagOpts    docker.TagImageOptions
	tagErr     error

	pushOpts docker.PushImageOptions
	pushAuth docker.AuthConfiguration
	pushErr  error
	pushed   int
}

func (f *fakeDockerAPI) TagImage(name string, opts docker.TagImageOptions) error {
	f.taggedName = name
	f.tagOpts = opts
	return f.tagErr
}

func (f *fakeDockerAPI) PushImage(opts docker.PushImageOptions, auth docker.AuthConfiguration) error {
	f.pushed++
	f.pushOpts = opts
	f.pushAuth = auth
	return f.pushErr
}

func TestPushTagsAndPushes(t *testing.T) {
	client := &fakeDockerAPI{}
	pub := NewDockerPublisherWithClient(client)

	creds := Credentials{Username: "robot", Password: "s3cret", ServerAddress: "https://quay.io"}
	err := pub.Push(context.Background(), "forgeline/app:custom-run1", "quay.io/acme/app:custom-run1", creds)
	if err != nil {
		t.Fatalf("push image: %v", err)
	}
	if client.taggedName != "forgeline/app:custom-run1" {
		t.Fatalf("unexpected tag source %q", client.taggedName)
	}
	if client.tagOpts.Repo != "quay.io/acme/app" || client.tagOpts.Tag != "custom-run1" {
		t.Fatalf("unexpected tag target %q:%q", client.tagOpts.Repo, client.tagOpts.Tag)
	}
	if client.pushed != 1 {
		t.Fatalf("expected 1 push, got %d", client.pushed)
	}
	if client.pushOpts.Name != "quay.io/acme/app" || client.pushOpts.Tag != "custom-run1" {
		t.Fatalf("unexpected push target %q:%q", client.pushOpts.Name, client.pushOpts.Tag)
	}
	if client.pushAuth.Username != "robot" || client.pushAuth.Password != "s3cret" {
		t.Fatalf("unexpected push auth %+v", client.pushAuth)
	}
	if client.pushAuth.ServerAddress != "https://quay.io" {
		t.Fatalf("unexpected server address %q", client.pushAuth.ServerAddress)
	}
}

func TestPushClassifiesAuthFailure(t *testing.T) {
	client := &fakeDockerAPI{pushErr: errors.New("denied: requested access to the resource is denied")}
	pub := NewDockerPublisherWithClient(client)

	err := pub.Push(context.Background(), "forgeline/app:x", "acme/app:x", Credentials{})
	var pushErr *PushError
	if !errors.As(err, &pushErr) {
		t.Fatalf("expected PushError, got %v", err)
	}
	if pushErr.Message != "registry authentication failed" {
		t.Fatalf("unexpected message %q", pushErr.Message)
	}
}

func TestPushReportsTagFailure(t *testing.T) {
	client := &fakeDockerAPI{tagErr: errors.New("no such image")}
	pub := NewDockerPublisherWithClient(client)

	err := pub.Push(context.Background(), "forgeline/app:x", "acme/app:x", Credentials{})
	var pushErr *PushError
	if !errors.As(err, &pushErr) {
		t.Fatalf("expected PushError, got %v", err)
	}
	if !strings.Contains(pushErr.Message, "tag image") {
		t.Fatalf("unexpected message %q", pushErr.Message)
	}
	if client.pushed != 0 {
		t.Fatalf("push should not run after tag failure, got %d", client.pushed)
	}
}

func TestPushPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeDockerAPI{pushErr: context.Canceled}
	pub := NewDockerPublisherWithClient(client)

	err := pub.Push(ctx, "forgeline/app:x", "acme/app:x", Credentials{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSplitReference(t *testing.T) {
	cases := []struct {
		ref  string
		repo string
		tag  string
	}{
		{"acme/app:custom-1", "acme/app", "custom-1"},
		{"acme/app", "acme/app", "latest"},
		{"quay.io/acme/app:v2", "quay.io/acme/app", "v2"},
		{"localhost:5000/app", "localhost:5000/app", "latest"},
		{"localhost:5000/app:dev", "localhost:5000/app", "dev"},
	}
	for _, tc := range cases {
		repo, tag := SplitReference(tc.ref)
		if repo != tc.repo || tag != tc.tag {
			t.Fatalf("SplitReference(%q) = %q, %q; want %q, %q", tc.ref, repo, tag, tc.repo, tc.tag)
		}
	}
}
