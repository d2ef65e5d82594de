package gitsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

// CloneError reports a clone that failed for a repository-level reason
// (bad credentials, missing repository, missing branch). The message is the
// user-facing failure cause, without wrapping prefixes.
type CloneError struct {
	Message string
	Err     error
}

func (e *CloneError) Error() string { return e.Message }

func (e *CloneError) Unwrap() error { return e.Err }

// CloneRequest describes one shallow clone. Credential is the decrypted
// secret: a password or token over HTTPS, a private key in PEM form over
// SSH.
type CloneRequest struct {
	URL        string
	Protocol   domain.SourceProtocol
	Branch     string
	Username   string
	Credential string
	Dir        string
}

// CloneResult reports what was actually checked out.
type CloneResult struct {
	Branch    string
	CommitSHA string
}

// RemoteInfo is what a remote advertises without cloning it.
type RemoteInfo struct {
	Branches      []string
	DefaultBranch string
}

// Cloner performs shallow clones of repository sources. An empty
// AllowedHosts list admits any host.
type Cloner struct {
	AllowedHosts []string
}

// Clone performs a depth-1, single-branch clone into req.Dir. The
// directory is cleared again when the clone fails, so callers never see a
// partial checkout.
func (c *Cloner) Clone(ctx context.Context, req CloneRequest) (CloneResult, error) {
	if err := ValidateURL(req.URL, req.Protocol, c.allowedHosts()); err != nil {
		return CloneResult{}, &CloneError{Message: err.Error(), Err: err}
	}
	if strings.TrimSpace(req.Dir) == "" {
		return CloneResult{}, fmt.Errorf("clone directory is required")
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = "main"
	}
	auth, err := buildAuth(req.Protocol, req.Username, req.Credential)
	if err != nil {
		return CloneResult{}, &CloneError{Message: err.Error(), Err: err}
	}

	repo, err := git.PlainCloneContext(ctx, req.Dir, false, &git.CloneOptions{
		URL:           strings.TrimSpace(req.URL),
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
		Auth:          auth,
	})
	if err != nil {
		os.RemoveAll(req.Dir)
		return CloneResult{}, classifyCloneError(err, branch)
	}
	head, err := repo.Head()
	if err != nil {
		os.RemoveAll(req.Dir)
		return CloneResult{}, &CloneError{Message: "clone produced no checkout", Err: err}
	}
	return CloneResult{Branch: branch, CommitSHA: head.Hash().String()}, nil
}

// ListRemoteRefs asks the remote for its branches without cloning. Used to
// verify a configured source and to discover its default branch.
func (c *Cloner) ListRemoteRefs(ctx context.Context, rawURL string, protocol domain.SourceProtocol, username, credential string) (RemoteInfo, error) {
	if err := ValidateURL(rawURL, protocol, c.allowedHosts()); err != nil {
		return RemoteInfo{}, err
	}
	auth, err := buildAuth(protocol, username, credential)
	if err != nil {
		return RemoteInfo{}, err
	}
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{strings.TrimSpace(rawURL)},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return RemoteInfo{}, classifyCloneError(err, "")
	}

	info := RemoteInfo{}
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference {
			info.DefaultBranch = ref.Target().Short()
			continue
		}
		if ref.Name().IsBranch() {
			info.Branches = append(info.Branches, ref.Name().Short())
		}
	}
	sort.Strings(info.Branches)
	if info.DefaultBranch == "" && len(info.Branches) > 0 {
		info.DefaultBranch = pickDefaultBranch(info.Branches)
	}
	return info, nil
}

func (c *Cloner) allowedHosts() []string {
	if c == nil {
		return nil
	}
	return c.AllowedHosts
}

func buildAuth(protocol domain.SourceProtocol, username, credential string) (transport.AuthMethod, error) {
	switch protocol {
	case domain.SourceProtocolHTTPS:
		if credential == "" {
			return nil, nil
		}
		user := strings.TrimSpace(username)
		if user == "" {
			// Token auth; hosts only require a non-empty username.
			user = "git"
		}
		return &githttp.BasicAuth{Username: user, Password: credential}, nil
	case domain.SourceProtocolSSH:
		if credential == "" {
			return nil, fmt.Errorf("ssh sources require a private key")
		}
		user := strings.TrimSpace(username)
		if user == "" {
			user = "git"
		}
		keys, err := gitssh.NewPublicKeys(user, []byte(credential), "")
		if err != nil {
			return nil, fmt.Errorf("load ssh key: %w", err)
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

func classifyCloneError(err error, branch string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return &CloneError{Message: "authentication failed", Err: err}
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return &CloneError{Message: "repository not found", Err: err}
	case branch != "" && strings.Contains(err.Error(), "couldn't find remote ref"):
		return &CloneError{Message: fmt.Sprintf("branch %s not found", branch), Err: err}
	default:
		return &CloneError{Message: err.Error(), Err: err}
	}
}

func pickDefaultBranch(branches []string) string {
	for _, candidate := range []string{"main", "master"} {
		for _, b := range branches {
			if b == candidate {
				return b
			}
		}
	}
	return branches[0]
}
