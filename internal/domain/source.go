package domain

import (
	"strings"
	"time"
)

// SourceProtocol is the transport a repository source is cloned over.
type SourceProtocol string

const (
	SourceProtocolHTTPS SourceProtocol = "https"
	SourceProtocolSSH   SourceProtocol = "ssh"
)

// NormalizeSourceProtocol maps free-form protocol values to canonical ones.
func NormalizeSourceProtocol(value string) SourceProtocol {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SourceProtocolHTTPS):
		return SourceProtocolHTTPS
	case string(SourceProtocolSSH):
		return SourceProtocolSSH
	default:
		return ""
	}
}

// RepositorySource is a configured Git repository runs can clone instead of
// the official upstream.
type RepositorySource struct {
	ID            string
	Name          string
	URL           string
	Protocol      SourceProtocol
	DefaultBranch string
	Username      string
	// EncryptedCredential holds the access token or SSH key, sealed by the
	// credential cipher. It is never returned over the API.
	EncryptedCredential string
	IsVerified          bool
	LastVerifiedAt      *time.Time
	CreatedAt           time.Time
	CreatedBy           string
}

func (s RepositorySource) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(s.ID) == "" {
		verr.Add("source id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		verr.Add("source name is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		verr.Add("repository url is required")
	}
	if NormalizeSourceProtocol(string(s.Protocol)) == "" {
		verr.Add("protocol must be one of: https, ssh")
	}
	return verr.OrNil()
}

// Branch returns the branch runs should clone, falling back to main.
func (s RepositorySource) Branch() string {
	if b := strings.TrimSpace(s.DefaultBranch); b != "" {
		return b
	}
	return "main"
}
