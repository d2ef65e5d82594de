// Package gitsource validates and clones Git repository sources.
package gitsource

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

var (
	httpsURLPattern = regexp.MustCompile(`^https://[A-Za-z0-9.-]+(:\d+)?/[A-Za-z0-9._/~-]+$`)
	sshURLPattern   = regexp.MustCompile(`^git@[A-Za-z0-9.-]+:[A-Za-z0-9._/~-]+$`)
)

// ValidateURL checks that a repository URL matches its declared protocol
// and, when an allow-list is configured, that its host is on it.
func ValidateURL(rawURL string, protocol domain.SourceProtocol, allowedHosts []string) error {
	verr := &domain.ValidationError{}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		verr.Add("repository url is required")
		return verr
	}
	switch protocol {
	case domain.SourceProtocolHTTPS:
		if !httpsURLPattern.MatchString(rawURL) {
			verr.Add("https repository url must look like https://host/owner/repo[.git]")
		}
	case domain.SourceProtocolSSH:
		if !sshURLPattern.MatchString(rawURL) {
			verr.Add("ssh repository url must look like git@host:owner/repo[.git]")
		}
	default:
		verr.Add("protocol must be one of: https, ssh")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	if len(allowedHosts) > 0 {
		host := HostOf(rawURL)
		if !hostAllowed(host, allowedHosts) {
			verr.Addf("repository host %s is not allowed", host)
		}
	}
	return verr.OrNil()
}

// HostOf extracts the host from an HTTPS or SCP-style SSH repository URL.
func HostOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "git@") {
		rest := strings.TrimPrefix(rawURL, "git@")
		if i := strings.Index(rest, ":"); i > 0 {
			return rest[:i]
		}
		return rest
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, a := range allowed {
		if host == strings.ToLower(strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}
