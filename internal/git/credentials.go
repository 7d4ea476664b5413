package git

import (
	"fmt"
	"net/url"
	"regexp"
)

// WithCredentials returns rawURL with user and token embedded as userinfo.
// Non-HTTP(S) URLs and empty credentials leave rawURL unchanged.
func WithCredentials(rawURL, user, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return rawURL, nil
	}
	if user == "" {
		user = "x-token-auth"
	}
	u.User = url.UserPassword(user, token)
	return u.String(), nil
}

// StripCredentials removes any userinfo from rawURL.
func StripCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = nil
	return u.String()
}

var userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)

// Redact masks userinfo in every URL found in s.
func Redact(s string) string {
	return userinfoPattern.ReplaceAllString(s, "${1}***@")
}
