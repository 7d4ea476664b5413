// Package webhook validates Bitbucket pull-request webhooks: the HMAC
// signature over the raw body, the event type, and the payload schema.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// ReviewRequest is the validated, immutable description of one review job.
type ReviewRequest struct {
	RepositoryName    string `json:"repository_name"`
	Workspace         string `json:"workspace"`
	CloneURL          string `json:"clone_url"`
	SourceBranch      string `json:"source_branch"`
	DestinationBranch string `json:"destination_branch"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Author            string `json:"author"`
	PullRequestURL    string `json:"pull_request_url"`
	// EventKey is the X-Event-Key header of the delivery. ParsePayload
	// leaves it empty; the ingress fills it in.
	EventKey string `json:"event_key"`
}

// FieldError names one violated field of the payload schema.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// SchemaError lists every field that failed validation.
type SchemaError struct {
	Fields []FieldError
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Has reports whether field is among the violations.
func (e *SchemaError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// safeBranch is the character set allowed in branch names. Anything else
// could be interpreted by a shell or by git's option parser downstream.
var safeBranch = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// ValidBranchName reports whether name only uses the safe branch characters.
func ValidBranchName(name string) bool {
	return safeBranch.MatchString(name)
}

type link struct {
	Href string `json:"href"`
	Name string `json:"name"`
}

// payload mirrors the parts of the Bitbucket pullrequest:* body we read.
type payload struct {
	PullRequest *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Author      *struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
		Source      *endpoint `json:"source"`
		Destination *endpoint `json:"destination"`
		Links       *struct {
			HTML *link `json:"html"`
		} `json:"links"`
	} `json:"pullrequest"`
	Repository *struct {
		Name      string `json:"name"`
		FullName  string `json:"full_name"`
		Workspace *struct {
			Slug string `json:"slug"`
		} `json:"workspace"`
		Links *struct {
			Clone []link `json:"clone"`
		} `json:"links"`
	} `json:"repository"`
}

type endpoint struct {
	Branch *struct {
		Name string `json:"name"`
	} `json:"branch"`
}

func (e *endpoint) branchName() string {
	if e == nil || e.Branch == nil {
		return ""
	}
	return e.Branch.Name
}

// decode unmarshals body, reporting type mismatches as a SchemaError.
func decode(body []byte) (*payload, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &SchemaError{Fields: []FieldError{{
				Field:   typeErr.Field,
				Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
			}}}
		}
		return nil, &SchemaError{Fields: []FieldError{{Field: "body", Message: "malformed JSON: " + err.Error()}}}
	}
	if dec.More() {
		return nil, &SchemaError{Fields: []FieldError{{Field: "body", Message: "trailing data after JSON object"}}}
	}
	return &p, nil
}

// WorkspaceSlug extracts repository.workspace.slug without validating the
// rest of the payload. The ingress needs it for the allow-list check, which
// runs before schema validation.
func WorkspaceSlug(body []byte) (string, error) {
	p, err := decode(body)
	if err != nil {
		return "", err
	}
	if p.Repository == nil || p.Repository.Workspace == nil {
		return "", nil
	}
	return p.Repository.Workspace.Slug, nil
}

// ParsePayload parses and validates a webhook body. On failure the error is a
// *SchemaError naming every violated field.
func ParsePayload(body []byte) (*ReviewRequest, error) {
	p, err := decode(body)
	if err != nil {
		return nil, err
	}

	req := &ReviewRequest{}
	var errs []FieldError
	fail := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}
	require := func(field, value string) bool {
		if strings.TrimSpace(value) == "" {
			fail(field, "is required")
			return false
		}
		return true
	}

	if p.PullRequest == nil {
		fail("pullrequest", "is required")
	} else {
		pr := p.PullRequest
		req.Title = pr.Title
		req.Description = pr.Description
		require("pullrequest.title", pr.Title)

		if pr.Author != nil {
			req.Author = pr.Author.DisplayName
		}
		require("pullrequest.author.display_name", req.Author)

		req.SourceBranch = pr.Source.branchName()
		if require("pullrequest.source.branch.name", req.SourceBranch) && !ValidBranchName(req.SourceBranch) {
			fail("pullrequest.source.branch.name", "contains characters outside [A-Za-z0-9_./-]")
		}
		req.DestinationBranch = pr.Destination.branchName()
		if require("pullrequest.destination.branch.name", req.DestinationBranch) && !ValidBranchName(req.DestinationBranch) {
			fail("pullrequest.destination.branch.name", "contains characters outside [A-Za-z0-9_./-]")
		}

		if pr.Links != nil && pr.Links.HTML != nil {
			req.PullRequestURL = pr.Links.HTML.Href
		}
		if require("pullrequest.links.html.href", req.PullRequestURL) {
			if err := checkURL(req.PullRequestURL, false); err != "" {
				fail("pullrequest.links.html.href", err)
			}
		}
	}

	if p.Repository == nil {
		fail("repository", "is required")
	} else {
		repo := p.Repository
		req.RepositoryName = repo.Name
		require("repository.name", repo.Name)
		if repo.Workspace != nil {
			req.Workspace = repo.Workspace.Slug
		}

		if repo.Links != nil {
			for _, l := range repo.Links.Clone {
				if strings.EqualFold(l.Name, "https") {
					req.CloneURL = l.Href
					break
				}
			}
		}
		if require("repository.links.clone[https].href", req.CloneURL) {
			if err := checkURL(req.CloneURL, true); err != "" {
				fail("repository.links.clone[https].href", err)
			}
		}
	}

	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return nil, &SchemaError{Fields: errs}
	}
	return req, nil
}

// checkURL returns a message describing why raw is not an acceptable URL, or
// "" if it is.
func checkURL(raw string, httpsOnly bool) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "is not a valid URL"
	}
	if u.Host == "" {
		return "must be an absolute URL"
	}
	switch u.Scheme {
	case "https":
	case "http":
		if httpsOnly {
			return "must use https"
		}
	default:
		return "must be an http(s) URL"
	}
	return ""
}
