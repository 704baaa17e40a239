package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v68/github"
)

// StatusContext is the annotation namespace under which cinch publishes
// commit statuses.
const StatusContext = "continuous-integration/cinch"

// Commit-status states accepted by the provider.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateError   = "error"
	StateFailure = "failure"
)

// APIError wraps a failed provider call. It is logged, never retried
// in-band.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// User is the subset of provider account data the auth surface consumes.
type User struct {
	Login string
	Name  string
}

// Client is the outbound provider adapter. The core only needs it to post
// commit statuses; user lookup serves the login flow.
type Client struct {
	gh *gh.Client
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds provider App authentication parameters.
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  []byte
}

type clientConfig struct {
	baseURL string
	app     *AppCredentials
}

// WithBaseURL overrides the provider API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithAppAuth authenticates as an App installation instead of with a token.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a provider client authenticated with the given bearer token,
// or as an App installation when WithAppAuth is supplied.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client
	if cfg.app != nil {
		itr, err := ghinstallation.New(http.DefaultTransport, cfg.app.AppID, cfg.app.InstallationID, cfg.app.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("configuring app auth: %w", err)
		}
		if cfg.baseURL != "" {
			itr.BaseURL = cfg.baseURL
		}
		client = gh.NewClient(&http.Client{Transport: itr})
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base url: %w", err)
		}
	}

	return &Client{gh: client}, nil
}

// PostStatus publishes a commit-status annotation for sha under the cinch
// status context.
func (c *Client) PostStatus(ctx context.Context, owner, name, sha, state, description, targetURL string) error {
	status := &gh.RepoStatus{
		State:       gh.Ptr(state),
		Description: gh.Ptr(description),
		Context:     gh.Ptr(StatusContext),
	}
	if targetURL != "" {
		status.TargetURL = gh.Ptr(targetURL)
	}
	if _, _, err := c.gh.Repositories.CreateStatus(ctx, owner, name, sha, status); err != nil {
		return &APIError{Op: "create status", Err: err}
	}
	return nil
}

// FetchUser returns the account behind the client's credentials. Consumed by
// the out-of-scope login surface.
func (c *Client) FetchUser(ctx context.Context) (User, error) {
	u, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return User{}, &APIError{Op: "get user", Err: err}
	}
	return User{Login: u.GetLogin(), Name: u.GetName()}, nil
}
