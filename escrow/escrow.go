// Package escrow submits FileVault recovery keys to a Crypt-compatible escrow server.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/micromdm/nanocrypt/log/logkeys"
	"github.com/micromdm/nanocrypt/utils/secret"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultTimeout bounds a whole escrow request.
const DefaultTimeout = 30 * time.Second

const checkinPath = "checkin/"

// Fields are submitted to the escrow server.
type Fields struct {
	Serial      string
	RecoveryKey secret.Secret
	Username    string
	MacName     string
}

func (f *Fields) values() url.Values {
	return url.Values{
		"serial":            {f.Serial},
		"recovery_password": {f.RecoveryKey.Reveal()},
		"username":          {f.Username},
		"macname":           {f.MacName},
	}
}

// CheckinURL appends the checkin path to base.
// A trailing slash on base is optional.
func CheckinURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported server URL scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server URL has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + checkinPath
	u.RawPath = ""
	return u.String(), nil
}

// Client is an escrow HTTP client.
type Client struct {
	client *http.Client
	logger log.Logger
}

type Option func(*Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client. Its own timeout applies.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// New creates an escrow client.
// By default it uses a non-shared transport with certificate
// verification and DefaultTimeout.
func New(opts ...Option) *Client {
	hc := cleanhttp.DefaultClient()
	hc.Timeout = DefaultTimeout
	c := &Client{
		client: hc,
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) post(ctx context.Context, checkinURL string, f *Fields) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, checkinURL, strings.NewReader(f.values().Encode()))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}
	return resp.StatusCode, nil
}

// Submit posts f to the checkin endpoint of serverURL.
// Returns true only for a 2xx response. Failures are logged.
func (c *Client) Submit(ctx context.Context, serverURL string, f *Fields) bool {
	logger := ctxlog.Logger(ctx, c.logger)
	if f == nil {
		logger.Info(logkeys.Message, "escrow", logkeys.Error, "no fields")
		return false
	}
	checkinURL, err := CheckinURL(serverURL)
	if err != nil {
		logger.Info(logkeys.Message, "escrow", logkeys.ServerURL, serverURL, logkeys.Error, err)
		return false
	}
	logger = logger.With(logkeys.ServerURL, checkinURL)
	status, err := c.post(ctx, checkinURL, f)
	if err != nil {
		logs := []interface{}{logkeys.Message, "escrow", logkeys.Error, err}
		if status > 0 {
			logs = append(logs, logkeys.Status, status)
		}
		logger.Info(logs...)
		return false
	}
	logger.Debug(logkeys.Message, "escrow submitted", logkeys.Status, status)
	return true
}
