package mailchimp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	apiHost          = "api.mailchimp.com"
	apiVersionPath   = "2.0/"
	defaultUserAgent = "email-provider-mailchimp"
	defaultTimeout   = 10 * time.Second
)

// Config holds the already validated values the client is built from.
type Config struct {
	// APIKey has the form <prefix>-<datacenter>.
	APIKey        string
	DefaultListID string
	// SSL selects https for the datacenter endpoint.
	SSL bool
	// TransportOptions tune the HTTP transport. Supported keys are user-agent,
	// timeout, connect-timeout, ssl-verify-peer and proxy. Curl-style names
	// such as CURLOPT_USERAGENT are accepted as aliases.
	TransportOptions map[string]string
}

// Client is the Mailchimp 2.0 API transport. It is immutable once built and
// safe for concurrent use.
type Client struct {
	apiKey        string
	defaultListID string
	datacenter    string
	baseURL       string
	userAgent     string
	httpClient    *http.Client
}

// ClientOption defines a functional option for configuring the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL for the client, replacing the one
// derived from the API key datacenter.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client. Transport options other than
// user-agent are ignored when a custom client is supplied.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a new Mailchimp API client. Every configuration problem
// is reported here as a *ConfigError rather than on the first request.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Field: "api_key", Message: "is required"}
	}

	datacenter, err := DatacenterFromKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}

	topts, err := parseTransportOptions(cfg.TransportOptions)
	if err != nil {
		return nil, err
	}

	httpClient, err := newHTTPClient(topts, cfg.SSL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		apiKey:        cfg.APIKey,
		defaultListID: cfg.DefaultListID,
		datacenter:    datacenter,
		baseURL:       BaseURL(datacenter, cfg.SSL),
		userAgent:     topts.userAgent,
		httpClient:    httpClient,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.baseURL == "" {
		return nil, &ConfigError{Field: "base_url", Message: "is required"}
	}
	if c.httpClient == nil {
		return nil, &ConfigError{Field: "http_client", Message: "is required"}
	}

	return c, nil
}

// DatacenterFromKey extracts the datacenter routing segment from an API key
// of the form <prefix>-<datacenter>.
func DatacenterFromKey(apiKey string) (string, error) {
	parts := strings.Split(apiKey, "-")
	if len(parts) < 2 || parts[1] == "" {
		return "", &ConfigError{Field: "api_key", Message: "must contain a datacenter segment (<key>-<datacenter>)"}
	}
	return parts[1], nil
}

// BaseURL returns the API root for a datacenter, e.g.
// https://us10.api.mailchimp.com/2.0/.
func BaseURL(datacenter string, ssl bool) string {
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s/%s", scheme, datacenter, apiHost, apiVersionPath)
}

// DefaultListID returns the list targeted by resource clients unless they
// are pointed elsewhere.
func (c *Client) DefaultListID() string {
	return c.defaultListID
}

// Datacenter returns the routing segment taken from the API key.
func (c *Client) Datacenter() string {
	return c.datacenter
}

// BaseURL returns the URL every API call path is appended to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Lists returns a new Lists client targeting the default list.
func (c *Client) Lists() *Lists {
	return NewLists(c, c.defaultListID)
}

// Templates returns a new Templates client.
func (c *Client) Templates() *Templates {
	return NewTemplates(c)
}

// Request merges the API key into payload, POSTs it as JSON and returns the
// raw response body. The body is returned for every HTTP status: Mailchimp
// reports API errors with a JSON body on 5xx responses and decoding them is
// left to the resource clients.
func (c *Client) Request(ctx context.Context, apiCall string, payload map[string]any) (string, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["apikey"] = c.apiKey

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiCall, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	return string(respBody), nil
}

type transportOptions struct {
	userAgent      string
	timeout        time.Duration
	connectTimeout time.Duration
	verifyPeer     bool
	proxy          *url.URL
}

// parseTransportOptions validates the configured transport options. Unknown
// keys are rejected so a typo fails at startup instead of being ignored.
func parseTransportOptions(raw map[string]string) (transportOptions, error) {
	opts := transportOptions{
		userAgent:  defaultUserAgent,
		timeout:    defaultTimeout,
		verifyPeer: true,
	}

	for key, value := range raw {
		field := "transport_options." + key
		switch normalizeOptionKey(key) {
		case "user-agent", "useragent":
			opts.userAgent = value
		case "timeout":
			d, err := parseDuration(value)
			if err != nil {
				return opts, &ConfigError{Field: field, Message: "is not a duration", Err: err}
			}
			opts.timeout = d
		case "connect-timeout", "connecttimeout":
			d, err := parseDuration(value)
			if err != nil {
				return opts, &ConfigError{Field: field, Message: "is not a duration", Err: err}
			}
			opts.connectTimeout = d
		case "ssl-verify-peer", "ssl-verifypeer":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return opts, &ConfigError{Field: field, Message: "is not a boolean", Err: err}
			}
			opts.verifyPeer = b
		case "proxy":
			u, err := url.Parse(value)
			if err != nil {
				return opts, &ConfigError{Field: field, Message: "is not a URL", Err: err}
			}
			opts.proxy = u
		default:
			return opts, &ConfigError{Field: field, Message: "is not a supported transport option"}
		}
	}

	return opts, nil
}

func normalizeOptionKey(key string) string {
	key = strings.ToLower(strings.ReplaceAll(key, "_", "-"))
	return strings.TrimPrefix(key, "curlopt-")
}

// parseDuration accepts Go durations ("15s") and bare integers, which are
// read as seconds.
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func newHTTPClient(opts transportOptions, ssl bool) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, &ConfigError{Field: "ssl", Message: "default HTTP transport is not available"}
	}
	transport := base.Clone()

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if ssl {
		if opts.verifyPeer {
			pool, err := x509.SystemCertPool()
			if err != nil {
				return nil, &ConfigError{Field: "ssl", Message: "system certificate pool is not available", Err: err}
			}
			tlsConfig.RootCAs = pool
		} else {
			tlsConfig.InsecureSkipVerify = true //nolint:gosec // explicitly requested by ssl-verify-peer=false
		}
	}
	transport.TLSClientConfig = tlsConfig

	if opts.connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   opts.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	if opts.proxy != nil {
		transport.Proxy = http.ProxyURL(opts.proxy)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   opts.timeout,
	}, nil
}
