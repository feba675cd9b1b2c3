package mikrotik

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"
)

const defaultTimeout = 5 * time.Second

var ErrNotFound = errors.New("mikrotik: not found")

// Config holds RouterOS REST API settings
type Config struct {
	BaseURL            string // e.g. https://192.168.88.1
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool // RouterOS ships a self-signed certificate
}

// Client talks to the RouterOS v7 REST API (/rest/...)
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// HotspotUser mirrors /ip/hotspot/user. RouterOS returns every value as a string.
type HotspotUser struct {
	ID              string `json:".id,omitempty"`
	Name            string `json:"name"`
	Password        string `json:"password,omitempty"`
	Profile         string `json:"profile,omitempty"`
	LimitBytesTotal string `json:"limit-bytes-total,omitempty"`
	LimitUptime     string `json:"limit-uptime,omitempty"`
	Disabled        string `json:"disabled,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

// ActiveSession mirrors /ip/hotspot/active
type ActiveSession struct {
	ID         string `json:".id"`
	User       string `json:"user"`
	Address    string `json:"address"`
	MACAddress string `json:"mac-address"`
	BytesIn    string `json:"bytes-in"`
	BytesOut   string `json:"bytes-out"`
	Uptime     string `json:"uptime"`
}

type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// NewClient creates a RouterOS REST client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// FindUser looks up a hotspot user by name
func (c *Client) FindUser(ctx context.Context, name string) (*HotspotUser, error) {
	var users []HotspotUser
	if err := c.do(ctx, http.MethodGet, "/rest/ip/hotspot/user?name="+url.QueryEscape(name), nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

// AddUser creates a hotspot user
func (c *Client) AddUser(ctx context.Context, user HotspotUser) (*HotspotUser, error) {
	var created HotspotUser
	if err := c.do(ctx, http.MethodPut, "/rest/ip/hotspot/user", user, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateUser patches the given fields of a hotspot user
func (c *Client) UpdateUser(ctx context.Context, id string, fields map[string]string) error {
	return c.do(ctx, http.MethodPatch, "/rest/ip/hotspot/user/"+url.PathEscape(id), fields, nil)
}

// RemoveUser deletes a hotspot user
func (c *Client) RemoveUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/rest/ip/hotspot/user/"+url.PathEscape(id), nil, nil)
}

// ListActive returns the currently connected hotspot sessions
func (c *Client) ListActive(ctx context.Context) ([]ActiveSession, error) {
	var sessions []ActiveSession
	if err := c.do(ctx, http.MethodGet, "/rest/ip/hotspot/active", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// RemoveActive disconnects one active session
func (c *Client) RemoveActive(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/rest/ip/hotspot/active/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c == nil || c.http == nil {
		return fmt.Errorf("mikrotik request error: client is nil")
	}
	if c.baseURL == "" {
		return fmt.Errorf("mikrotik config error: base_url is empty")
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("mikrotik request error: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("mikrotik request error: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("mikrotik http error: status=%d message=%s detail=%s", resp.StatusCode, apiErr.Message, apiErr.Detail)
		}
		return fmt.Errorf("mikrotik http error: status=%d body=%s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mikrotik decode error: %w", err)
	}
	return nil
}

// FormatUptime renders a duration the way RouterOS expects, e.g. 1d2h3m4s
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	return b.String()
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("mikrotik timeout: %w", err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("mikrotik network error: %w", err)
	}
	return fmt.Errorf("mikrotik request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
