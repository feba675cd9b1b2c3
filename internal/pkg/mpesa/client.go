package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	timestampLayout = "20060102150405"

	// pendingErrorCode is returned by the query API while the customer has
	// not answered the prompt yet
	pendingErrorCode = "500.001.1001"
)

var (
	// ErrUnavailable wraps transport failures and 5xx answers
	ErrUnavailable = errors.New("mpesa unavailable")
	// ErrPending means the STK prompt has not been answered yet
	ErrPending = errors.New("mpesa transaction still processing")
)

// Config holds Daraja API configuration
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
}

// APIError is a non-2xx answer that is not a transport fault
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

// Client is a Daraja STK push client. Access tokens are cached until
// shortly before they expire.
type Client struct {
	httpClient *http.Client
	config     Config
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// STKPushRequest is one Lipa na M-Pesa online prompt
type STKPushRequest struct {
	Phone       string
	Amount      int64
	AccountRef  string
	Description string
}

// STKPushResponse is the synchronous acknowledgement of a prompt
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Accepted reports whether Safaricom queued the prompt
func (r *STKPushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// QueryResponse is the state of a prompt
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Succeeded reports whether the customer paid
func (r *QueryResponse) Succeeded() bool {
	return r.ResultCode == "0"
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// NewClient creates new Daraja API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		now:        time.Now,
	}
}

// WithClock overrides the time source used for timestamps and token expiry
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Password builds the STK password: base64(shortcode + passkey + timestamp)
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// STKPush sends a payment prompt to the customer's handset
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	payload := map[string]interface{}{
		"BusinessShortCode": c.config.ShortCode,
		"Password":          Password(c.config.ShortCode, c.config.PassKey, timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount,
		"PartyA":            phone,
		"PartyB":            c.config.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.config.CallbackURL,
		"AccountReference":  truncate(req.AccountRef, 12),
		"TransactionDesc":   truncate(req.Description, 13),
	}

	var out STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query asks for the outcome of a prompt. ErrPending is returned while the
// customer has not answered.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, fmt.Errorf("validation error: checkout request id must be non-empty")
	}

	timestamp := c.now().Format(timestampLayout)
	payload := map[string]interface{}{
		"BusinessShortCode": c.config.ShortCode,
		"Password":          Password(c.config.ShortCode, c.config.PassKey, timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out QueryResponse
	err := c.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == pendingErrorCode {
		return nil, ErrPending
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mpesa request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mpesa api call failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		if e.ErrorCode == pendingErrorCode {
			return &APIError{Status: resp.StatusCode, Code: e.ErrorCode, Message: e.ErrorMessage}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.resetToken()
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(raw))
		}
		return &APIError{Status: resp.StatusCode, Code: e.ErrorCode, Message: e.ErrorMessage}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse mpesa response: %w", err)
	}
	return nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/oauth/v1/generate?grant_type=client_credentials"), nil)
	if err != nil {
		return "", fmt.Errorf("mpesa auth failed: %w", err)
	}
	httpReq.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: auth: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: auth: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: auth status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Message: "authentication rejected"}
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("failed to parse mpesa token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("mpesa auth returned empty token")
	}

	ttl := 3599 * time.Second
	if secs, err := time.ParseDuration(tok.ExpiresIn + "s"); err == nil && secs > 0 {
		ttl = secs
	}
	// refresh a minute early
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
