// Package gateway is the client for the Maviance mobile-money gateway. It owns
// the OAuth client-credentials token lifecycle and retries, so callers only see
// InitiatePayment and GetPaymentStatus.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	authTimeout    = 10 * time.Second
	requestTimeout = 30 * time.Second

	// tokenSafetyMargin forces re-authentication when the cached token has
	// less than this much TTL left.
	tokenSafetyMargin = time.Minute

	maxAuthRetries = 3
	authRetryDelay = 2 * time.Second

	maxRequestAttempts = 3
	backoffBase        = time.Second
	backoffCap         = 10 * time.Second
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string

	authClient *http.Client
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		authClient:   &http.Client{Timeout: authTimeout},
		httpClient:   &http.Client{Timeout: requestTimeout},
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

// HTTPError is a non-2xx gateway response surfaced after retries.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, string(e.Body))
}

// InitiateRequest carries the normalized fields for a payment initiation.
type InitiateRequest struct {
	Amount          decimal.Decimal
	ServiceNumber   string
	CustomerName    string
	CustomerEmail   string
	CustomerAddress string
	PaymentMethod   string // "MTN" | "OM"
	Description     string
}

// InitiateResponse is the gateway's answer to an initiation. PTN is the only
// success criterion; an initiation without one is a failure regardless of the
// HTTP status.
type InitiateResponse struct {
	PTN string `json:"ptn"`
	Raw []byte `json:"-"`
}

// StatusResult is one row of the gateway's status envelope.
type StatusResult struct {
	Status    string `json:"status"`
	ErrorCode Code   `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

type StatusResponse struct {
	ResponseData []StatusResult `json:"responseData"`
}

// Code tolerates the gateway sending error codes as either JSON numbers or
// strings.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

func (c Code) String() string { return string(c) }

// authenticate exchanges the client credentials for a bearer token, retrying a
// fixed number of times with a fixed delay. Callers must hold c.mu.
func (c *Client) authenticate(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= maxAuthRetries; attempt++ {
		if attempt > 0 {
			log.Printf("gateway: auth retry %d/%d", attempt, maxAuthRetries)
			c.sleep(authRetryDelay)
		}
		token, ttl, err := c.requestToken(ctx)
		if err == nil {
			c.accessToken = token
			c.tokenExpiry = c.now().Add(ttl)
			return nil
		}
		lastErr = err
		log.Printf("gateway: auth attempt failed: %v", err)
	}
	return fmt.Errorf("gateway authentication failed after %d retries: %w", maxAuthRetries, lastErr)
}

func (c *Client) requestToken(ctx context.Context) (string, time.Duration, error) {
	params := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	endpoint := c.baseURL + "/oauth/v2/token?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.authClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode >= 400 {
		return "", 0, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("token missing from auth response")
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}

// ensureToken returns the cached token while it has more than the safety
// margin of TTL remaining, re-authenticating otherwise.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry.Add(-tokenSafetyMargin)) {
		return c.accessToken, nil
	}
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// do performs an authenticated request with up to maxRequestAttempts tries and
// exponential backoff. A 401/403 invalidates the cached token so the next
// attempt re-authenticates. A 404 is returned immediately without retrying:
// it is a definitive answer, not a transient fault.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRequestAttempts; attempt++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return nil, err
		}

		respBody, err := c.doOnce(ctx, method, path, body, token)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.StatusCode == http.StatusNotFound {
				return nil, err
			}
			if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
				log.Printf("gateway: credential rejected (%d), invalidating cached token", httpErr.StatusCode)
				c.invalidateToken()
			}
		}

		if attempt < maxRequestAttempts {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			log.Printf("gateway: %s %s attempt %d/%d failed: %v (retrying in %s)",
				method, path, attempt, maxRequestAttempts, err, delay)
			c.sleep(delay)
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, token string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

// InitiatePayment starts a mobile-money collection. The merchant reference is
// generated here; the PTN in the response is the gateway's reference and the
// only proof the initiation took.
func (c *Client) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	address := req.CustomerAddress
	if address == "" {
		address = "Douala, Cameroun"
	}
	method := "OM"
	if strings.EqualFold(req.PaymentMethod, "MTN") {
		method = "MTN"
	}

	payload := map[string]any{
		"amount":               req.Amount.InexactFloat64(),
		"serviceNumber":        req.ServiceNumber,
		"customerName":         req.CustomerName,
		"customerEmailaddress": req.CustomerEmail,
		"customerAddress":      address,
		"paymentMethod":        method,
		"description":          req.Description,
		"currency":             "XAF",
		"merchantReference":    merchantReference(c.now()),
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v2/payment", payload)
	if err != nil {
		return nil, err
	}

	var out InitiateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode initiation response: %w", err)
	}
	if out.PTN == "" {
		return nil, fmt.Errorf("ptn missing from initiation response")
	}
	out.Raw = body
	return &out, nil
}

// GetPaymentStatus fetches the authoritative status for a PTN. A gateway 404
// means the transaction is not indexed yet and is reported as PENDING, never
// as an error.
func (c *Client) GetPaymentStatus(ctx context.Context, ptn string) (*StatusResponse, error) {
	if ptn == "" {
		return nil, fmt.Errorf("ptn is required")
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v2/payment/"+url.PathEscape(ptn), nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return &StatusResponse{ResponseData: []StatusResult{{
				Status:  "PENDING",
				Message: "transaction not indexed by gateway yet",
			}}}, nil
		}
		return nil, err
	}

	var out StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

func merchantReference(now time.Time) string {
	return fmt.Sprintf("CULTURES-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
