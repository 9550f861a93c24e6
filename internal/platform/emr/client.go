// Package emr is the client for the destination EHR instance. It covers the
// three API surfaces a migration touches: the FHIR endpoint for resource
// creates and searches, the notes API for historical data entry notes, and
// the commands API for command-based records. Authentication is an OAuth
// client-credentials token refreshed ahead of its JWT expiry.
package emr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrAuth is returned when the token endpoint rejects the credentials.
var ErrAuth = errors.New("emr: authentication failed")

// RequestError is a non-2xx response from the EHR.
type RequestError struct {
	StatusCode    int
	URL           string
	Body          string
	CorrelationID string
}

func (e *RequestError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("emr: %s returned %d (correlation %s): %s", e.URL, e.StatusCode, e.CorrelationID, e.Body)
	}
	return fmt.Sprintf("emr: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed on a later attempt.
// Timeouts, throttling, and server faults are transient. Anything else in
// the 4xx range means the payload itself is bad and will never load.
func (e *RequestError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// IsRetryable classifies any error from this package. Transport errors are
// retryable. A RequestError answers for itself.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	// Network-level failure: connection refused, DNS, timeout.
	return true
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Config holds the settings for a Client.
type Config struct {
	// Instance is the EHR instance name. "localhost" points the client at a
	// local development stack.
	Instance     string
	ClientID     string
	ClientSecret string

	// Timeout bounds each HTTP attempt. Zero means 30 seconds.
	Timeout time.Duration
	// MaxRetries caps retry attempts for transient failures. Zero disables
	// retries.
	MaxRetries int
}

// Client talks to one EHR instance. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	fhirURL string
	http    *http.Client
	log     zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds a Client for the configured instance.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Instance == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("emr: instance, client id, and client secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With().Str("component", "emr").Logger(),
	}
	if cfg.Instance == "localhost" {
		c.baseURL = "http://localhost:8000"
		c.fhirURL = "http://localhost:8888"
	} else {
		c.baseURL = fmt.Sprintf("https://%s.canvasmedical.com", cfg.Instance)
		c.fhirURL = fmt.Sprintf("https://fumage-%s.canvasmedical.com", cfg.Instance)
	}
	return c, nil
}

// newClientForTest points the client at a test server.
func newClientForTest(cfg Config, baseURL, fhirURL string, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		fhirURL: fhirURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     logger,
	}
}

// ---------------------------------------------------------------------------
// Token management
// ---------------------------------------------------------------------------

// tokenRefreshMargin renews the token this long before its exp claim.
const tokenRefreshMargin = 60 * time.Second

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}
	return c.refreshTokenLocked(ctx)
}

// forceRefresh discards the cached token. Used after a 401, when the server
// has invalidated a token that looked fresh to us.
func (c *Client) forceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshTokenLocked(ctx)
}

func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("emr: token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d, verify the client id and secret registered at %s/auth/applications/", ErrAuth, resp.StatusCode, c.baseURL)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", fmt.Errorf("%w: token endpoint returned no access_token", ErrAuth)
	}

	c.token = payload.AccessToken
	c.tokenExpiry = tokenExpiry(payload.AccessToken, payload.ExpiresIn)
	c.log.Debug().Time("expiry", c.tokenExpiry).Msg("refreshed access token")
	return c.token, nil
}

// tokenExpiry reads the exp claim from the token so refreshes happen before
// the server starts rejecting it. Opaque tokens fall back to expires_in,
// then to a conservative five minutes.
func tokenExpiry(token string, expiresIn int) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Now().Add(5 * time.Minute)
}

// ---------------------------------------------------------------------------
// Request plumbing
// ---------------------------------------------------------------------------

// response is the part of an HTTP exchange the callers need.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// do performs an authenticated request. It re-authenticates once on 401 and
// retries transient failures with doubling backoff up to MaxRetries.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*response, error) {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			c.log.Debug().Int("attempt", attempt).Str("url", rawURL).Msg("retrying request")
		}

		resp, err := c.doOnce(ctx, method, rawURL, body, false)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, body []byte, reauthed bool) (*response, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("emr: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("emr: reading response from %s: %w", rawURL, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && !reauthed {
		if _, err := c.forceRefresh(ctx); err != nil {
			return nil, err
		}
		return c.doOnce(ctx, method, rawURL, body, true)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			StatusCode:    resp.StatusCode,
			URL:           rawURL,
			Body:          string(respBody),
			CorrelationID: resp.Header.Get("fumage-correlation-id"),
		}
	}

	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// ---------------------------------------------------------------------------
// FHIR operations
// ---------------------------------------------------------------------------

// Bundle is a FHIR searchset bundle.
type Bundle struct {
	Total int `json:"total"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
}

// HasNext reports whether more pages follow this bundle.
func (b *Bundle) HasNext() bool {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return true
		}
	}
	return false
}

// Read fetches a single FHIR resource.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", c.fhirURL, resourceType, id), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Search runs a FHIR search and decodes the result bundle.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	rawURL := fmt.Sprintf("%s/%s", c.fhirURL, resourceType)
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := json.Unmarshal(resp.Body, &bundle); err != nil {
		return nil, fmt.Errorf("emr: decoding search bundle from %s: %w", rawURL, err)
	}
	return &bundle, nil
}

// PerformCreate posts a FHIR resource and returns the ID of the created
// resource, taken from the Location header.
func (c *Client) PerformCreate(ctx context.Context, payload map[string]interface{}) (string, error) {
	resourceType, _ := payload["resourceType"].(string)
	if resourceType == "" {
		return "", errors.New("emr: payload has no resourceType")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("emr: encoding %s payload: %w", resourceType, err)
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.fhirURL, resourceType), body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", &RequestError{StatusCode: resp.StatusCode, URL: c.fhirURL + "/" + resourceType, Body: string(resp.Body)}
	}

	return createdID(resp.Header.Get("Location"), resourceType), nil
}

// createdID pulls the resource ID out of a Location header such as
// "https://host/AllergyIntolerance/abc123/_history/1".
func createdID(location, resourceType string) string {
	id := location
	if idx := strings.Index(id, "/"+resourceType+"/"); idx >= 0 {
		id = id[idx+len(resourceType)+2:]
	}
	id = strings.TrimSuffix(id, "/_history/1")
	return id
}

// ---------------------------------------------------------------------------
// Patient identifier map
// ---------------------------------------------------------------------------

// patientResource is the slice of a FHIR Patient the identifier map needs.
type patientResource struct {
	ID         string `json:"id"`
	Identifier []struct {
		System string `json:"system"`
		Value  string `json:"value"`
	} `json:"identifier"`
}

// BuildPatientIdentifierMap pages through every patient carrying an
// identifier in the given system and returns source identifier to
// destination patient key. Loading the source system's ID as an identifier
// on each patient is what lets every historical record land on the right
// chart.
func (c *Client) BuildPatientIdentifierMap(ctx context.Context, system string) (map[string]string, error) {
	const pageSize = 100

	params := url.Values{}
	params.Set("_sort", "pk")
	params.Set("_count", fmt.Sprint(pageSize))
	params.Set("identifier", system+"|")

	patients := make(map[string]string)
	for offset := 0; ; offset += pageSize {
		params.Set("_offset", fmt.Sprint(offset))
		bundle, err := c.Search(ctx, "Patient", params)
		if err != nil {
			return nil, err
		}
		c.log.Info().Int("offset", offset).Int("page", len(bundle.Entry)).Msg("fetched patient page")

		for _, entry := range bundle.Entry {
			var p patientResource
			if err := json.Unmarshal(entry.Resource, &p); err != nil {
				return nil, fmt.Errorf("emr: decoding patient resource: %w", err)
			}
			for _, ident := range p.Identifier {
				if ident.System == system {
					patients[ident.Value] = p.ID
				}
			}
		}

		if !bundle.HasNext() {
			break
		}
	}
	return patients, nil
}
