// Package client is an HTTP client for the escrow API. Instructions are
// signed with the caller's secp256k1 key; reads retry on transient failures.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/circuitbreaker"
	"github.com/mbd888/p2pescrow/internal/escrow"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/retry"
)

// ErrNoKey is returned when an instruction is sent by a client without a key.
var ErrNoKey = errors.New("client: signing key required")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to one escrow server.
type Client struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	policy     retry.Policy
	breaker    *circuitbreaker.Breaker
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithKey sets the signing key used for instructions.
func WithKey(key *ecdsa.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy sets the retry policy for reads.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithBreaker replaces the circuit breaker guarding the server.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     retry.DefaultPolicy,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the signer address, or "" without a key.
func (c *Client) Address() string {
	if c.key == nil {
		return ""
	}
	return auth.AddressOf(c.key)
}

// get fetches path and decodes the JSON response into out. Transport errors
// and 5xx responses are retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.guarded(func() error {
			return c.do(ctx, http.MethodGet, path, query, nil, out)
		})
		var apiErr *APIError
		if errors.Is(err, circuitbreaker.ErrOpen) || (errors.As(err, &apiErr) && apiErr.Status < 500) {
			return retry.Permanent(err)
		}
		return err
	})
}

// post sends a signed instruction. Instructions are not retried: a repeat
// after a lost response would fail the state check rather than apply twice.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.key == nil {
		return ErrNoKey
	}
	return c.guarded(func() error {
		return c.do(ctx, http.MethodPost, path, nil, body, out)
	})
}

// guarded runs fn through the breaker. Only transport errors and 5xx
// responses count as server failures.
func (c *Client) guarded(fn func() error) error {
	return c.breaker.Do(fn, func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Status >= 500
		}
		return !errors.Is(err, context.Canceled)
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var raw []byte
	if body != nil {
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != nil {
		h, err := auth.SignRequest(c.key, method, u.Path, raw, c.now())
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(auth.HeaderAddress, h.Address)
		req.Header.Set(auth.HeaderTimestamp, h.Timestamp)
		req.Header.Set(auth.HeaderSignature, h.Signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Info describes the server deployment.
type Info struct {
	Version           string `json:"version"`
	Program           string `json:"program"`
	Admin             string `json:"admin"`
	Mint              string `json:"mint"`
	MintDecimals      int    `json:"mintDecimals"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Faucet            bool   `json:"faucet"`
}

// Info fetches /v1/info.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var out Info
	if err := c.get(ctx, "/v1/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EscrowView is an escrow record with its vault account.
type EscrowView struct {
	Escrow *escrow.Escrow  `json:"escrow"`
	Vault  *ledger.Account `json:"vault,omitempty"`
}

// GetEscrow fetches one escrow by record address.
func (c *Client) GetEscrow(ctx context.Context, address string) (*EscrowView, error) {
	var out EscrowView
	if err := c.get(ctx, "/v1/escrow/"+address, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EscrowPage is one page of a party listing.
type EscrowPage struct {
	Escrows    []*escrow.Escrow `json:"escrows"`
	NextCursor string           `json:"nextCursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

// ListEscrows lists the newest escrows where party is seller or buyer.
func (c *Client) ListEscrows(ctx context.Context, party string, limit int) ([]*escrow.Escrow, error) {
	page, err := c.ListEscrowsPage(ctx, party, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Escrows, nil
}

// ListEscrowsPage fetches the page after cursor ("" for the first page).
func (c *Client) ListEscrowsPage(ctx context.Context, party, cursor string, limit int) (*EscrowPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out EscrowPage
	if err := c.get(ctx, "/v1/parties/"+party+"/escrows", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Derived holds the addresses a trade id and seller resolve to.
type Derived struct {
	TradeID string `json:"tradeId"`
	Seller  string `json:"seller"`
	Escrow  string `json:"escrow"`
	Vault   string `json:"vault"`
}

// Derive asks the server for the record and vault addresses of a trade.
func (c *Client) Derive(ctx context.Context, tradeID, seller string) (*Derived, error) {
	q := url.Values{"tradeId": {tradeID}, "seller": {seller}}
	var out Derived
	if err := c.get(ctx, "/v1/escrow/derive", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the holding account of owner.
func (c *Client) Balance(ctx context.Context, owner string) (*ledger.Account, error) {
	var out struct {
		Account *ledger.Account `json:"account"`
	}
	if err := c.get(ctx, "/v1/accounts/"+owner+"/balance", nil, &out); err != nil {
		return nil, err
	}
	return out.Account, nil
}

// History returns journal entries touching owner's holding account.
func (c *Client) History(ctx context.Context, owner string, limit int) ([]ledger.Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := c.get(ctx, "/v1/accounts/"+owner+"/history", q, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// -----------------------------------------------------------------------------
// Instructions
// -----------------------------------------------------------------------------

func (c *Client) instruction(ctx context.Context, path string, body any) (*escrow.Escrow, error) {
	var out struct {
		Escrow *escrow.Escrow `json:"escrow"`
	}
	if err := c.post(ctx, path, body, &out); err != nil {
		return nil, err
	}
	return out.Escrow, nil
}

// Initialize locks amount from the signer's holding into a new escrow.
func (c *Client) Initialize(ctx context.Context, req escrow.InitializeRequest) (*escrow.Escrow, error) {
	return c.instruction(ctx, "/v1/escrow", req)
}

// MarkPaid records that the buyer sent payment off-ledger.
func (c *Client) MarkPaid(ctx context.Context, address string) (*escrow.Escrow, error) {
	return c.instruction(ctx, "/v1/escrow/"+address+"/paid", nil)
}

// Release pays the vault out to the buyer.
func (c *Client) Release(ctx context.Context, address string) (*escrow.Escrow, error) {
	return c.instruction(ctx, "/v1/escrow/"+address+"/release", nil)
}

// FileDispute moves the escrow to arbitration.
func (c *Client) FileDispute(ctx context.Context, address, reason string) (*escrow.Escrow, error) {
	return c.instruction(ctx, "/v1/escrow/"+address+"/dispute", escrow.DisputeRequest{Reason: reason})
}

// ResolveDispute applies the admin's decision.
func (c *Client) ResolveDispute(ctx context.Context, address string, decision escrow.Decision) (*escrow.Escrow, error) {
	return c.instruction(ctx, "/v1/escrow/"+address+"/resolve", escrow.ResolveRequest{Decision: decision})
}

// Reclaim returns a timed-out escrow to the seller.
func (c *Client) Reclaim(ctx context.Context, address string) (*escrow.Escrow, error) {
	return c.instruction(ctx, "/v1/escrow/"+address+"/reclaim", nil)
}

// Faucet deposits amount into owner's holding. The signer must be the admin.
func (c *Client) Faucet(ctx context.Context, owner string, amount uint64) (*ledger.Account, error) {
	var out struct {
		Account *ledger.Account `json:"account"`
	}
	if err := c.post(ctx, "/v1/faucet", ledger.FaucetRequest{Owner: owner, Amount: amount}, &out); err != nil {
		return nil, err
	}
	return out.Account, nil
}
