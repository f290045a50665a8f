package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client wraps the marketd REST endpoints. Public market routes work without
// credentials; admin routes need a bearer token supplied via WithBearerToken.
// Amounts travel as decimal strings in 18-decimal base units, stable amounts
// in the stable token's own decimals.
type Client struct {
	baseURL    *url.URL
	bearer     string
	httpClient *http.Client
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBearerToken authorises calls to the /v1/admin surface.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearer = strings.TrimSpace(token)
	}
}

// New constructs a client pointed at the supplied base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	return client, nil
}

// RatioTargets mirrors the ratio block of GET /v1/market/state.
type RatioTargets struct {
	TargetBps            uint32 `json:"target_bps"`
	TargetAdjustedBps    uint32 `json:"target_adjusted_bps"`
	MinTargetBps         uint32 `json:"min_target_bps"`
	MaxTargetAdjustedBps uint32 `json:"max_target_adjusted_bps"`
	RaiseStepBps         uint32 `json:"raise_step_bps"`
	LowerStepBps         uint32 `json:"lower_step_bps"`
	LowerIntervalSeconds uint64 `json:"lower_interval_seconds"`
	LatestUpdate         int64  `json:"latest_update"`
}

// State mirrors GET /v1/market/state.
type State struct {
	Started     bool         `json:"started"`
	Paused      bool         `json:"paused"`
	Supply      string       `json:"supply"`
	Price       string       `json:"price"`
	Floor       string       `json:"floor"`
	Intercept   string       `json:"intercept"`
	Worth       string       `json:"worth"`
	Slope       string       `json:"slope"`
	TotalVolume string       `json:"total_volume"`
	Ratio       RatioTargets `json:"ratio"`
	BuyFeeBps   uint32       `json:"buy_fee_bps"`
	SellFeeBps  uint32       `json:"sell_fee_bps"`
	DevAccount  string       `json:"dev_account"`
}

// FundingRatio mirrors GET /v1/market/ratio.
type FundingRatio struct {
	Bps         uint32 `json:"bps"`
	Numerator   string `json:"numerator"`
	Denominator string `json:"denominator"`
}

// RaiseEstimate mirrors GET /v1/market/raise.
type RaiseEstimate struct {
	Supply      string `json:"supply"`
	Price       string `json:"price"`
	Worth       string `json:"worth"`
	RaisedFloor string `json:"raised_floor"`
}

// Stable mirrors one entry of GET /v1/market/stables.
type Stable struct {
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	BuyApproved bool   `json:"buy_approved"`
}

// BuyQuote mirrors GET /v1/market/quote/buy.
type BuyQuote struct {
	Token     string `json:"token"`
	WorthIn   string `json:"worth_in"`
	Worth     string `json:"worth"`
	AmountOut string `json:"amount_out"`
	Fee       string `json:"fee"`
	NewPrice  string `json:"new_price"`
}

// SellQuote mirrors GET /v1/market/quote/sell.
type SellQuote struct {
	Token        string `json:"token"`
	AmountIn     string `json:"amount_in"`
	Fee          string `json:"fee"`
	Worth        string `json:"worth"`
	WorthOut     string `json:"worth_out"`
	NewPrice     string `json:"new_price"`
	FloorTouched bool   `json:"floor_touched"`
}

// RealizeQuote mirrors GET /v1/market/quote/realize.
type RealizeQuote struct {
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Worth   string `json:"worth"`
	WorthIn string `json:"worth_in"`
}

// TradeRequest is the POST /v1/market/trades payload. Op is one of buy, sell,
// realize or burn. An empty Key lets the server mint one; Bound is optional.
type TradeRequest struct {
	Key         string `json:"key,omitempty"`
	Op          string `json:"op"`
	Account     string `json:"account"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Token       string `json:"token,omitempty"`
	Amount      string `json:"amount"`
	Bound       string `json:"bound,omitempty"`
}

// TradeResult mirrors the trade execution response.
type TradeResult struct {
	Seq       int64     `json:"seq"`
	Key       string    `json:"key"`
	Op        string    `json:"op"`
	Token     string    `json:"token"`
	AmountIn  string    `json:"amount_in"`
	AmountOut string    `json:"amount_out"`
	Fee       string    `json:"fee"`
	Worth     string    `json:"worth"`
	Price     string    `json:"price"`
	Digest    string    `json:"digest"`
	Replayed  bool      `json:"replayed"`
	AppliedAt time.Time `json:"applied_at"`
}

// TradeRecord mirrors one row of GET /v1/admin/trades.
type TradeRecord struct {
	Seq         int64     `json:"seq"`
	Key         string    `json:"key"`
	Op          string    `json:"op"`
	Account     string    `json:"account"`
	Beneficiary string    `json:"beneficiary"`
	DevAccount  string    `json:"dev_account"`
	Token       string    `json:"token"`
	AmountIn    string    `json:"amount_in"`
	AmountOut   string    `json:"amount_out"`
	Fee         string    `json:"fee"`
	Worth       string    `json:"worth"`
	Price       string    `json:"price"`
	PrevDigest  string    `json:"prev_digest"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
}

// AdjustOptions is the PUT /v1/admin/options/adjust payload.
type AdjustOptions struct {
	MinTargetBps         uint32 `json:"min_target_bps"`
	MaxTargetAdjustedBps uint32 `json:"max_target_adjusted_bps"`
	RaiseStepBps         uint32 `json:"raise_step_bps"`
	LowerStepBps         uint32 `json:"lower_step_bps"`
	LowerIntervalSeconds uint64 `json:"lower_interval_seconds"`
}

// JournalReport mirrors GET /v1/admin/journal.
type JournalReport struct {
	Intact  bool `json:"intact"`
	Records int  `json:"records"`
}

// Volume mirrors GET /v1/admin/volume.
type Volume struct {
	Day    string `json:"day"`
	Volume string `json:"volume"`
}

// RequestOption tweaks request metadata such as the Idempotency-Key header.
type RequestOption func(*requestOptions)

type requestOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey sets the Idempotency-Key header for the request.
func WithIdempotencyKey(key string) RequestOption {
	return func(opts *requestOptions) {
		opts.idempotencyKey = strings.TrimSpace(key)
	}
}

// Health probes GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

// State fetches the full market state.
func (c *Client) State(ctx context.Context) (*State, error) {
	var out State
	if err := c.get(ctx, "/v1/market/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FundingRatio fetches the current worth-to-cap ratio.
func (c *Client) FundingRatio(ctx context.Context) (*FundingRatio, error) {
	var out FundingRatio
	if err := c.get(ctx, "/v1/market/ratio", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RaiseEstimate fetches the curve the next floor raise would solve to.
func (c *Client) RaiseEstimate(ctx context.Context) (*RaiseEstimate, error) {
	var out RaiseEstimate
	if err := c.get(ctx, "/v1/market/raise", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stables lists the settlement tokens the market accepts.
func (c *Client) Stables(ctx context.Context) ([]Stable, error) {
	var out []Stable
	if err := c.get(ctx, "/v1/market/stables", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QuoteBuy prices a stable deposit without executing it.
func (c *Client) QuoteBuy(ctx context.Context, token, amount string) (*BuyQuote, error) {
	var out BuyQuote
	if err := c.get(ctx, "/v1/market/quote/buy", quoteQuery(token, amount), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuoteSell prices a market-token sale without executing it.
func (c *Client) QuoteSell(ctx context.Context, token, amount string) (*SellQuote, error) {
	var out SellQuote
	if err := c.get(ctx, "/v1/market/quote/sell", quoteQuery(token, amount), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuoteRealize prices a claim conversion without executing it.
func (c *Client) QuoteRealize(ctx context.Context, token, amount string) (*RealizeQuote, error) {
	var out RealizeQuote
	if err := c.get(ctx, "/v1/market/quote/realize", quoteQuery(token, amount), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func quoteQuery(token, amount string) url.Values {
	return url.Values{"token": {token}, "amount": {amount}}
}

// Trade submits a trade for execution. Repeating a key replays the journaled
// result instead of executing twice.
func (c *Client) Trade(ctx context.Context, req TradeRequest, opts ...RequestOption) (*TradeResult, error) {
	var out TradeResult
	if err := c.do(ctx, http.MethodPost, "/v1/market/trades", req, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Startup seeds the curve with the backing worth and the pre-minted supply.
func (c *Client) Startup(ctx context.Context, worth, supply string) error {
	payload := map[string]string{"worth": worth, "supply": supply}
	return c.do(ctx, http.MethodPost, "/v1/admin/startup", payload, nil)
}

// SetMarketOptions replaces the curve shape options. Rejected once started.
func (c *Client) SetMarketOptions(ctx context.Context, slope string, targetBps, targetAdjustedBps uint32) error {
	payload := map[string]any{
		"slope":               slope,
		"target_bps":          targetBps,
		"target_adjusted_bps": targetAdjustedBps,
	}
	return c.do(ctx, http.MethodPut, "/v1/admin/options/market", payload, nil)
}

// SetAdjustOptions replaces the controller bounds.
func (c *Client) SetAdjustOptions(ctx context.Context, opts AdjustOptions) error {
	return c.do(ctx, http.MethodPut, "/v1/admin/options/adjust", opts, nil)
}

// SetFeeOptions replaces the trade fee routing.
func (c *Client) SetFeeOptions(ctx context.Context, buyBps, sellBps uint32, devAccount string) error {
	payload := map[string]any{
		"buy_fee_bps":  buyBps,
		"sell_fee_bps": sellBps,
		"dev_account":  devAccount,
	}
	return c.do(ctx, http.MethodPut, "/v1/admin/options/fees", payload, nil)
}

// ApproveStable flips a stable token's buy approval.
func (c *Client) ApproveStable(ctx context.Context, symbol string, approved bool) error {
	payload := map[string]bool{"approved": approved}
	return c.do(ctx, http.MethodPut, "/v1/admin/stables/"+url.PathEscape(symbol), payload, nil)
}

// Pause halts trading until Resume.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pause", nil, nil)
}

// Resume lifts a pause.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/resume", nil, nil)
}

// Lower applies one manual target-lowering step.
func (c *Client) Lower(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/lower", nil, nil)
}

// Checkpoint persists an engine snapshot and returns its sequence number.
func (c *Client) Checkpoint(ctx context.Context) (int64, error) {
	var out struct {
		Seq int64 `json:"seq"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/checkpoint", nil, &out); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// Trades lists journaled trades; limit zero returns all of them.
func (c *Client) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []TradeRecord
	if err := c.get(ctx, "/v1/admin/trades", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyJournal checks the digest chain over the whole journal. A broken
// chain surfaces as an error carrying the server's diagnosis.
func (c *Client) VerifyJournal(ctx context.Context) (*JournalReport, error) {
	var out JournalReport
	if err := c.get(ctx, "/v1/admin/journal", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DailyVolume reports the stable worth traded on the given UTC day
// (YYYY-MM-DD); an empty day means today.
func (c *Client) DailyVolume(ctx context.Context, day string) (*Volume, error) {
	query := url.Values{}
	if strings.TrimSpace(day) != "" {
		query.Set("day", day)
	}
	var out Volume
	if err := c.get(ctx, "/v1/admin/volume", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: endpoint, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.ResolveReference(rel).String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.roundTrip(req, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any, opts ...RequestOption) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	rel := &url.URL{Path: endpoint}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", ro.idempotencyKey)
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("marketd %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
