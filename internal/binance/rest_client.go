package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"portfolio-watch-bot/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	// How long a signed request is valid in milliseconds
	defaultRecvWindow = 5000
)

// Credentials is one tenant's API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	Get24hTickers(ctx context.Context) ([]Ticker24h, error)
	GetAccount(ctx context.Context, creds Credentials) (*AccountResponse, error)
	CreateListenKey(ctx context.Context, apiKey string) (string, error)
	KeepAliveListenKey(ctx context.Context, apiKey, listenKey string) error
	CloseListenKey(ctx context.Context, apiKey, listenKey string) error
}

// RestClient is a client for the Binance REST API shared by all tenants.
// Signed calls take the tenant's credentials per request.
type RestClient struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	recvWindow int
	backoff    func(attempt int) time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	url := cfg.BaseURL
	switch {
	case url != "":
		logger.Info("Using custom Binance API", zap.String("url", url))
	case cfg.Testnet:
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	default:
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = defaultRecvWindow
	}

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:     resty.New().SetBaseURL(url),
		logger:     logger,
		limiter:    limiter,
		recvWindow: recv,
		backoff:    exponentialBackoff,
	}
}

// exponentialBackoff waits 1s, 2s, 4s.
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// sign creates a HMAC-SHA256 signature for the request.
func sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetContext(ctx).
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// Ticker24h is one entry of the 24h rolling window statistics.
type Ticker24h struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	OpenPrice          decimal.Decimal `json:"openPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
}

// Get24hTickers fetches 24h statistics for all symbols.
func (c *RestClient) Get24hTickers(ctx context.Context) ([]Ticker24h, error) {
	var tickers []Ticker24h

	req := c.client.R().
		SetContext(ctx).
		SetResult(&tickers).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/24hr", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get 24h tickers: %w", err)
	}

	return *resp.Result().(*[]Ticker24h), nil
}

// Balance is one asset of the account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// AccountResponse is the subset of /account this bot reads.
type AccountResponse struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// GetAccount fetches the signed account information of one tenant.
func (c *RestClient) GetAccount(ctx context.Context, creds Credentials) (*AccountResponse, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	query := params.Encode()
	query += "&signature=" + sign(creds.SecretKey, query)

	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", creds.APIKey).
		SetResult(&AccountResponse{})

	// The query goes into the URL as-is so the signature stays last.
	resp, err := c.doRequest(ctx, http.MethodGet, "/account?"+query, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return resp.Result().(*AccountResponse), nil
}

// CreateListenKey opens a user data stream for the key's account.
func (c *RestClient) CreateListenKey(ctx context.Context, apiKey string) (string, error) {
	type ListenKeyResponse struct {
		ListenKey string `json:"listenKey"`
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", apiKey).
		SetResult(&ListenKeyResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/userDataStream", req)
	if err != nil {
		return "", fmt.Errorf("failed to create listen key: %w", err)
	}

	return resp.Result().(*ListenKeyResponse).ListenKey, nil
}

// KeepAliveListenKey extends a listen key by 60 minutes.
func (c *RestClient) KeepAliveListenKey(ctx context.Context, apiKey, listenKey string) error {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", apiKey).
		SetQueryParam("listenKey", listenKey)

	if _, err := c.doRequest(ctx, http.MethodPut, "/userDataStream", req); err != nil {
		return fmt.Errorf("failed to keep alive listen key: %w", err)
	}
	return nil
}

// CloseListenKey closes a user data stream.
func (c *RestClient) CloseListenKey(ctx context.Context, apiKey, listenKey string) error {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", apiKey).
		SetQueryParam("listenKey", listenKey)

	if _, err := c.doRequest(ctx, http.MethodDelete, "/userDataStream", req); err != nil {
		return fmt.Errorf("failed to close listen key: %w", err)
	}
	return nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			if !shouldRetry {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
			err = fmt.Errorf("request failed with status %s", resp.Status())
		}
		// Network and other client-side errors are always retried.

		if i == maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			retryAfter = c.backoff(i)
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
