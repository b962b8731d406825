// Package clob is the HTTP client for the CLOB venue: market orders, fill
// status, mark prices, the orderbook ladder, and the wallet balance.
package clob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polysignal/trader/internal/config"
)

const (
	requestTimeout  = 5 * time.Second
	maxRetries      = 3
	balanceCacheKey = "usdc_balance"
	balanceTTL      = 30 * time.Second
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Client talks to the CLOB REST API with HMAC-authenticated requests.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	address    string
	httpClient *http.Client
	balances   *gocache.Cache
}

// NewClient builds the venue client. When ETH_PRIVATE_KEY is present the
// trading address is derived and logged for operator sanity checks.
func NewClient(cfg *config.Config) (*Client, error) {
	c := &Client{
		baseURL:    cfg.CLOBBaseURL,
		apiKey:     cfg.CLOBApiKey,
		apiSecret:  cfg.CLOBApiSecret,
		passphrase: cfg.CLOBPassphrase,
		httpClient: &http.Client{Timeout: requestTimeout},
		balances:   gocache.New(balanceTTL, time.Minute),
	}

	if cfg.WalletPrivateKey != "" {
		pk, err := crypto.HexToECDSA(cfg.WalletPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	log.Info().
		Str("base_url", c.baseURL).
		Str("address", c.address).
		Bool("authenticated", c.HasCredentials()).
		Msg("CLOB client initialized")
	return c, nil
}

// HasCredentials reports whether private endpoints can be called.
func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.apiSecret != "" && c.passphrase != ""
}

// Address returns the derived wallet address, empty without a key.
func (c *Client) Address() string { return c.address }

// OrderStatus is the venue's view of one order.
type OrderStatus struct {
	Status        string          `json:"status"` // live|matched|cancelled|expired|rejected
	Size          decimal.Decimal `json:"size"`
	SizeMatched   decimal.Decimal `json:"size_matched"`
	SizeRemaining decimal.Decimal `json:"size_remaining"`
	Price         decimal.Decimal `json:"price"`
	AveragePrice  decimal.Decimal `json:"average_price"`
}

// Book is the derived top-of-book summary.
type Book struct {
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	BidLiquidity decimal.Decimal
	AskLiquidity decimal.Decimal
	Spread       decimal.Decimal
}

// VenueError is an explicit 4xx rejection with its body. Not transient:
// callers must not retry it.
type VenueError struct {
	StatusCode int
	Body       string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue rejected request (HTTP %d): %s", e.StatusCode, e.Body)
}

// transientError marks 5xx/429/network failures eligible for retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err is a retryable venue failure.
func IsTransient(err error) bool {
	_, ok := err.(*transientError)
	return ok
}

// PlaceMarketOrder submits a MARKET order, retrying transient failures
// with linear backoff (1s x attempt). Returns the venue order id.
func (c *Client) PlaceMarketOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (string, error) {
	body := map[string]any{
		"tokenID": tokenID,
		"side":    side,
		"type":    "MARKET",
		"price":   price.StringFixed(4),
		"size":    size.String(),
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		raw, err := c.do(ctx, http.MethodPost, "/order", body)
		if err == nil {
			var result struct {
				OrderID string `json:"orderID"`
				ID      string `json:"id"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return "", fmt.Errorf("parse order response: %w", err)
			}
			if result.Error != "" {
				return "", &VenueError{StatusCode: http.StatusOK, Body: result.Error}
			}
			id := result.OrderID
			if id == "" {
				id = result.ID
			}
			log.Info().Str("order_id", id).Str("side", side).Str("size", size.String()).Msg("Order placed")
			return id, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Order submission failed, retrying")
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return "", fmt.Errorf("order failed after %d attempts: %w", maxRetries, lastErr)
}

// GetOrder fetches the fill status of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, "/order/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	var st OrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}
	return &st, nil
}

// CancelOrder cancels a live order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/order/"+orderID, nil)
	return err
}

// GetPrice fetches the current mark for a token side, retrying up to 3
// times on transient failures.
func (c *Client) GetPrice(ctx context.Context, tokenID, side string) (decimal.Decimal, error) {
	path := "/price?" + url.Values{"token_id": {tokenID}, "side": {side}}.Encode()
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		raw, err := c.do(ctx, http.MethodGet, path, nil)
		if err == nil {
			var result struct {
				Price json.Number `json:"price"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return decimal.Zero, fmt.Errorf("parse price: %w", err)
			}
			price, err := decimal.NewFromString(result.Price.String())
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse price %q: %w", result.Price, err)
			}
			return price, nil
		}
		if !IsTransient(err) {
			return decimal.Zero, err
		}
		lastErr = err
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return decimal.Zero, fmt.Errorf("price fetch failed: %w", lastErr)
}

// ladder is the raw orderbook response.
type ladder struct {
	Bids [][2]string `json:"bids"` // [price, size]
	Asks [][2]string `json:"asks"`
}

// GetOrderBook fetches the ladder and derives the top-of-book summary.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*Book, error) {
	path := "/orderbook?" + url.Values{"token_id": {tokenID}}.Encode()
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var l ladder
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse orderbook: %w", err)
	}

	book := &Book{}
	for i, lvl := range l.Bids {
		price, err1 := decimal.NewFromString(lvl[0])
		size, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			continue
		}
		if i == 0 || price.GreaterThan(book.BestBid) {
			book.BestBid = price
		}
		book.BidLiquidity = book.BidLiquidity.Add(size)
	}
	first := true
	for _, lvl := range l.Asks {
		price, err1 := decimal.NewFromString(lvl[0])
		size, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			continue
		}
		if first || price.LessThan(book.BestAsk) {
			book.BestAsk = price
			first = false
		}
		book.AskLiquidity = book.AskLiquidity.Add(size)
	}
	if book.BestAsk.IsPositive() && book.BestBid.IsPositive() {
		book.Spread = book.BestAsk.Sub(book.BestBid)
	}
	return book, nil
}

// GetBalance returns the wallet's USDC balance, cached for 30s.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if v, ok := c.balances.Get(balanceCacheKey); ok {
		return v.(decimal.Decimal), nil
	}
	raw, err := c.do(ctx, http.MethodGet, "/balance", nil)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	c.balances.Set(balanceCacheKey, balance, gocache.DefaultExpiration)
	return balance, nil
}

// InvalidateBalance drops the cached balance. Called after every
// successful order placement.
func (c *Client) InvalidateBalance() {
	c.balances.Delete(balanceCacheKey)
}

// do performs one authenticated request. 5xx and 429 responses and network
// errors come back as transient; other 4xx as VenueError.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = b
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: err}
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &transientError{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))}
	case resp.StatusCode >= 400:
		return nil, &VenueError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// sign sets the private-API auth headers:
// POLY_SIGNATURE = base64(HMAC-SHA256(secret, timestamp + METHOD + path + body)).
func (c *Client) sign(req *http.Request, body []byte) {
	if !c.HasCredentials() {
		return
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + req.Method + req.URL.Path
	if len(body) > 0 {
		message += string(body)
	}
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_SIGNATURE", sig)
}
