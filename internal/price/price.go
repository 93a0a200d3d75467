package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"
	// EthereumCoinID is the CoinGecko id of the sales' unit of account.
	EthereumCoinID = "ethereum"
)

// Predefined errors for better error handling.
var (
	ErrHTTPResponse      = errors.New("error in HTTP response")
	ErrInvalidResponse   = errors.New("invalid CoinGecko response")
	ErrMissingMarketData = errors.New("missing market data in CoinGecko response")
	ErrMissingUSDPrice   = errors.New("missing USD price in CoinGecko response")
)

// CoinAPI defines the interface for fetching historical price data.
type CoinAPI interface {
	GetHistoricalPrice(ctx context.Context, coinID string, date time.Time) (float64, error)
}

// CoinGeckoAPI implements the CoinAPI interface using the CoinGecko API.
type CoinGeckoAPI struct {
	baseURL   string
	log       *slog.Logger
	fetchFunc func(ctx context.Context, url string) (*http.Response, error)
}

// NewCoinGeckoAPI creates a new instance of CoinGeckoAPI.
func NewCoinGeckoAPI(baseURL string, log *slog.Logger) *CoinGeckoAPI {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &CoinGeckoAPI{
		baseURL:   baseURL,
		log:       log,
		fetchFunc: fetchResponse,
	}
}

// GetHistoricalPrice fetches the USD price of a coin for a given date.
// A coin without market data for that day yields 0 and no error.
func (c *CoinGeckoAPI) GetHistoricalPrice(ctx context.Context, coinID string, date time.Time) (float64, error) {
	url := buildCoinGeckoURL(c.baseURL, coinID, date)

	resp, err := c.fetchFunc(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	price, err := parsePriceFromResponse(resp)
	if err != nil {
		if errors.Is(err, ErrMissingMarketData) {
			c.log.WarnContext(ctx, "no market data for coin", slog.String("coin", coinID), slog.String("date", date.Format("2006-01-02")))
			return 0, nil
		}
		return 0, err
	}

	return price, nil
}

// buildCoinGeckoURL constructs the API URL for fetching historical price data.
func buildCoinGeckoURL(baseURL, coinID string, date time.Time) string {
	formattedDate := date.Format("02-01-2006")
	return fmt.Sprintf("%s/coins/%s/history?date=%s", baseURL, coinID, formattedDate)
}

// fetchResponse performs an HTTP GET request and returns the response.
func fetchResponse(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error building CoinGecko request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching price from CoinGecko: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: received non-OK status code: %d", ErrHTTPResponse, resp.StatusCode)
	}

	return resp, nil
}

// parsePriceFromResponse extracts the USD price from the CoinGecko API response.
func parsePriceFromResponse(resp *http.Response) (float64, error) {
	if resp.Body == nil {
		return 0, fmt.Errorf("%w: response body is empty", ErrInvalidResponse)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("%w: error decoding response body", ErrInvalidResponse)
	}

	marketData, ok := result["market_data"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("%w: market_data field not found", ErrMissingMarketData)
	}

	currentPrice, ok := marketData["current_price"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("%w: current_price field not found", ErrMissingMarketData)
	}

	usdPrice, ok := currentPrice["usd"].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: USD price not found or invalid", ErrMissingUSDPrice)
	}

	if usdPrice <= 0 {
		return 0, fmt.Errorf("%w: USD price must be positive", ErrMissingUSDPrice)
	}

	return usdPrice, nil
}
