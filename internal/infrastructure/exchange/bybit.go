package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vitos/pivot_trade_bot/internal/domain"
)

const defaultRecvWindow = 5000

// BybitClient implements domain.VenueAPI against the Bybit V5 linear-perps
// REST surface.
type BybitClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
}

func NewBybitClient(apiKey, apiSecret, baseURL string) *BybitClient {
	return &BybitClient{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BybitClient) sign(params string, timestamp int64) string {
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, defaultRecvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitClient) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()

	var body []byte
	var paramsStr string
	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(defaultRecvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}
	return respBody, nil
}

type orderResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		OrderID string `json:"orderId"`
	} `json:"result"`
}

func (b *BybitClient) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (string, error) {
	side := "Buy"
	if req.Amount < 0 {
		side = "Sell"
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = "GTC"
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Limit",
		"qty":         formatQty(math.Abs(req.Amount)),
		"price":       formatQty(req.Price),
		"timeInForce": tif,
	}
	if req.ClientRef != "" {
		payload["orderLinkId"] = req.ClientRef
	}

	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return "", err
	}

	var result orderResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.RetCode != 0 {
		return "", fmt.Errorf("bybit order error: %s", result.RetMsg)
	}
	return result.Result.OrderID, nil
}

func (b *BybitClient) PlaceTriggerOrder(ctx context.Context, req domain.TriggerOrderRequest) (string, error) {
	side := "Buy"
	if req.Amount < 0 {
		side = "Sell"
	}

	// 1 = triggered when price rises to triggerPrice, 2 = when it falls.
	triggerDirection := 2
	if req.TriggerAbove {
		triggerDirection = 1
	}

	payload := map[string]interface{}{
		"category":         "linear",
		"symbol":           req.Symbol,
		"side":             side,
		"orderType":        "Limit",
		"qty":              formatQty(math.Abs(req.Amount)),
		"price":            formatQty(req.LimitPrice),
		"triggerPrice":     formatQty(req.TriggerPrice),
		"triggerDirection": triggerDirection,
		"reduceOnly":       true,
		"timeInForce":      "GTC",
	}
	if req.ClientRef != "" {
		payload["orderLinkId"] = req.ClientRef
	}

	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return "", err
	}

	var result orderResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.RetCode != 0 {
		return "", fmt.Errorf("bybit trigger order error: %s", result.RetMsg)
	}
	return result.Result.OrderID, nil
}

func (b *BybitClient) cancel(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", payload)
	if err != nil {
		return err
	}

	var result orderResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	if result.RetCode != 0 {
		return fmt.Errorf("bybit cancel error: %s", result.RetMsg)
	}
	return nil
}

func (b *BybitClient) CancelOrder(ctx context.Context, symbol, orderRef string) error {
	return b.cancel(ctx, symbol, orderRef)
}

// CancelTriggerOrder shares the cancel endpoint; conditional orders are
// addressed by the same order id namespace on V5.
func (b *BybitClient) CancelTriggerOrder(ctx context.Context, symbol, orderRef string) error {
	return b.cancel(ctx, symbol, orderRef)
}

func (b *BybitClient) GetTicker(ctx context.Context, symbol string) (*domain.MarketPrice, error) {
	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("symbol not found: %s", symbol)
	}

	bid, _ := strconv.ParseFloat(result.Result.List[0].Bid1Price, 64)
	ask, _ := strconv.ParseFloat(result.Result.List[0].Ask1Price, 64)
	return &domain.MarketPrice{Bid: bid, Ask: ask, Mid: (bid + ask) / 2}, nil
}

func (b *BybitClient) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	path := fmt.Sprintf("/v5/market/instruments-info?category=linear&symbol=%s", symbol)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("instrument not found: %s", symbol)
	}

	item := result.Result.List[0]
	tick, _ := strconv.ParseFloat(item.PriceFilter.TickSize, 64)
	return &domain.Instrument{
		Symbol:   item.Symbol,
		TickSize: tick,
		Status:   item.Status,
	}, nil
}

func (b *BybitClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error: %d", result.RetCode)
	}

	var candles []domain.Candle
	for _, raw := range result.Result.List {
		// Format: [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Bybit returns newest first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
