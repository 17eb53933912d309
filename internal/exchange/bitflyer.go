// ============================================================================
// Market-Collector Exchange Adapter - bitFlyer 公開 API
// ============================================================================
//
// Package: internal/exchange
// 文件: bitflyer.go
// 功能: 呼叫 bitFlyer 公開 REST API（不需認證）
//
// Endpoints:
//   GET /v1/executions?product_code=BTC_JPY&count=200[&before=][&after=]
//   GET /v1/board?product_code=BTC_JPY
//
// 錯誤分類（透過 worker.FetchError 的 Cause 傳給 status）:
//   - HTTPError: 非 2xx 回應
//   - NetworkError: 連線/逾時
//   - DecodeError: JSON 格式不符
//
// ============================================================================

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/market-collector/internal/worker"
)

const (
	// BitflyerBaseURL is the public API endpoint.
	BitflyerBaseURL = "https://api.bitflyer.com"
	// DefaultUserAgent identifies the collector to the exchange.
	DefaultUserAgent = "market-collector/1.0"
	// DefaultTimeout bounds each request.
	DefaultTimeout = 5 * time.Second
	// MaxExecutions is the server-side page limit of /v1/executions.
	MaxExecutions = 200

	CauseHTTP    = "HTTPError"
	CauseNetwork = "NetworkError"
	CauseDecode  = "DecodeError"
)

// Execution is one trade from /v1/executions.
type Execution struct {
	ID                         int64   `json:"id"`
	Side                       string  `json:"side"`
	Price                      float64 `json:"price"`
	Size                       float64 `json:"size"`
	ExecDate                   string  `json:"exec_date"`
	BuyChildOrderAcceptanceID  string  `json:"buy_child_order_acceptance_id,omitempty"`
	SellChildOrderAcceptanceID string  `json:"sell_child_order_acceptance_id,omitempty"`
}

// Level is one price level of the order book.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Board is the trimmed order book returned by Client.Board.
type Board struct {
	ProductCode string
	MidPrice    *float64
	BestBid     *Level
	BestAsk     *Level
	Bids        []Level
	Asks        []Level
	// RawBids and RawAsks count the levels before trimming.
	RawBids int
	RawAsks int
}

// ClientOptions 設定 Client；零值使用預設
type ClientOptions struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a minimal bitFlyer public API client.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewClient 建立 bitFlyer Client
func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = BitflyerBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		http:      opts.HTTPClient,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return worker.Failure(CauseNetwork, fmt.Errorf("build request for %s: %w", path, err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return worker.Failure(CauseNetwork, fmt.Errorf("request %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return worker.Failure(CauseHTTP, fmt.Errorf("HTTP %d for %s", resp.StatusCode, path))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return worker.Failure(CauseDecode, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// ExecutionsQuery selects a page of executions. Zero Before/After are omitted.
type ExecutionsQuery struct {
	ProductCode string
	Count       int
	Before      int64
	After       int64
}

// Executions 取得最近成交
//
// Count 會被夾在 [1, 200]；格式不完整的元素會被略過。
func (c *Client) Executions(ctx context.Context, q ExecutionsQuery) ([]Execution, error) {
	if q.ProductCode == "" {
		q.ProductCode = "BTC_JPY"
	}
	if q.Count <= 0 || q.Count > MaxExecutions {
		q.Count = MaxExecutions
	}

	params := url.Values{}
	params.Set("product_code", q.ProductCode)
	params.Set("count", strconv.Itoa(q.Count))
	if q.Before > 0 {
		params.Set("before", strconv.FormatInt(q.Before, 10))
	}
	if q.After > 0 {
		params.Set("after", strconv.FormatInt(q.After, 10))
	}

	var raw []json.RawMessage
	if err := c.getJSON(ctx, "/v1/executions", params, &raw); err != nil {
		return nil, err
	}

	out := make([]Execution, 0, len(raw))
	for _, r := range raw {
		var e Execution
		if err := json.Unmarshal(r, &e); err != nil || e.ID == 0 || e.ExecDate == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type rawLevel struct {
	Price *float64 `json:"price"`
	Size  *float64 `json:"size"`
}

type rawBoard struct {
	MidPrice *float64   `json:"mid_price"`
	Bids     []rawLevel `json:"bids"`
	Asks     []rawLevel `json:"asks"`
}

func normLevels(in []rawLevel, top int) []Level {
	out := make([]Level, 0, min(len(in), top))
	for _, l := range in {
		if len(out) >= top {
			break
		}
		if l.Price == nil || l.Size == nil {
			continue
		}
		out = append(out, Level{Price: *l.Price, Size: *l.Size})
	}
	return out
}

// Board 取得板資訊並裁成前 top 檔
//
// mid_price 缺少時以 best bid/ask 的平均補上。
func (c *Client) Board(ctx context.Context, productCode string, top int) (*Board, error) {
	if productCode == "" {
		productCode = "BTC_JPY"
	}
	if top < 0 {
		top = 0
	}

	params := url.Values{}
	params.Set("product_code", productCode)

	var raw rawBoard
	if err := c.getJSON(ctx, "/v1/board", params, &raw); err != nil {
		return nil, err
	}

	b := &Board{
		ProductCode: productCode,
		Bids:        normLevels(raw.Bids, top),
		Asks:        normLevels(raw.Asks, top),
		RawBids:     len(raw.Bids),
		RawAsks:     len(raw.Asks),
		MidPrice:    raw.MidPrice,
	}
	if len(b.Bids) > 0 {
		b.BestBid = &b.Bids[0]
	}
	if len(b.Asks) > 0 {
		b.BestAsk = &b.Asks[0]
	}
	if b.MidPrice == nil && b.BestBid != nil && b.BestAsk != nil {
		mid := (b.BestBid.Price + b.BestAsk.Price) / 2
		b.MidPrice = &mid
	}
	return b, nil
}
