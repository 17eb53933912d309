package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/market-collector/internal/worker"
)

const (
	TopicTrades = "trades"
	TopicBoard  = "board"
)

// ErrUnsupported is returned by NewFetcher for an unknown exchange or topic.
var ErrUnsupported = errors.New("exchange: unsupported exchange/topic")

// TradesResult is the trades fetch result.
type TradesResult struct {
	Executions []Execution
}

// Fields exposes the count/first shape used by snapshot summaries.
func (r TradesResult) Fields() map[string]any {
	m := map[string]any{"count": len(r.Executions), "first": nil}
	if len(r.Executions) > 0 {
		e := r.Executions[0]
		m["first"] = map[string]any{
			"id":        e.ID,
			"price":     e.Price,
			"size":      e.Size,
			"exec_date": e.ExecDate,
			"side":      e.Side,
		}
	}
	return m
}

// BoardResult is the board fetch result.
type BoardResult struct {
	*Board
}

func levelMap(l *Level) any {
	if l == nil {
		return nil
	}
	return map[string]any{"price": l.Price, "size": l.Size}
}

// Fields exposes the mid/best/count shape used by snapshot summaries.
func (r BoardResult) Fields() map[string]any {
	m := map[string]any{
		"mid_price":  nil,
		"best_bid":   levelMap(r.BestBid),
		"best_ask":   levelMap(r.BestAsk),
		"count_bids": r.RawBids,
		"count_asks": r.RawAsks,
	}
	if r.MidPrice != nil {
		m["mid_price"] = *r.MidPrice
	}
	return m
}

// FetcherOptions 設定 NewFetcher
type FetcherOptions struct {
	ProductCode string
	// Count is the executions page size for trades.
	Count int
	// Depth is the number of book levels kept for board.
	Depth int
}

// NewFetcher 依 exchange/topic 建立 worker.Fetcher
//
// 參數：
//   - c: bitFlyer client
//   - exchangeName: 目前只支援 "bitflyer"
//   - topic: "trades" 或 "board"
//
// 返回值：
//   - worker.Fetcher: 可交給 worker.New 的 fetch 實作
//   - error: ErrUnsupported
func NewFetcher(c *Client, exchangeName, topic string, opts FetcherOptions) (worker.Fetcher, error) {
	if exchangeName != "bitflyer" {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupported, exchangeName, topic)
	}
	if opts.Count <= 0 {
		opts.Count = 50
	}
	if opts.Depth <= 0 {
		opts.Depth = 5
	}

	switch topic {
	case TopicTrades:
		return worker.FetchFunc(func(ctx context.Context) (any, error) {
			rows, err := c.Executions(ctx, ExecutionsQuery{ProductCode: opts.ProductCode, Count: opts.Count})
			if err != nil {
				return nil, err
			}
			return TradesResult{Executions: rows}, nil
		}), nil
	case TopicBoard:
		return worker.FetchFunc(func(ctx context.Context) (any, error) {
			b, err := c.Board(ctx, opts.ProductCode, opts.Depth)
			if err != nil {
				return nil, err
			}
			return BoardResult{Board: b}, nil
		}), nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnsupported, exchangeName, topic)
}
