package snapshot

import (
	"encoding/json"
	"math"
)

// Fielder is implemented by fetch results that expose the map shape the
// summary builder understands.
type Fielder interface {
	Fields() map[string]any
}

// Summarize builds the snapshot summary for a fetch result.
//
// Recognised keys:
//   - count, first{id,price,size,exec_date,side}       (trades)
//   - mid_price, best_bid{price,size}, best_ask{...},
//     count_bids, count_asks                            (board)
//
// Anything that is not a map (or Fielder) is summarised as count=1, or
// count=0 when nil.
func Summarize(result any) map[string]any {
	var m map[string]any
	switch v := result.(type) {
	case nil:
		return map[string]any{"count": 0}
	case Fielder:
		m = v.Fields()
	case map[string]any:
		m = v
	default:
		return map[string]any{"count": 1}
	}

	out := make(map[string]any)
	if n, ok := toInt(m["count"]); ok {
		out["count"] = n
	}
	if first, ok := m["first"].(map[string]any); ok {
		for _, k := range []string{"id", "price", "size", "exec_date", "side"} {
			if v, ok := first[k]; ok {
				out["first_"+k] = v
			}
		}
	}
	if f, ok := toFloat(m["mid_price"]); ok {
		out["mid_price"] = f
	}
	for _, side := range []string{"best_bid", "best_ask"} {
		lvl, ok := m[side].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := lvl["price"]; ok {
			out[side+"_price"] = v
		}
		if v, ok := lvl["size"]; ok {
			out[side+"_size"] = v
		}
	}
	for _, k := range []string{"count_bids", "count_asks"} {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Rows returns the row count recorded in a summary: count for trades,
// count_bids + count_asks for boards, 0 otherwise.
func Rows(summary map[string]any) int {
	if n, ok := toInt(summary["count"]); ok {
		return n
	}
	bids, _ := toInt(summary["count_bids"])
	asks, _ := toInt(summary["count_asks"])
	return bids + asks
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
