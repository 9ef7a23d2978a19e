package bybit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"agentfleet/internal/broker"

	"github.com/shopspring/decimal"
)

var _ broker.Exchange = (*Client)(nil)

type orderBody struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	PositionIdx int    `json:"positionIdx"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TpTriggerBy string `json:"tpTriggerBy,omitempty"`
	SlTriggerBy string `json:"slTriggerBy,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type positionItem struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	CreatedTime   string `json:"createdTime"`
}

type positionResult struct {
	List []positionItem `json:"list"`
}

type closedPnlItem struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"orderId"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

type closedPnlResult struct {
	List []closedPnlItem `json:"list"`
}

type walletResult struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	} `json:"list"`
}

func (c *Client) Balance(ctx context.Context) (broker.Balance, error) {
	var result walletResult
	query := url.Values{"accountType": {"UNIFIED"}}
	if err := c.get(ctx, "/v5/account/wallet-balance", query, true, &result); err != nil {
		return broker.Balance{}, err
	}
	if len(result.List) == 0 {
		return broker.Balance{}, errors.New("bybit wallet balance: empty account list")
	}
	return broker.Balance{
		Equity:    parseFloat(result.List[0].TotalEquity),
		Available: parseFloat(result.List[0].TotalAvailableBalance),
	}, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	value := strconv.Itoa(leverage)
	body := map[string]string{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  value,
		"sellLeverage": value,
	}
	err := c.post(ctx, "/v5/position/set-leverage", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeLeverageNotModified {
		return broker.ErrLeverageNotModified
	}
	return err
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	body := orderBody{
		Category:    categoryLinear,
		Symbol:      req.Symbol,
		Side:        orderSide(req.Side),
		OrderType:   "Market",
		Qty:         req.Qty.String(),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.ClientOrderID,
	}
	if req.TakeProfit != nil {
		body.TakeProfit = req.TakeProfit.String()
		body.TpTriggerBy = "MarkPrice"
	}
	if req.StopLoss != nil {
		body.StopLoss = req.StopLoss.String()
		body.SlTriggerBy = "MarkPrice"
	}
	var result orderResult
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		slog.Error("place order failed", "symbol", req.Symbol, "side", req.Side, "qty", body.Qty, "reduce_only", req.ReduceOnly, "error", err)
		return broker.OrderRef{}, err
	}
	slog.Info("place order success", "order_id", result.OrderID, "symbol", req.Symbol, "side", req.Side, "qty", body.Qty, "reduce_only", req.ReduceOnly)
	return broker.OrderRef{ID: result.OrderID, ClientOrderID: result.OrderLinkID}, nil
}

func (c *Client) Position(ctx context.Context, symbol string) (*broker.Position, error) {
	var result positionResult
	query := url.Values{"category": {categoryLinear}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/position/list", query, true, &result); err != nil {
		return nil, err
	}
	for _, item := range result.List {
		if item.Symbol != symbol {
			continue
		}
		size := parseFloat(item.Size)
		side, ok := broker.ParseSide(item.Side)
		if size <= 0 || !ok {
			continue
		}
		return &broker.Position{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			AvgPrice:      parseFloat(item.AvgPrice),
			MarkPrice:     parseFloat(item.MarkPrice),
			UnrealizedPnL: parseFloat(item.UnrealisedPnl),
			OpenedAt:      parseMillis(item.CreatedTime),
		}, nil
	}
	return nil, nil
}

// ClosePosition sends a reduce-only market order against a position held on
// side. It does not wait for the fill.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side broker.Side, size float64) (broker.OrderRef, error) {
	if size <= 0 {
		return broker.OrderRef{}, fmt.Errorf("close %s: size must be positive", symbol)
	}
	return c.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Qty:        decimal.NewFromFloat(size),
		ReduceOnly: true,
	})
}

func (c *Client) ClosedPnL(ctx context.Context, symbol string, since time.Time) ([]broker.ClosedPnL, error) {
	var result closedPnlResult
	query := url.Values{
		"category": {categoryLinear},
		"symbol":   {symbol},
		"limit":    {"50"},
	}
	if !since.IsZero() {
		query.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if err := c.get(ctx, "/v5/position/closed-pnl", query, true, &result); err != nil {
		return nil, err
	}
	records := make([]broker.ClosedPnL, 0, len(result.List))
	for _, item := range result.List {
		side, ok := broker.ParseSide(item.Side)
		if !ok {
			continue
		}
		closedAt := parseMillis(item.UpdatedTime)
		if closedAt.IsZero() {
			closedAt = parseMillis(item.CreatedTime)
		}
		records = append(records, broker.ClosedPnL{
			Symbol:      item.Symbol,
			OrderID:     item.OrderID,
			Side:        side,
			Qty:         parseFloat(item.Qty),
			EntryPrice:  parseFloat(item.AvgEntryPrice),
			ExitPrice:   parseFloat(item.AvgExitPrice),
			RealizedPnL: parseFloat(item.ClosedPnl),
			ClosedAt:    closedAt,
		})
	}
	return records, nil
}

func orderSide(side broker.Side) string {
	if side == broker.Short {
		return "Sell"
	}
	return "Buy"
}
