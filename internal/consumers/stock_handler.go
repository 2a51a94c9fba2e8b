package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/repository"
)

const EventStockDecreased = "STOCK_DECREASED"

type StockDecreasedPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// StockDecreaseHandler applies stock decrements. In batch mode the whole
// group collapses into one UPDATE with the quantities summed per product.
type StockDecreaseHandler struct {
	stocks repository.StockRepository
}

func NewStockDecreaseHandler(stocks repository.StockRepository) *StockDecreaseHandler {
	return &StockDecreaseHandler{stocks: stocks}
}

func (h *StockDecreaseHandler) Handle(ctx context.Context, e domain.PendingEvent) (bool, error) {
	p, err := decodeStock(e)
	if err != nil {
		return false, err
	}
	if err := h.stocks.DecreaseStock(ctx, map[string]int64{p.ProductID: p.Quantity}); err != nil {
		return false, err
	}
	return true, nil
}

func (h *StockDecreaseHandler) SupportsBatch() bool { return true }

func (h *StockDecreaseHandler) HandleBatch(ctx context.Context, events []domain.PendingEvent) (bool, error) {
	deltas := make(map[string]int64)
	for _, e := range events {
		p, err := decodeStock(e)
		if err != nil {
			return false, err
		}
		deltas[p.ProductID] += p.Quantity
	}
	if err := h.stocks.DecreaseStock(ctx, deltas); err != nil {
		return false, err
	}
	return true, nil
}

func decodeStock(e domain.PendingEvent) (StockDecreasedPayload, error) {
	var p StockDecreasedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decode event %d: %w", e.ID, err)
	}
	if p.ProductID == "" {
		p.ProductID = e.AggregateID
	}
	if p.ProductID == "" || p.Quantity <= 0 {
		return p, fmt.Errorf("event %d: invalid stock decrement %+v", e.ID, p)
	}
	return p, nil
}
