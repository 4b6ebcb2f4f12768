package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrNotVisible is returned by a Gateway when the terminal has confirmed a
// payment but the settled record cannot be read yet.
var ErrNotVisible = errors.New("settlement not yet visible")

type SettlementQuery struct {
	Reference string
	Amount    int64
	Currency  string
}

type GatewaySettlement struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// Gateway reads settled payments from the card terminal service.
type Gateway interface {
	LookupSettlement(ctx context.Context, q SettlementQuery) (GatewaySettlement, error)
}

// HTTPGateway talks to the terminal service REST API.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGateway) LookupSettlement(ctx context.Context, q SettlementQuery) (GatewaySettlement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/settlements/"+url.PathEscape(q.Reference), nil)
	if err != nil {
		return GatewaySettlement{}, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return GatewaySettlement{}, fmt.Errorf("gateway: unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusAccepted:
		return GatewaySettlement{}, ErrNotVisible
	default:
		return GatewaySettlement{}, fmt.Errorf("gateway: returned %d", resp.StatusCode)
	}

	var result GatewaySettlement
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return GatewaySettlement{}, fmt.Errorf("gateway: decode response: %w", err)
	}
	if result.Reference == "" {
		result.Reference = q.Reference
	}
	return result, nil
}

// MemoryGateway keeps settlements in process. With autoConfirm set, unknown
// references settle for the queried amount, which is what the dev server
// uses when no terminal service is configured.
type MemoryGateway struct {
	mu          sync.Mutex
	settlements map[string]GatewaySettlement
	hiddenFor   map[string]int
	lookups     map[string]int
	autoConfirm bool
}

func NewMemoryGateway(autoConfirm bool) *MemoryGateway {
	return &MemoryGateway{
		settlements: map[string]GatewaySettlement{},
		hiddenFor:   map[string]int{},
		lookups:     map[string]int{},
		autoConfirm: autoConfirm,
	}
}

// Confirm makes a settlement visible after the given number of lookups have
// reported it as not yet visible.
func (g *MemoryGateway) Confirm(s GatewaySettlement, hiddenLookups int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.Status == "" {
		s.Status = "succeeded"
	}
	g.settlements[s.Reference] = s
	g.hiddenFor[s.Reference] = hiddenLookups
}

// Lookups reports how often a reference has been queried.
func (g *MemoryGateway) Lookups(reference string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookups[reference]
}

func (g *MemoryGateway) LookupSettlement(ctx context.Context, q SettlementQuery) (GatewaySettlement, error) {
	if err := ctx.Err(); err != nil {
		return GatewaySettlement{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups[q.Reference]++

	s, ok := g.settlements[q.Reference]
	if !ok {
		if g.autoConfirm {
			return GatewaySettlement{Reference: q.Reference, Amount: q.Amount, Currency: q.Currency, Status: "succeeded"}, nil
		}
		return GatewaySettlement{}, ErrNotVisible
	}
	if g.lookups[q.Reference] <= g.hiddenFor[q.Reference] {
		return GatewaySettlement{}, ErrNotVisible
	}
	return s, nil
}
