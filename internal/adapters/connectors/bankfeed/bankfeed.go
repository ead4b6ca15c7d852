// Package bankfeed pulls posted transactions from a bank aggregation
// feed over its paged JSON API.
package bankfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/domain/normalize"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Connector fetches transaction pages from one bank feed connection.
type Connector struct {
	id      string
	baseURL string
	token   string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// New creates a bank feed connector. The underlying client retries
// transport failures and 5xx responses with jittered backoff before
// the orchestrator's own retry policy ever sees an error.
func New(id, baseURL, token string, logger *slog.Logger) *Connector {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &Connector{
		id:      id,
		baseURL: baseURL,
		token:   token,
		client:  client,
		logger:  logger.With("connection_id", id),
	}
}

func (c *Connector) ID() string            { return c.id }
func (c *Connector) Kind() connectors.Kind { return connectors.KindBank }

// wire types for the feed's JSON API
type feedPage struct {
	Transactions []feedTransaction `json:"transactions"`
	NextCursor   string            `json:"next_cursor"`
	HasMore      bool              `json:"has_more"`
}

type feedTransaction struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	Amount     string   `json:"amount"`
	Currency   string   `json:"currency"`
	PostedDate string   `json:"posted_date"`
	Merchant   string   `json:"merchant"`
	Categories []string `json:"categories"`
}

// Fetch returns one page of posted transactions. Malformed records are
// quarantined (logged, counted, skipped) rather than failing the page.
func (c *Connector) Fetch(ctx context.Context, cursor string, pageSize int) (*connectors.Page, error) {
	endpoint := fmt.Sprintf("%s/v1/transactions?%s", c.baseURL, url.Values{
		"cursor": {cursor},
		"limit":  {strconv.Itoa(pageSize)},
	}.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var raw feedPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &connectors.TransientError{Err: fmt.Errorf("decode feed page: %w", err)}
	}

	page := &connectors.Page{
		NextCursor: raw.NextCursor,
		HasMore:    raw.HasMore,
	}
	for _, ft := range raw.Transactions {
		tx, err := mapTransaction(ft)
		if err != nil {
			c.logger.Warn("quarantined malformed transaction",
				"external_id", ft.ID, "error", err)
			page.Quarantined++
			continue
		}
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}

func (c *Connector) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &connectors.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &connectors.AuthError{Err: fmt.Errorf("feed returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &connectors.TransientError{Err: fmt.Errorf("feed returned %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &connectors.TransientError{Err: err}
	}
	return body, nil
}

func mapTransaction(ft feedTransaction) (*storage.Transaction, error) {
	if ft.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	amount, err := decimal.NewFromString(ft.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", ft.Amount, err)
	}
	posted, err := time.Parse("2006-01-02", ft.PostedDate)
	if err != nil {
		return nil, fmt.Errorf("bad posted_date %q: %w", ft.PostedDate, err)
	}

	currency := ft.Currency
	if currency == "" {
		currency = "USD"
	}

	return &storage.Transaction{
		ID:          ft.ID,
		AccountID:   ft.AccountID,
		Amount:      amount,
		Currency:    currency,
		PostedDate:  posted,
		RawMerchant: ft.Merchant,
		Merchant:    normalize.Merchant(ft.Merchant),
		Categories:  ft.Categories,
	}, nil
}
