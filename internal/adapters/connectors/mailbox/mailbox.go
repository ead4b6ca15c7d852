// Package mailbox pulls receipt attachments and parsed order
// confirmations from an email gateway's paged JSON API.
package mailbox

import (
	"context"
	"encoding/base64"
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

// Connector fetches receipt documents from one mailbox connection.
type Connector struct {
	id      string
	baseURL string
	token   string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// New creates a mailbox connector.
func New(id, baseURL, token string, logger *slog.Logger) *Connector {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 60 * time.Second
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
func (c *Connector) Kind() connectors.Kind { return connectors.KindEmail }

// wire types for the gateway's JSON API
type gatewayPage struct {
	Messages   []gatewayMessage `json:"messages"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

type gatewayMessage struct {
	ID          string              `json:"id"`
	Attachments []gatewayAttachment `json:"attachments"`
}

type gatewayAttachment struct {
	Filename string         `json:"filename"`
	Content  string         `json:"content"` // base64
	Parsed   *parsedReceipt `json:"parsed,omitempty"`
}

// parsedReceipt is present when the gateway already extracted fields
// from a recognized order-confirmation format.
type parsedReceipt struct {
	Merchant string `json:"merchant"`
	Total    string `json:"total"`
	Date     string `json:"date"`
	Text     string `json:"text"`
}

// Fetch returns one page of receipt documents. Attachments that fail
// to decode are quarantined rather than failing the page.
func (c *Connector) Fetch(ctx context.Context, cursor string, pageSize int) (*connectors.Page, error) {
	endpoint := fmt.Sprintf("%s/v1/messages?%s", c.baseURL, url.Values{
		"cursor": {cursor},
		"limit":  {strconv.Itoa(pageSize)},
	}.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var raw gatewayPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &connectors.TransientError{Err: fmt.Errorf("decode gateway page: %w", err)}
	}

	page := &connectors.Page{
		NextCursor: raw.NextCursor,
		HasMore:    raw.HasMore,
	}
	for _, msg := range raw.Messages {
		for _, att := range msg.Attachments {
			doc, err := mapAttachment(msg.ID, att)
			if err != nil {
				c.logger.Warn("quarantined malformed attachment",
					"message_id", msg.ID, "filename", att.Filename, "error", err)
				page.Quarantined++
				continue
			}
			page.Documents = append(page.Documents, doc)
		}
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
		return nil, &connectors.AuthError{Err: fmt.Errorf("gateway returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &connectors.TransientError{Err: fmt.Errorf("gateway returned %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &connectors.TransientError{Err: err}
	}
	return body, nil
}

func mapAttachment(messageID string, att gatewayAttachment) (connectors.Document, error) {
	if att.Content == "" {
		return connectors.Document{}, fmt.Errorf("empty attachment content")
	}
	data, err := base64.StdEncoding.DecodeString(att.Content)
	if err != nil {
		return connectors.Document{}, fmt.Errorf("decode attachment: %w", err)
	}

	doc := connectors.Document{
		Filename: fmt.Sprintf("%s-%s", messageID, att.Filename),
		Data:     data,
		Origin:   storage.OriginEmail,
	}

	// Gateway-parsed fields ride along so these receipts skip the
	// extraction queue entirely.
	if att.Parsed != nil {
		ext := &storage.ExtractionResult{
			Merchant: normalize.Merchant(att.Parsed.Merchant),
			Text:     att.Parsed.Text,
		}
		if amt, err := decimal.NewFromString(att.Parsed.Total); err == nil {
			ext.Amount = &amt
		}
		if d, err := time.Parse("2006-01-02", att.Parsed.Date); err == nil {
			ext.Date = &d
		}
		doc.Extraction = ext
	}
	return doc, nil
}
