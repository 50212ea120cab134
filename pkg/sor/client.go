// Package sor talks to the collaboration platform's list items, the system
// of record for task status and due dates. Field names on the wire are
// resolved through a logical-to-physical map from configuration.
package sor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chip-edw/taskchaser/pkg/auth"
)

var ErrAuth = errors.New("sor: authentication rejected")

// preferNonIndexed is the one-shot retry hint for list queries that touch a
// non-indexed column.
const preferNonIndexed = "HonorNonIndexedQueriesWarningMayFailRandomly"

// ItemState is the authoritative slice of a list item the chaser reads.
type ItemState struct {
	Status     string
	DueDateUtc *time.Time
}

// Completed reports the case-insensitive completed check.
func (s *ItemState) Completed() bool {
	return strings.EqualFold(s.Status, "Completed")
}

type Client struct {
	http        *resty.Client
	tokens      auth.TokenProvider
	fields      map[string]string
	defaultList string
	log         *zap.Logger
}

func New(siteURL, defaultList string, fieldMap map[string]string, tokens auth.TokenProvider, log *zap.Logger) *Client {
	return &Client{
		http:        resty.New().SetBaseURL(strings.TrimRight(siteURL, "/")).SetTimeout(30 * time.Second),
		tokens:      tokens,
		fields:      fieldMap,
		defaultList: defaultList,
		log:         log,
	}
}

// field resolves a logical field name to its physical column name. A
// missing entry means the logical name is already physical.
func (c *Client) field(logical string) string {
	if phys, ok := c.fields[logical]; ok && phys != "" {
		return phys
	}
	return logical
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return tok, nil
}

func statusErr(resp *resty.Response) error {
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode())
	}
	return fmt.Errorf("sor: %s %s returned %d: %s",
		resp.Request.Method, resp.Request.URL, resp.StatusCode(), strings.TrimSpace(resp.String()))
}

// getFields reads the raw field map of one item. A 400 carrying the
// "not indexed" hint is retried exactly once with the Prefer header; a 404
// returns nil without error (the item is gone).
func (c *Client) getFields(ctx context.Context, listID, itemID string) (map[string]any, error) {
	tok, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	get := func(prefer bool) (*resty.Response, error) {
		req := c.http.R().
			SetContext(ctx).
			SetAuthToken(tok).
			SetQueryParam("expand", "fields")
		if prefer {
			req.SetHeader("Prefer", preferNonIndexed)
		}
		return req.Get(fmt.Sprintf("/lists/%s/items/%s", listID, itemID))
	}

	resp, err := get(false)
	if err != nil {
		return nil, fmt.Errorf("sor: read item %s: %w", itemID, err)
	}
	if resp.StatusCode() == 400 && strings.Contains(strings.ToLower(resp.String()), "not indexed") {
		c.log.Info("retrying non-indexed read with Prefer header", zap.String("item", itemID))
		resp, err = get(true)
		if err != nil {
			return nil, fmt.Errorf("sor: read item %s (prefer retry): %w", itemID, err)
		}
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, statusErr(resp)
	}

	var body struct {
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("sor: decode item %s: %w", itemID, err)
	}
	return body.Fields, nil
}

func (c *Client) patchFields(ctx context.Context, listID, itemID string, fields map[string]any) error {
	tok, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetHeader("Content-Type", "application/json").
		SetBody(fields).
		Patch(fmt.Sprintf("/lists/%s/items/%s/fields", listID, itemID))
	if err != nil {
		return fmt.Errorf("sor: update item %s: %w", itemID, err)
	}
	// Writes never retry on the non-indexed hint.
	if resp.IsError() {
		return statusErr(resp)
	}
	return nil
}

// GetStatusAndDueUtc returns the item's status and due date, or (nil, nil)
// when the item no longer exists.
func (c *Client) GetStatusAndDueUtc(ctx context.Context, itemID string) (*ItemState, error) {
	fields, err := c.getFields(ctx, c.defaultList, itemID)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, nil
	}

	state := &ItemState{}
	if v, ok := fields[c.field("Status")].(string); ok {
		state.Status = v
	}
	if v, ok := fields[c.field("DueDateUtc")].(string); ok && v != "" {
		due, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("sor: item %s has unparseable due date %q: %w", itemID, v, err)
		}
		due = due.UTC()
		state.DueDateUtc = &due
	}
	return state, nil
}

// UpdateChaserFields writes the chaser bookkeeping back to the item: the
// Important flag, an optional ChaseCount increment, and the next chase
// instant.
func (c *Client) UpdateChaserFields(ctx context.Context, itemID string, important, incrementChase bool, nextChaseAtUtc time.Time) error {
	payload := map[string]any{
		c.field("Important"):      important,
		c.field("NextChaseAtUtc"): nextChaseAtUtc.UTC().Format(time.RFC3339),
	}

	if incrementChase {
		fields, err := c.getFields(ctx, c.defaultList, itemID)
		if err != nil {
			return err
		}
		if fields == nil {
			return fmt.Errorf("sor: item %s disappeared before chase-count update", itemID)
		}
		count := 0
		if v, ok := fields[c.field("ChaseCount")].(float64); ok {
			count = int(v)
		}
		payload[c.field("ChaseCount")] = count + 1
	}

	return c.patchFields(ctx, c.defaultList, itemID, payload)
}

// MarkCompleted sets the item's status to Completed and records who
// acknowledged it. Already-completed items are a no-op success.
func (c *Client) MarkCompleted(ctx context.Context, listID, itemID, ackByName, ackByEmailOrUpn string) error {
	if listID == "" {
		listID = c.defaultList
	}

	fields, err := c.getFields(ctx, listID, itemID)
	if err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("sor: item %s not found in list %s", itemID, listID)
	}
	if v, ok := fields[c.field("Status")].(string); ok && strings.EqualFold(v, "Completed") {
		c.log.Info("item already completed, nothing to do",
			zap.String("list", listID), zap.String("item", itemID))
		return nil
	}

	return c.patchFields(ctx, listID, itemID, map[string]any{
		c.field("Status"):              "Completed",
		c.field("AcknowledgedBy"):      ackByName,
		c.field("AcknowledgedByEmail"): ackByEmailOrUpn,
	})
}
