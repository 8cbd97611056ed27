package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
)

// Valuate implements llm.Valuator against the Anthropic Messages API,
// optionally with the server-side web-search tool enabled.
func (c *Client) Valuate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.logger.Info("llm.valuate.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"unit_id", req.Record.UnitID,
		"web_search", req.WebSearch,
	)

	system := llm.BuildSystemPrompt(req.WebSearch)
	user := llm.BuildUserPrompt(req.Record)
	res, err := c.complete(ctx, rid, system, user, req.WebSearch)
	if err != nil {
		c.logger.Error("llm.valuate.failed",
			"req_id", rid, "unit_id", req.Record.UnitID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	res.ElapsedMS = time.Since(start).Milliseconds()
	c.logger.Info("llm.valuate.ok",
		"req_id", rid,
		"unit_id", req.Record.UnitID,
		"confidence", res.Fields.Confidence,
		"comparables", len(res.Fields.ComparableSales),
		"sources", len(res.Sources),
		"elapsed_ms", res.ElapsedMS,
	)
	return res, nil
}

// Enhance runs a second pass over an existing valuation.
func (c *Client) Enhance(ctx context.Context, req llm.Request, prior *llm.Result) (*llm.Result, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.logger.Info("llm.enhance.start", "req_id", rid, "unit_id", req.Record.UnitID)

	system := llm.BuildSystemPrompt(req.WebSearch)
	user := llm.BuildEnhancePrompt(req.Record, prior)
	res, err := c.complete(ctx, rid, system, user, req.WebSearch)
	if err != nil {
		c.logger.Error("llm.enhance.failed",
			"req_id", rid, "unit_id", req.Record.UnitID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	// The enhanced pass must carry its extra analysis; fall back to the
	// justification so the caller never gets an empty enhancement.
	if res.Fields.EnhancedAnalysis == "" {
		res.Fields.EnhancedAnalysis = res.Fields.Justification
	}
	res.ElapsedMS = time.Since(start).Milliseconds()
	c.logger.Info("llm.enhance.ok", "req_id", rid, "unit_id", req.Record.UnitID,
		"elapsed_ms", res.ElapsedMS)
	return res, nil
}

// complete sends one prompt, validates the response against the valuation
// schema (with a lenient sanitize pass before giving up), and assembles a Result.
func (c *Client) complete(ctx context.Context, rid, system, user string, webSearch bool) (*llm.Result, error) {
	schema := llm.BuildValuationJSONSchema()

	body := map[string]any{
		"model":       c.cfg.Model,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
		"system":      system,
		"messages": []map[string]any{
			{"role": "user", "content": user + "\n\n" + llm.SchemaMessage(schema)},
		},
	}
	if webSearch {
		body["tools"] = []map[string]any{
			{
				"type":     "web_search_20250305",
				"name":     "web_search",
				"max_uses": c.cfg.MaxSearchUses,
			},
		}
	}

	text, sources, model, err := c.postWithRetry(ctx, rid, body)
	if err != nil {
		return nil, err
	}

	rawContent, err := llm.ExtractJSONPayload(text)
	if err != nil {
		return nil, common.UpstreamErrorf("response carried no JSON payload: %v", err)
	}

	// Validate strictly first.
	if err := llm.ValidateJSONAgainstSchema(schema, rawContent); err != nil {
		cleaned, dropped, sErr := llm.SanitizeOptionalFields(rawContent)
		if sErr != nil {
			c.logger.Error("llm.sanitize_failed", "req_id", rid, "error", sErr)
			return nil, common.UpstreamErrorf("sanitize failed: %v", sErr)
		}
		if vErr := llm.ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			c.logger.Error("llm.schema_validation_failed",
				"req_id", rid, "error", vErr, "content", string(rawContent))
			return nil, common.UpstreamErrorf("schema validation failed: %v", vErr)
		}
		c.logger.Warn("llm.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
		rawContent = cleaned
	}

	var fields llm.ValuationFields
	if err := json.Unmarshal(rawContent, &fields); err != nil {
		return nil, common.UpstreamErrorf("unmarshal fields: %v", err)
	}

	return &llm.Result{
		Fields:  fields,
		Sources: sources,
		Model:   model,
		RawJSON: rawContent,
	}, nil
}

// postWithRetry retries rate-limit and 5xx failures with exponential backoff.
// Authentication failures and timeouts surface immediately.
func (c *Client) postWithRetry(ctx context.Context, rid string, body map[string]any) (string, []string, string, error) {
	delay := c.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		text, sources, model, err := c.post(ctx, rid, body)
		if err == nil {
			return text, sources, model, nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.cfg.MaxRetries {
			break
		}
		c.logger.Warn("llm.retry",
			"req_id", rid, "attempt", attempt, "max", c.cfg.MaxRetries,
			"delay_ms", delay.Milliseconds(), "error", err,
		)
		select {
		case <-ctx.Done():
			return "", nil, "", common.NewAppError("LLM_TIMEOUT", "cancelled while backing off", common.ErrTimeout)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", nil, "", lastErr
}

func retryable(err error) bool {
	if errors.Is(err, common.ErrRateLimit) {
		return true
	}
	var ae *apiStatusError
	if errors.As(err, &ae) {
		return ae.status >= 500
	}
	return false
}

// apiStatusError preserves the HTTP status for retry decisions while mapping
// onto the shared error taxonomy through its cause.
type apiStatusError struct {
	status int
	body   string
	cause  error
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("anthropic status %d: %s", e.status, e.body)
}

func (e *apiStatusError) Unwrap() error { return e.cause }

func classifyStatus(status int, body string) error {
	var cause error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		cause = common.ErrAuthentication
	case status == http.StatusTooManyRequests:
		cause = common.ErrRateLimit
	case status == http.StatusRequestTimeout:
		cause = common.ErrTimeout
	default:
		cause = common.ErrUpstream
	}
	return &apiStatusError{status: status, body: truncateBody(body), cause: cause}
}

func (c *Client) post(ctx context.Context, rid string, body map[string]any) (string, []string, string, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return "", nil, "", common.UpstreamErrorf("encode request: %v", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return "", nil, "", common.UpstreamErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", nil, "", common.NewAppError("LLM_TIMEOUT", "request timed out", common.ErrTimeout)
		}
		return "", nil, "", common.UpstreamErrorf("send request: %v", err)
	}
	defer func(Body io.ReadCloser) {
		if cerr := Body.Close(); cerr != nil {
			c.logger.Warn("llm.http.response_body_close_error", "req_id", rid, "error", cerr)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	c.logger.Info("llm.http.response",
		"req_id", rid,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return "", nil, "", classifyStatus(resp.StatusCode, string(raw))
	}

	var msg apiResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, "", common.UpstreamErrorf("decode response: %v", err)
	}
	if len(msg.Content) == 0 {
		return "", nil, "", common.UpstreamErrorf("no content blocks in response")
	}

	text, sources := flattenContent(msg.Content)
	if strings.TrimSpace(text) == "" {
		return "", nil, "", common.UpstreamErrorf("response contained no text blocks")
	}
	return text, sources, msg.Model, nil
}

type apiResponse struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Citations []citation        `json:"citations,omitempty"`
	Content   []searchResultRef `json:"content,omitempty"` // web_search_tool_result payload
}

type citation struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type searchResultRef struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// flattenContent concatenates text blocks and collects distinct citation URLs
// from both inline citations and web-search tool results.
func flattenContent(blocks []contentBlock) (string, []string) {
	var text strings.Builder
	seen := make(map[string]struct{})
	var sources []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		sources = append(sources, u)
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
			for _, cit := range b.Citations {
				add(cit.URL)
			}
		case "web_search_tool_result":
			for _, r := range b.Content {
				add(r.URL)
			}
		}
	}
	return text.String(), sources
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncateBody(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
