package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ohlcv-merge/internal/bars"
	"ohlcv-merge/internal/symbol"
)

const (
	DialectREST    = "rest"
	DialectTushare = "tushare"

	restDailyPath = "/daily"
	restPingPath  = "/ping"
)

// HTTPOptions parameterise a JSON daily-bar endpoint.
type HTTPOptions struct {
	Name        string
	BaseURL     string
	Dialect     string
	Token       string
	SymbolStyle symbol.Style
	Timeout     time.Duration
	UserAgent   string
	// APIName is the tushare api_name; defaults to "daily".
	APIName string
}

// HTTP fetches bars from a remote JSON API.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs an HTTP provider.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Dialect == "" {
		opts.Dialect = DialectREST
	}
	if opts.APIName == "" {
		opts.APIName = "daily"
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "http_provider").Str("provider", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

func (h *HTTP) Name() string { return h.opts.Name }

// Fetch retrieves daily bars for req.
func (h *HTTP) Fetch(ctx context.Context, req Request) (bars.Table, error) {
	if h.baseURL == "" {
		return nil, &bars.ProviderError{Provider: h.opts.Name, Err: errors.New("base url not configured")}
	}

	code, err := symbol.Render(req.Symbol, h.opts.SymbolStyle)
	if err != nil {
		return nil, &bars.ProviderError{Provider: h.opts.Name, Err: err}
	}

	var httpReq *http.Request
	switch h.opts.Dialect {
	case DialectTushare:
		httpReq, err = h.tushareRequest(ctx, code, req)
	case DialectREST:
		httpReq, err = h.restRequest(ctx, code, req)
	default:
		err = fmt.Errorf("unknown dialect %q", h.opts.Dialect)
	}
	if err != nil {
		return nil, &bars.ProviderError{Provider: h.opts.Name, Err: err}
	}

	payload, err := h.do(httpReq)
	if err != nil {
		return nil, err
	}

	var table bars.Table
	switch h.opts.Dialect {
	case DialectTushare:
		table, err = decodeTushare(payload)
	default:
		table, err = decodeREST(payload)
	}
	if err != nil {
		return nil, &bars.ProviderError{Provider: h.opts.Name, Err: err}
	}

	h.logger.Debug().Str("symbol", req.Symbol).Int("rows", len(table)).Msg("bars fetched")
	return checkTable(h.opts.Name, table)
}

// Ping checks the endpoint is reachable.
func (h *HTTP) Ping(ctx context.Context) error {
	if h.baseURL == "" {
		return errors.New("base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+restPingPath, nil)
	if err != nil {
		return err
	}
	h.setHeaders(req)
	_, err = h.do(req)
	return err
}

func (h *HTTP) restRequest(ctx context.Context, code string, req Request) (*http.Request, error) {
	q := url.Values{}
	q.Set("symbol", code)
	q.Set("start", req.Start.Format(bars.DateLayout))
	q.Set("end", req.End.Format(bars.DateLayout))
	if req.Adjust != "" {
		q.Set("adjust", string(req.Adjust))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+restDailyPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	h.setHeaders(httpReq)
	return httpReq, nil
}

func (h *HTTP) tushareRequest(ctx context.Context, code string, req Request) (*http.Request, error) {
	body, err := json.Marshal(tushareRequest{
		APIName: h.opts.APIName,
		Token:   h.opts.Token,
		Params: map[string]string{
			"ts_code":    code,
			"start_date": req.Start.Format("20060102"),
			"end_date":   req.End.Format("20060102"),
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	h.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (h *HTTP) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ohlcvmerge/1.0")
	}
	if h.opts.Token != "" && h.opts.Dialect != DialectTushare {
		req.Header.Set("Authorization", "Bearer "+h.opts.Token)
	}
}

func (h *HTTP) do(req *http.Request) ([]byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &bars.ProviderError{Provider: h.opts.Name, Err: fmt.Errorf("%w: %v", bars.ErrNetwork, err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &bars.ProviderError{Provider: h.opts.Name, Err: fmt.Errorf("%w: read body: %v", bars.ErrNetwork, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(h.opts.Name, resp.StatusCode, resp.Header, payload)
	}
	return payload, nil
}

type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

type restResponse struct {
	Bars []struct {
		Date   string   `json:"date"`
		Open   *float64 `json:"open"`
		High   *float64 `json:"high"`
		Low    *float64 `json:"low"`
		Close  *float64 `json:"close"`
		Volume *float64 `json:"volume"`
		Factor *float64 `json:"factor,omitempty"`
	} `json:"bars"`
}

// decodeREST follows the text-record rules: rows without a close are skipped and
// missing open/high/low fall back to the close.
func decodeREST(payload []byte) (bars.Table, error) {
	var res restResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	table := make(bars.Table, 0, len(res.Bars))
	for _, b := range res.Bars {
		if b.Close == nil {
			continue
		}
		d, err := bars.ParseDate(b.Date)
		if err != nil {
			return nil, err
		}
		c := *b.Close
		bar := bars.Bar{Date: d, Open: orClose(b.Open, c), High: orClose(b.High, c), Low: orClose(b.Low, c), Close: c}
		if b.Volume != nil {
			bar.Volume = int64(math.Round(*b.Volume))
		}
		if b.Factor != nil {
			bar.Factor = *b.Factor
		}
		table = append(table, bar)
	}
	return table, nil
}

func orClose(v *float64, c float64) float64 {
	if v == nil {
		return c
	}
	return *v
}

// Tushare error codes for exhausted quotas and bad tokens.
const (
	tushareCodeRateLimited = 40203
	tushareCodeBadToken    = 40101
)

func decodeTushare(payload []byte) (bars.Table, error) {
	var res tushareResponse
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch res.Code {
	case 0:
	case tushareCodeRateLimited:
		return nil, fmt.Errorf("%w: %s", bars.ErrRateLimited, res.Msg)
	case tushareCodeBadToken:
		return nil, fmt.Errorf("%w: %s", bars.ErrAuthentication, res.Msg)
	default:
		return nil, fmt.Errorf("tushare error (%d): %s", res.Code, res.Msg)
	}
	if res.Data == nil {
		return nil, bars.ErrEmptySource
	}

	rows := make([][]string, len(res.Data.Items))
	for i, item := range res.Data.Items {
		row := make([]string, len(item))
		for j, v := range item {
			switch x := v.(type) {
			case nil:
			case string:
				row[j] = x
			case json.Number:
				row[j] = x.String()
			default:
				row[j] = fmt.Sprint(x)
			}
		}
		rows[i] = row
	}
	return bars.FromRecords(res.Data.Fields, rows)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func parseHTTPError(provider string, status int, header http.Header, payload []byte) error {
	detail := ""
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, s := range []string{apiErr.Message, apiErr.Error, apiErr.Msg} {
			if s != "" {
				detail = s
				break
			}
		}
	}
	if detail == "" && len(payload) > 0 {
		detail = strings.TrimSpace(string(payload))
	}

	msg := fmt.Sprintf("http status %d", status)
	if detail != "" {
		msg += ": " + detail
	}

	pe := &bars.ProviderError{Provider: provider}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Err = fmt.Errorf("%w: %s", bars.ErrAuthentication, msg)
	case status == http.StatusTooManyRequests:
		pe.Err = fmt.Errorf("%w: %s", bars.ErrRateLimited, msg)
		pe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status >= 500:
		pe.Err = fmt.Errorf("%w: %s", bars.ErrNetwork, msg)
	default:
		pe.Err = errors.New(msg)
	}
	return pe
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var _ Provider = (*HTTP)(nil)
var _ Pinger = (*HTTP)(nil)
