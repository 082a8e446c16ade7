package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/lox/wxcache/internal/httputil"
	"github.com/lox/wxcache/internal/metrics"
)

const (
	resultOK     = "00"
	resultNoData = "03"

	maxErrorBody = 512
)

// ClientConfig configures access to the KMA open API.
type ClientConfig struct {
	ServiceKey string
	Timeout    time.Duration
	// RetryDelay is the fixed wait before the single retry of a transient
	// failure. Retries is the number of retries (default 1).
	RetryDelay time.Duration
	Retries    int
	// MaxPages bounds pagination for one unit of work.
	MaxPages int
	// BreakerThreshold is the number of consecutive failed units that opens
	// the circuit breaker. Zero disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client issues KMA API requests and decodes the common response envelope.
type Client struct {
	http       *http.Client
	serviceKey string
	retryDelay time.Duration
	retries    int
	maxPages   int
	breaker    *gobreaker.CircuitBreaker
	log        logrus.FieldLogger
}

func NewClient(cfg ClientConfig, log logrus.FieldLogger) *Client {
	c := &Client{
		http:       httputil.NewClient(cfg.Timeout),
		serviceKey: decodeServiceKey(cfg.ServiceKey),
		retryDelay: cfg.RetryDelay,
		retries:    cfg.Retries,
		maxPages:   cfg.MaxPages,
		log:        log,
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 2 * time.Second
	}
	if c.retries < 0 {
		c.retries = 0
	}
	if c.maxPages <= 0 {
		c.maxPages = 10
	}
	if cfg.BreakerThreshold > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		threshold := uint32(cfg.BreakerThreshold)
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "kma",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// A result-code error means the API answered.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrAPIResult) || errors.Is(err, ErrNoData)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("kma: circuit breaker state change")
			},
		})
	}
	return c
}

// decodeServiceKey accepts the portal's URL-encoded key as well as the
// decoded one, so the key is encoded exactly once on the wire.
func decodeServiceKey(key string) string {
	key = strings.TrimSpace(key)
	if strings.Contains(key, "%") {
		if decoded, err := url.QueryUnescape(key); err == nil {
			return decoded
		}
	}
	return key
}

// FetchResult describes the network side of one unit of work.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	Pages        int
	TotalCount   int
	RecordCount  int
}

// Response is the decoded item list of one unit of work together with the
// raw page bodies.
type Response struct {
	Items  []gjson.Result
	Bodies [][]byte
	FetchResult
}

// FetchItems requests every page of response.body.items.item for params.
// params must carry numOfRows; pageNo is managed here.
func (c *Client) FetchItems(ctx context.Context, source, endpoint string, params url.Values) (*Response, error) {
	resp := &Response{}
	for page := 1; page <= c.maxPages; page++ {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("serviceKey", c.serviceKey)
		q.Set("pageNo", strconv.Itoa(page))
		q.Set("dataType", "JSON")

		body, status, err := c.fetchPage(ctx, source, endpoint+"?"+q.Encode())
		if status > 0 {
			resp.HTTPStatus = status
		}
		if len(body) > 0 {
			resp.Bodies = append(resp.Bodies, body)
			resp.ResponseSize += len(body)
		}
		if err != nil {
			return resp, err
		}
		resp.Pages = page

		items, total, err := decodePage(body)
		if err != nil {
			return resp, err
		}
		resp.Items = append(resp.Items, items...)
		resp.TotalCount = total
		resp.RecordCount = len(resp.Items)

		if len(items) == 0 || total <= len(resp.Items) {
			return resp, nil
		}
	}
	c.log.WithFields(logrus.Fields{"source": source, "pages": c.maxPages, "total": resp.TotalCount}).
		Warn("kma: page limit reached before totalCount")
	return resp, nil
}

// fetchPage performs one GET. Transport and body read failures are retried
// after retryDelay; a bad status is permanent.
func (c *Client) fetchPage(ctx context.Context, source, rawURL string) ([]byte, int, error) {
	var (
		body   []byte
		status int
	)
	operation := func() error {
		body, status = nil, 0

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		metrics.APILatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.APICallsTotal.WithLabelValues(source, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request: %w", redactKey(err, c.serviceKey))
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		metrics.APICallsTotal.WithLabelValues(source, strconv.Itoa(status)).Inc()

		if status != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBody))
			return backoff.Permanent(fmt.Errorf("%w %d: %s", ErrStatus, status, truncateBody(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	retry := func() error {
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.retries)), ctx)
		return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
			c.log.WithError(err).WithField("source", source).Warnf("kma: transient failure, retrying in %s", wait)
		})
	}

	if c.breaker == nil {
		err := retry()
		return body, status, err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, retry()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, 0, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return body, status, err
}

// decodePage validates the KMA envelope and returns its items and
// totalCount.
func decodePage(body []byte) ([]gjson.Result, int, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("%w: not json: %s", ErrMalformedResponse, truncateBody(body))
	}
	doc := gjson.ParseBytes(body)

	header := doc.Get("response.header")
	if header.Exists() {
		code := header.Get("resultCode").String()
		msg := header.Get("resultMsg").String()
		switch code {
		case resultOK:
		case resultNoData:
			return nil, 0, fmt.Errorf("%w: %s", ErrNoData, msg)
		default:
			return nil, 0, fmt.Errorf("%w: %s %s", ErrAPIResult, code, msg)
		}
	}

	item := doc.Get("response.body.items.item")
	if !item.Exists() {
		return nil, 0, fmt.Errorf("%w: missing response.body.items.item", ErrMalformedResponse)
	}

	var items []gjson.Result
	switch {
	case item.IsArray():
		items = item.Array()
	case item.IsObject():
		items = []gjson.Result{item}
	default:
		return nil, 0, fmt.Errorf("%w: response.body.items.item is %s", ErrMalformedResponse, item.Type)
	}

	total := len(items)
	if tc := doc.Get("response.body.totalCount"); tc.Exists() {
		total = int(tc.Int())
	}
	return items, total, nil
}

func truncateBody(b []byte) string {
	if len(b) <= maxErrorBody {
		return string(b)
	}
	return string(b[:maxErrorBody]) + "...(truncated)"
}

// redactKey keeps the service key out of logged transport errors, which
// embed the request URL.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	msg := err.Error()
	for _, k := range []string{key, url.QueryEscape(key)} {
		msg = strings.ReplaceAll(msg, k, "REDACTED")
	}
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}
