package ingest

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/metrics"
	"github.com/lox/wxcache/internal/store"
)

// Table is the transformed content of one cache file.
type Table struct {
	Header []string
	Rows   [][]string
}

// Task is one unit of work: one entity in one window.
type Task struct {
	Source   string
	Endpoint string
	EntityID string
	WindowID string
	Path     string
	Params   url.Values
	// Expected is the row count of a complete unit. Shorter results are
	// still cached but logged. Zero disables the check.
	Expected int
	Fields   logrus.Fields

	Transform func(items []gjson.Result) (Table, error)
}

// Outcome of one task.
type Outcome string

const (
	OutcomeFetched Outcome = "fetched"
	OutcomeSkipped Outcome = "skipped"
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
)

// Summary counts task outcomes for a run.
type Summary struct {
	Fetched int
	Skipped int
	Empty   int
	Failed  int
	// Written lists the cache files created by the run.
	Written []string
}

func (s *Summary) add(o Outcome, path string) {
	switch o {
	case OutcomeFetched:
		s.Fetched++
		s.Written = append(s.Written, path)
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeEmpty:
		s.Empty++
	case OutcomeFailed:
		s.Failed++
	}
}

// Total is the number of tasks accounted for.
func (s Summary) Total() int {
	return s.Fetched + s.Skipped + s.Empty + s.Failed
}

// Collector runs tasks through the fetch, transform and write steps. A task
// whose cache file exists is skipped without a network call. No task
// failure stops the run.
type Collector struct {
	client  *Client
	store   *store.Store
	log     logrus.FieldLogger
	workers int
	flight  singleflight.Group
}

// NewCollector returns a collector. store may be nil. workers <= 1 runs
// tasks strictly in order.
func NewCollector(client *Client, st *store.Store, workers int, log logrus.FieldLogger) *Collector {
	if workers < 1 {
		workers = 1
	}
	return &Collector{client: client, store: st, workers: workers, log: log}
}

// Run processes tasks and returns the outcome counts.
func (c *Collector) Run(ctx context.Context, tasks []Task) Summary {
	tasks = c.dedupe(tasks)

	var summary Summary
	if c.workers == 1 {
		for _, t := range tasks {
			if ctx.Err() != nil {
				c.log.WithError(ctx.Err()).Warn("collector: run cancelled")
				break
			}
			summary.add(c.process(ctx, t), t.Path)
		}
		return summary
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.workers)
	for _, t := range tasks {
		if ctx.Err() != nil {
			c.log.WithError(ctx.Err()).Warn("collector: run cancelled")
			break
		}
		t := t
		g.Go(func() error {
			v, _, _ := c.flight.Do(t.Path, func() (interface{}, error) {
				return c.process(ctx, t), nil
			})
			mu.Lock()
			summary.add(v.(Outcome), t.Path)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

func (c *Collector) dedupe(tasks []Task) []Task {
	seen := make(map[string]bool, len(tasks))
	out := tasks[:0:0]
	for _, t := range tasks {
		if seen[t.Path] {
			c.log.WithField("path", t.Path).Debug("collector: duplicate task dropped")
			continue
		}
		seen[t.Path] = true
		out = append(out, t)
	}
	return out
}

func (c *Collector) process(ctx context.Context, t Task) Outcome {
	log := c.log.WithFields(t.Fields).WithField("path", t.Path)

	exists, err := cachefs.Exists(t.Path)
	if err != nil {
		log.WithError(err).Error("collector: check cache")
		return c.count(t, OutcomeFailed)
	}
	if exists {
		log.Debug("collector: cached, skipping")
		return c.count(t, OutcomeSkipped)
	}

	run := c.startRun(t, log)

	resp, err := c.client.FetchItems(ctx, t.Source, t.Endpoint, t.Params)
	c.recordFetch(run, t, resp, log)
	if errors.Is(err, ErrNoData) {
		c.completeRun(run, nil, 0, log)
		log.Info("collector: no data for window")
		return c.count(t, OutcomeEmpty)
	}
	if err != nil {
		c.completeRun(run, err, 0, log)
		log.WithError(err).Warn("collector: fetch failed, skipping")
		return c.count(t, OutcomeFailed)
	}

	table, err := t.Transform(resp.Items)
	if err != nil {
		err = errors.Join(ErrMalformedResponse, err)
		c.completeRun(run, err, 0, log)
		log.WithError(err).Warn("collector: transform failed, skipping")
		return c.count(t, OutcomeFailed)
	}
	if len(table.Rows) == 0 {
		c.completeRun(run, nil, 0, log)
		log.Info("collector: response held no usable rows")
		return c.count(t, OutcomeEmpty)
	}
	if t.Expected > 0 && len(table.Rows) < t.Expected {
		log.WithFields(logrus.Fields{"rows": len(table.Rows), "expected": t.Expected}).
			Warn("collector: incomplete response cached")
	}

	if err := cachefs.WriteCSV(t.Path, table.Header, table.Rows); err != nil {
		c.completeRun(run, err, 0, log)
		log.WithError(err).Error("collector: write cache file")
		return c.count(t, OutcomeFailed)
	}
	c.completeRun(run, nil, len(table.Rows), log)
	c.recordCacheFile(t, len(table.Rows), log)
	metrics.RowsWritten.WithLabelValues(t.Source).Add(float64(len(table.Rows)))

	log.WithField("rows", len(table.Rows)).Info("collector: cached")
	return c.count(t, OutcomeFetched)
}

func (c *Collector) count(t Task, o Outcome) Outcome {
	metrics.UnitsTotal.WithLabelValues(t.Source, string(o)).Inc()
	return o
}

func (c *Collector) startRun(t Task, log logrus.FieldLogger) *store.IngestRun {
	if c.store == nil {
		return nil
	}
	run, err := c.store.StartIngestRun(t.Source, path.Base(t.Endpoint), t.EntityID, t.WindowID)
	if err != nil {
		log.WithError(err).Warn("collector: start ingest run")
		return nil
	}
	return run
}

func (c *Collector) recordFetch(run *store.IngestRun, t Task, resp *Response, log logrus.FieldLogger) {
	if run == nil || resp == nil {
		return
	}
	run.HTTPStatus = sql.NullInt64{Int64: int64(resp.HTTPStatus), Valid: resp.HTTPStatus > 0}
	run.ResponseSizeBytes = sql.NullInt64{Int64: int64(resp.ResponseSize), Valid: resp.ResponseSize > 0}
	run.RecordsParsed = sql.NullInt64{Int64: int64(resp.RecordCount), Valid: true}

	for _, body := range resp.Bodies {
		if _, err := c.store.StoreRawPayload(run.ID, t.Source, path.Base(t.Endpoint), t.EntityID, t.WindowID, body); err != nil {
			log.WithError(err).Warn("collector: store raw payload")
			continue
		}
		log.WithField("payload", store.PayloadHash(body)).Debug("collector: payload stored")
	}
}

func (c *Collector) completeRun(run *store.IngestRun, err error, stored int, log logrus.FieldLogger) {
	if run == nil {
		return
	}
	run.Success = err == nil
	run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		if errors.Is(err, ErrMalformedResponse) {
			run.ParseErrors = sql.NullInt64{Int64: 1, Valid: true}
		}
	}
	if err := c.store.CompleteIngestRun(run); err != nil {
		log.WithError(err).Warn("collector: complete ingest run")
	}
}

func (c *Collector) recordCacheFile(t Task, rows int, log logrus.FieldLogger) {
	if c.store == nil {
		return
	}
	err := c.store.RecordCacheFile(store.CacheFile{
		Path:     t.Path,
		Source:   t.Source,
		EntityID: t.EntityID,
		WindowID: t.WindowID,
		Rows:     rows,
	})
	if err != nil {
		log.WithError(err).Warn("collector: record cache file")
	}
}
