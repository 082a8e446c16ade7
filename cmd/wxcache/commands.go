package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/wxcache/internal/api"
	"github.com/lox/wxcache/internal/ingest"
	"github.com/lox/wxcache/internal/models"
	"github.com/lox/wxcache/internal/store"
)

type AsosCmd struct{}

func (c *AsosCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.setup(true)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.jobs.CollectASOS(ctx)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		a.log.WithField("failed", summary.Failed).Warn("asos: some units failed and will be retried next run")
	}
	return nil
}

type ForecastCmd struct {
	Kind     []string `default:"ultra,short" help:"Forecast kinds to collect (short, ultra)."`
	Force    bool     `help:"Collect the short-term forecast outside publication hours."`
	BaseDate string   `help:"Base date (YYYYMMDD) of an explicit slot."`
	BaseTime string   `help:"Base time (HHMM) of an explicit slot."`
}

func (c *ForecastCmd) Run(ctx context.Context, g *Globals) error {
	var slot *ingest.Slot
	if c.BaseDate != "" || c.BaseTime != "" {
		if c.BaseDate == "" || c.BaseTime == "" {
			return fmt.Errorf("--base-date and --base-time must be given together")
		}
		slot = &ingest.Slot{BaseDate: c.BaseDate, BaseTime: models.PadHHMM(c.BaseTime)}
	}

	kinds := make([]ingest.ForecastKind, 0, len(c.Kind))
	for _, k := range c.Kind {
		kind, err := ingest.ParseForecastKind(k)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	a, err := g.setup(true)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, kind := range kinds {
		if _, err := a.jobs.CollectForecast(ctx, kind, ingest.ForecastRun{Force: c.Force, Slot: slot}); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	return nil
}

type AggregateCmd struct{}

func (c *AggregateCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.setup(false)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.jobs.Aggregate(ctx)
	return err
}

type ScheduleCmd struct {
	ForecastSpec    string `default:"11 * * * *" env:"WXCACHE_FORECAST_SCHEDULE" help:"Cron spec of the forecast job."`
	ObservationSpec string `default:"30 6 * * *" env:"WXCACHE_OBSERVATION_SCHEDULE" help:"Cron spec of the observation and aggregate job."`
	RunOnStart      bool   `help:"Run both jobs once at startup."`
	MetricsAddr     string `default:":9090" env:"WXCACHE_METRICS_ADDR" help:"Address serving /metrics and /healthz. Empty disables."`
}

func (c *ScheduleCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.setup(true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := ingest.NewScheduler(a.jobs, ingest.ScheduleConfig{
		ForecastSpec:    c.ForecastSpec,
		ObservationSpec: c.ObservationSpec,
		RunOnStart:      c.RunOnStart,
	}, a.log)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	if c.MetricsAddr != "" {
		srv := api.NewServer(a.store, c.MetricsAddr, a.log)
		eg.Go(func() error { return srv.Run(ctx) })
	}
	eg.Go(func() error { return sched.Run(ctx) })
	return eg.Wait()
}

type StatusCmd struct {
	Days    int    `default:"7" help:"Days of ingest history to summarise."`
	Errors  int    `default:"10" help:"Recent failures to list."`
	Payload string `help:"Print the stored API response with this SHA-256 hash instead."`
}

func (c *StatusCmd) Run(g *Globals) error {
	log, err := g.logger()
	if err != nil {
		return err
	}
	if g.DB == "" {
		return fmt.Errorf("--db is required")
	}
	st, err := g.openStore(log)
	if err != nil {
		return err
	}
	defer st.Close()

	if c.Payload != "" {
		return dumpPayload(os.Stdout, st, c.Payload)
	}

	health, err := st.GetIngestHealth(c.Days)
	if err != nil {
		return fmt.Errorf("ingest health: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSOURCE\tENDPOINT\tRUNS\tOK\tFAILED\tRECORDS\tPARSE ERRORS")
	for _, h := range health {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			h.Date, h.Source, h.Endpoint, h.TotalRuns, h.SuccessRuns, h.FailedRuns, h.TotalRecords, h.TotalParseErrors)
	}
	w.Flush()

	counts, err := st.CacheFileCounts()
	if err != nil {
		return fmt.Errorf("cache file counts: %w", err)
	}
	stats, err := st.GetRawPayloadStats()
	if err != nil {
		return fmt.Errorf("payload stats: %w", err)
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tCACHE FILES\tPAYLOADS\tPAYLOAD BYTES")
	for _, source := range sortedKeys(counts, stats.CountBySource) {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", source, counts[source], stats.CountBySource[source], stats.SizeBySource[source])
	}
	w.Flush()

	runs, err := st.GetRecentIngestErrors(c.Errors)
	if err != nil {
		return fmt.Errorf("recent errors: %w", err)
	}
	if len(runs) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tSOURCE\tENTITY\tWINDOW\tERROR")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.Source, r.EntityID.String, r.WindowID.String, r.ErrorMessage.String)
		}
		w.Flush()
	}
	return nil
}

// dumpPayload writes the decompressed response body stored under hash.
func dumpPayload(w io.Writer, st *store.Store, hash string) error {
	p, err := st.GetRawPayloadByHash(hash)
	if err != nil {
		return fmt.Errorf("payload %s: %w", hash, err)
	}
	if p == nil {
		return fmt.Errorf("no payload with hash %s", hash)
	}
	body, err := st.GetRawPayload(p.ID)
	if err != nil {
		return fmt.Errorf("payload %s: %w", hash, err)
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}

func sortedKeys(maps ...map[string]int) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

type PruneCmd struct {
	RetentionDays int `default:"90" help:"Keep audit rows newer than this many days."`
}

func (c *PruneCmd) Run(g *Globals) error {
	log, err := g.logger()
	if err != nil {
		return err
	}
	if g.DB == "" {
		return fmt.Errorf("--db is required")
	}
	st, err := g.openStore(log)
	if err != nil {
		return err
	}
	defer st.Close()

	payloads, err := st.CleanupOldRawPayloads(c.RetentionDays)
	if err != nil {
		return fmt.Errorf("cleanup payloads: %w", err)
	}
	runs, err := st.CleanupOldIngestRuns(c.RetentionDays)
	if err != nil {
		return fmt.Errorf("cleanup runs: %w", err)
	}
	log.WithFields(logrus.Fields{"runs": runs, "payloads": payloads}).Info("prune: done")
	return nil
}
