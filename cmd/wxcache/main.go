package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/lox/wxcache/internal/aggregate"
	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/config"
	"github.com/lox/wxcache/internal/ingest"
	"github.com/lox/wxcache/internal/store"
)

// Globals are the settings shared by every command.
type Globals struct {
	ServiceKey string `name:"service-key" env:"KMA_SERVICE_KEY" help:"KMA open API service key (encoded or decoded)."`

	Root     string `default:"." env:"WXCACHE_ROOT" help:"Cache root directory."`
	Out      string `default:"output" env:"WXCACHE_OUT" help:"Summary output directory."`
	DB       string `name:"db" env:"WXCACHE_DB" help:"SQLite audit database. Empty disables auditing."`
	Stations string `default:"input/지점코드.csv" env:"WXCACHE_STATIONS" help:"Station list: path or ftp:// URL."`
	Grid     string `default:"input/격자.csv" env:"WXCACHE_GRID" help:"Grid cell list: path or ftp:// URL."`
	Encoding string `default:"utf-8" enum:"utf-8,euc-kr" env:"WXCACHE_ENCODING" help:"Encoding of the entity lists."`

	StartYear int `default:"1984" env:"WXCACHE_START_YEAR" help:"First year of station data."`
	EndYear   int `env:"WXCACHE_END_YEAR" help:"Last year of station data (default: current year)."`

	Workers          int           `default:"1" env:"WXCACHE_WORKERS" help:"Concurrent fetches. 1 is strictly serial."`
	Timeout          time.Duration `default:"30s" help:"HTTP request timeout."`
	RetryDelay       time.Duration `default:"2s" help:"Wait before retrying a transient failure."`
	Retries          int           `default:"1" help:"Retries of a transient failure."`
	MaxPages         int           `default:"10" help:"Page limit per unit of work."`
	BreakerThreshold int           `default:"0" env:"WXCACHE_BREAKER_THRESHOLD" help:"Consecutive failures that pause requests. 0 disables."`
	BreakerCooldown  time.Duration `default:"1m" help:"How long requests stay paused."`

	NoDerived    bool      `help:"Skip the radiation estimate and et0 column."`
	NoRangeCheck bool      `help:"Keep physically impossible daily values."`
	Categories   []string  `default:"SKY" help:"Forecast categories to keep."`
	RainMore     []float64 `default:"10,30,50,70,90,110" help:"Rain thresholds (mm) for rain_more columns."`
	TAvgLess     []float64 `default:"5,10" name:"tavg-less" help:"Mean temperature thresholds for tavg_less columns."`
	TAvgMore     []float64 `default:"15,20,25,30,35,40" name:"tavg-more" help:"Mean temperature thresholds for tavg_more columns."`

	LogLevel  string `default:"info" enum:"trace,debug,info,warn,warning,error,fatal,panic" env:"WXCACHE_LOG_LEVEL" help:"Log level."`
	LogFormat string `default:"tty" enum:"tty,logfmt,json" env:"WXCACHE_LOG_FORMAT" help:"Log format."`
}

type CLI struct {
	Globals

	Asos      AsosCmd      `cmd:"" help:"Fetch missing ASOS station-year files."`
	Forecast  ForecastCmd  `cmd:"" help:"Fetch the current grid forecast slot."`
	Aggregate AggregateCmd `cmd:"" help:"Rewrite monthly and weekly summaries."`
	Schedule  ScheduleCmd  `cmd:"" help:"Run the collectors on cron triggers."`
	Status    StatusCmd    `cmd:"" help:"Show ingest health from the audit database."`
	Prune     PruneCmd     `cmd:"" help:"Delete old audit rows and payloads."`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("wxcache"),
		kong.Description("Fetch, cache and summarise KMA weather data."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// app is the wiring shared by the commands.
type app struct {
	log   *logrus.Logger
	store *store.Store
	jobs  *ingest.Jobs
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func (g *Globals) logger() (*logrus.Logger, error) {
	return config.NewLogger(os.Stderr, g.LogLevel, g.LogFormat)
}

func (g *Globals) openStore(log logrus.FieldLogger) (*store.Store, error) {
	if g.DB == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(g.DB), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	st, err := store.Open(g.DB, log)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return st, nil
}

// setup builds the pipelines. Commands that call the API need a key.
func (g *Globals) setup(needKey bool) (*app, error) {
	log, err := g.logger()
	if err != nil {
		return nil, err
	}
	if needKey && g.ServiceKey == "" {
		return nil, errors.New("KMA_SERVICE_KEY environment variable or --service-key required")
	}

	st, err := g.openStore(log)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	layout := cachefs.Layout{Root: g.Root}

	client := ingest.NewClient(ingest.ClientConfig{
		ServiceKey:       g.ServiceKey,
		Timeout:          g.Timeout,
		RetryDelay:       g.RetryDelay,
		Retries:          g.Retries,
		MaxPages:         g.MaxPages,
		BreakerThreshold: g.BreakerThreshold,
		BreakerCooldown:  g.BreakerCooldown,
	}, log)

	asosCfg := ingest.DefaultASOSConfig()
	asosCfg.Derived = !g.NoDerived
	asosCfg.RangeCheck = !g.NoRangeCheck

	forecast := func(kind ingest.ForecastKind) *ingest.Forecast {
		cfg := ingest.DefaultForecastConfig(kind)
		cfg.Categories = g.Categories
		return ingest.NewForecast(cfg, layout, clock, log)
	}

	th := aggregate.Thresholds{
		RainMore: g.RainMore,
		TAvgLess: g.TAvgLess,
		TAvgMore: g.TAvgMore,
		BandLow:  10,
		BandHigh: 30,
	}

	return &app{
		log:   log,
		store: st,
		jobs: &ingest.Jobs{
			Collector:  ingest.NewCollector(client, st, g.Workers, log),
			ASOS:       ingest.NewASOS(asosCfg, layout, clock, log),
			Short:      forecast(ingest.KindShort),
			Ultra:      forecast(ingest.KindUltra),
			Aggregator: aggregate.New(layout, g.Out, th, log),
			Stations:   ingest.EntitySource{Location: g.Stations, Encoding: g.Encoding},
			Grid:       ingest.EntitySource{Location: g.Grid, Encoding: g.Encoding},
			StartYear:  g.StartYear,
			EndYear:    g.EndYear,
			Clock:      clock,
			Log:        log,
		},
	}, nil
}
