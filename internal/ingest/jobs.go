package ingest

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/lox/wxcache/internal/aggregate"
	"github.com/lox/wxcache/internal/entities"
	"github.com/lox/wxcache/internal/metrics"
	"github.com/lox/wxcache/internal/models"
)

// EntitySource locates an entity list.
type EntitySource struct {
	Location string
	Encoding string
}

// ForecastRun overrides the slot gate of a forecast collection.
type ForecastRun struct {
	// Force collects the short-term forecast outside publication hours.
	Force bool
	// Slot replaces the slot derived from the clock.
	Slot *Slot
}

// Jobs ties the pipelines to their entity lists. Each job loads its list
// on every run so edits to the list are picked up by the scheduler.
type Jobs struct {
	Collector  *Collector
	ASOS       *ASOS
	Short      *Forecast
	Ultra      *Forecast
	Aggregator *aggregate.Aggregator

	Stations EntitySource
	Grid     EntitySource

	StartYear int
	// EndYear of zero means the current year.
	EndYear int

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

func (j *Jobs) years() (int, int, error) {
	end := j.EndYear
	if end == 0 {
		end = j.Clock.Now().In(KST).Year()
	}
	if j.StartYear == 0 || end < j.StartYear {
		return 0, 0, fmt.Errorf("invalid year range %d-%d", j.StartYear, end)
	}
	return j.StartYear, end, nil
}

func (j *Jobs) stations(ctx context.Context) ([]models.Station, error) {
	stations, err := entities.LoadStations(ctx, j.Stations.Location, j.Stations.Encoding)
	if err != nil {
		return nil, fmt.Errorf("load stations: %w", err)
	}
	return stations, nil
}

// CollectASOS fetches every missing station-year file.
func (j *Jobs) CollectASOS(ctx context.Context) (Summary, error) {
	start, end, err := j.years()
	if err != nil {
		return Summary{}, err
	}
	stations, err := j.stations(ctx)
	if err != nil {
		return Summary{}, err
	}

	tasks := j.ASOS.Tasks(stations, start, end)
	j.Log.WithFields(logrus.Fields{"stations": len(stations), "tasks": len(tasks), "start": start, "end": end}).
		Info("asos: collecting")

	summary := j.Collector.Run(ctx, tasks)
	j.logSummary(SourceASOS, summary)
	metrics.LastRunTimestamp.WithLabelValues(SourceASOS).Set(float64(j.Clock.Now().Unix()))
	return summary, ctx.Err()
}

// CollectForecast fetches one slot of a forecast kind for every grid cell
// and rebuilds that slot's monthly file. A short-term run outside a
// publication hour does nothing unless forced or given a slot.
func (j *Jobs) CollectForecast(ctx context.Context, kind ForecastKind, opts ForecastRun) (Summary, error) {
	f := j.Short
	if kind == KindUltra {
		f = j.Ultra
	}
	if f == nil {
		return Summary{}, fmt.Errorf("forecast kind %q not configured", kind)
	}
	log := j.Log.WithField("kind", kind)

	slot := f.CurrentSlot()
	if opts.Slot != nil {
		if err := opts.Slot.Validate(kind); err != nil {
			return Summary{}, fmt.Errorf("slot: %w", err)
		}
		slot = *opts.Slot
	} else if !opts.Force && !f.ShouldCollect() {
		log.WithField("base", slot.ID()).Info("forecast: not a publication hour, skipping")
		return Summary{}, nil
	}

	cells, err := entities.LoadGridCells(ctx, j.Grid.Location, j.Grid.Encoding)
	if err != nil {
		return Summary{}, fmt.Errorf("load grid cells: %w", err)
	}

	tasks := f.Tasks(cells, slot)
	log.WithFields(logrus.Fields{"cells": len(cells), "base": slot.ID()}).Info("forecast: collecting")
	summary := j.Collector.Run(ctx, tasks)
	j.logSummary(kind.Source(), summary)

	year, month, err := slot.YearMonth()
	if err != nil {
		return summary, err
	}
	path, rows, err := f.MergeMonth(year, month)
	if err != nil {
		return summary, fmt.Errorf("merge month: %w", err)
	}
	if rows > 0 {
		log.WithFields(logrus.Fields{"path": path, "rows": rows}).Info("forecast: monthly file rebuilt")
	}
	metrics.LastRunTimestamp.WithLabelValues(kind.Source()).Set(float64(j.Clock.Now().Unix()))
	return summary, ctx.Err()
}

// Aggregate rewrites the monthly and weekly summaries of every station.
func (j *Jobs) Aggregate(ctx context.Context) (aggregate.Result, error) {
	start, end, err := j.years()
	if err != nil {
		return aggregate.Result{}, err
	}
	stations, err := j.stations(ctx)
	if err != nil {
		return aggregate.Result{}, err
	}

	res, err := j.Aggregator.Run(ctx, stations, start, end)
	if err != nil {
		return res, err
	}
	j.Log.WithFields(logrus.Fields{
		"stations": res.Stations,
		"files":    res.FilesWritten,
		"missing":  res.MissingFiles,
	}).Info("aggregate: done")
	metrics.LastRunTimestamp.WithLabelValues("aggregate").Set(float64(j.Clock.Now().Unix()))
	return res, nil
}

func (j *Jobs) logSummary(source string, s Summary) {
	j.Log.WithFields(logrus.Fields{
		"source":  source,
		"fetched": s.Fetched,
		"skipped": s.Skipped,
		"empty":   s.Empty,
		"failed":  s.Failed,
	}).Info("collector: run complete")
}
