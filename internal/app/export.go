package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/ManosCoffee/makerates/internal/model"
)

// Export renders a pair's validated fact history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Base == "" || opts.Target == "" {
		return errors.New("--pair must be provided as BASE/TARGET")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	facts, err := store.ListPairFacts(ctx, opts.Base, opts.Target, from, to)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		a.Logger.Info().Msg("no validated facts found for export window")
		return nil
	}

	downsampled := downsampleFacts(facts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(facts)).Int("exported", len(downsampled)).Msg("exporting facts")

	if opts.CSVPath != "" {
		if err := writeFactsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFactsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleFacts(facts []model.ValidatedFact, max int) []model.ValidatedFact {
	if max <= 0 || len(facts) <= max {
		return facts
	}

	result := make([]model.ValidatedFact, 0, max)
	step := float64(len(facts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(facts) {
			idx = len(facts) - 1
		}
		result = append(result, facts[idx])
	}
	return result
}

func writeFactsCSV(path string, facts []model.ValidatedFact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"rate_date", "currency_pair", "rate", "inverse_rate", "source_used", "source_tier", "source_count", "consensus_variance", "validation_status"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, fact := range facts {
		record := []string{
			model.DayKey(fact.RateDate),
			fact.Pair(),
			fact.Rate.String(),
			fact.InverseRate.String(),
			fact.SourceUsed,
			string(fact.SourceTier),
			strconv.Itoa(fact.SourceCount),
			fact.ConsensusVariance.String(),
			string(fact.ValidationStatus),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeFactsPNG(path string, facts []model.ValidatedFact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	xs := make([]time.Time, len(facts))
	ys := make([]float64, len(facts))
	for i, fact := range facts {
		xs[i] = fact.RateDate
		ys[i] = fact.Rate.InexactFloat64()
	}

	graph := chart.Chart{
		Title: facts[0].Pair(),
		XAxis: chart.XAxis{ValueFormatter: chart.TimeDateValueFormatter},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    facts[0].Pair(),
				XValues: xs,
				YValues: ys,
			},
		},
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}
