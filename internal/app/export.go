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

	"oraclewatch/internal/storage"
)

// Export renders an asset's history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListBetween(ctx, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("asset", opts.Asset).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleRows(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, opts.Asset, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRows(samples []storage.PriceRow, max int) []storage.PriceRow {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]storage.PriceRow, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeRowsCSV(path string, samples []storage.PriceRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "asset", "source", "price_raw", "decimals", "price", "twap", "deviation_bps", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		priceRaw := ""
		if sample.PriceRaw != nil {
			priceRaw = sample.PriceRaw.String()
		}
		twap := ""
		if sample.TwapRaw != nil {
			twap = sample.TwapRate().String()
		}
		deviation := ""
		if sample.DeviationBps != nil {
			deviation = strconv.FormatInt(*sample.DeviationBps, 10)
		}
		record := []string{
			sample.Bucket.Format(time.RFC3339),
			sample.Asset,
			sample.Source,
			priceRaw,
			strconv.FormatUint(uint64(sample.Decimals), 10),
			sample.Rate().String(),
			twap,
			deviation,
			sample.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRowsPNG(path, asset string, samples []storage.PriceRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	price := make([]float64, len(samples))
	twap := make([]float64, len(samples))
	deviation := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.Bucket
		price[i] = sample.Rate().InexactFloat64()
		if sample.TwapRaw != nil {
			twap[i] = sample.TwapRate().InexactFloat64()
		}
		if sample.DeviationBps != nil {
			deviation[i] = float64(*sample.DeviationBps)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.7f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + asset + ")",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Deviation (bps)",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "TWAP",
				XValues: x,
				YValues: twap,
			},
			chart.TimeSeries{
				Name:    "Deviation bps",
				XValues: x,
				YValues: deviation,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
