package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent samples for an asset.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecent(ctx, opts.Asset, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAsset\tSource\tPrice\tTWAP\tDev(bps)\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		twap := ""
		if sample.TwapRaw != nil {
			twap = sample.TwapRate().StringFixed(7)
		}
		deviation := ""
		if sample.DeviationBps != nil {
			deviation = fmt.Sprintf("%d", *sample.DeviationBps)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			sample.Asset,
			sample.Source,
			sample.Rate().StringFixed(7),
			twap,
			deviation,
			sample.Status,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
