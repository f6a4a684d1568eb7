package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"oraclewatch/internal/oracle"
)

// Price performs a one-shot read of an asset's current price, using the
// fallback source when one is configured. A non-empty quote asset switches to
// the derived base/quote cross rate.
func (a *App) Price(ctx context.Context, asset, quote string) error {
	primary, fallback := a.newSources()
	reader := a.newReader()

	now := uint64(time.Now().UTC().Unix())
	id := oracle.ParseAsset(asset)

	var sample oracle.Sample
	var err error
	switch {
	case quote != "":
		sample, err = reader.CrossRate(ctx, primary, id, oracle.ParseAsset(quote), now, a.Config.Oracle.MaxAge)
	case fallback != nil:
		sample, err = reader.GetPriceWithFallback(ctx, primary, fallback, id, now, a.Config.Oracle.MaxAge)
	default:
		sample, err = reader.GetPrice(ctx, primary, id, now, a.Config.Oracle.MaxAge)
	}
	if err != nil {
		return err
	}

	label := id.String()
	if quote != "" {
		label = fmt.Sprintf("%s/%s", id, oracle.ParseAsset(quote))
	}
	fmt.Fprintf(os.Stdout, "%s: %s (raw %s, 10^-%d, updated %s UTC)\n",
		label,
		formatRate(sample),
		sample.Price.String(),
		sample.Decimals,
		time.Unix(int64(sample.Timestamp), 0).UTC().Format(time.RFC3339),
	)
	return nil
}

// Twap performs a one-shot TWAP computation over the configured window.
func (a *App) Twap(ctx context.Context, asset string) error {
	primary, _ := a.newSources()
	reader := a.newReader()

	now := uint64(time.Now().UTC().Unix())
	id := oracle.ParseAsset(asset)

	twap, err := reader.TWAP(ctx, primary, id, now, a.Config.Oracle.TwapWindow, a.Config.Oracle.TwapInterval)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s twap over %s: %s (raw)\n", id, a.Config.Oracle.TwapWindow, twap.String())
	return nil
}

// Compare orders two assets by their current price on the primary source.
func (a *App) Compare(ctx context.Context, assetA, assetB string) error {
	primary, _ := a.newSources()
	reader := a.newReader()

	now := uint64(time.Now().UTC().Unix())
	idA := oracle.ParseAsset(assetA)
	idB := oracle.ParseAsset(assetB)

	ordering, err := reader.Compare(ctx, primary, idA, idB, now, a.Config.Oracle.MaxAge)
	if err != nil {
		return err
	}

	switch ordering {
	case -1:
		fmt.Fprintf(os.Stdout, "%s < %s\n", idA, idB)
	case 1:
		fmt.Fprintf(os.Stdout, "%s > %s\n", idA, idB)
	default:
		fmt.Fprintf(os.Stdout, "%s == %s\n", idA, idB)
	}
	return nil
}

func formatRate(sample oracle.Sample) string {
	return fmt.Sprintf("%.7f", sample.Rate())
}
