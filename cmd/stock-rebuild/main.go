package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/locking"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"github.com/shopspring/decimal"
)

// Recomputes every item's cached quantity from the movement ledger and
// repairs drift. The cache should never drift; when it does, this tool
// tells you where, and --apply is implied because the ledger is the
// truth.
func main() {
	dryRun := flag.Bool("dry-run", false, "report drift without repairing the cache")
	flag.Parse()

	if err := config.ConnectDatabase(); err != nil {
		fmt.Fprintf(os.Stderr, "open record store: %v\n", err)
		os.Exit(1)
	}
	models.MigrateTable()

	ctx := context.Background()
	lock := locking.NewFileLock()
	err := lock.WithLock(ctx, func(ctx context.Context) error {
		if *dryRun {
			return reportDrift(ctx)
		}
		drifts, err := models.RebuildQuantities(ctx)
		if err != nil {
			return err
		}
		for _, d := range drifts {
			fmt.Printf("repaired %s: cached=%s ledger=%s\n", d.Sku, d.Cached.String(), d.LedgerSum.String())
		}
		fmt.Printf("%d item(s) repaired\n", len(drifts))
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func reportDrift(ctx context.Context) error {
	items, err := models.ListItems(ctx)
	if err != nil {
		return err
	}
	drift := 0
	for _, item := range items {
		movements, err := models.ListMovements(ctx, item.Sku)
		if err != nil {
			return err
		}
		sum := decimal.Zero
		for _, m := range movements {
			sum = sum.Add(m.QtyDelta)
		}
		if !sum.Equal(item.QtyOnHand) {
			fmt.Printf("drift %s: cached=%s ledger=%s\n", item.Sku, item.QtyOnHand.String(), sum.String())
			drift++
		}
	}
	fmt.Printf("%d item(s) drifted\n", drift)
	return nil
}
