package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/locking"
	"bitbucket.org/mmdatafocus/shopfloor_backend/mirror"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"bitbucket.org/mmdatafocus/shopfloor_backend/workflow"
)

// Forces a sync pass from the command line, for recovery and for
// cron-style setups that do not run the HTTP server.
func main() {
	direction := flag.String("direction", "import", "sync direction: import (workbook -> store, then re-export) or export (store -> workbook)")
	flag.Parse()

	if err := config.ConnectDatabase(); err != nil {
		fmt.Fprintf(os.Stderr, "open record store: %v\n", err)
		os.Exit(1)
	}
	models.MigrateTable()

	mapping, err := config.LoadSheetMapping()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheet mapping: %v (using defaults)\n", err)
	}
	engine := workflow.NewEngine(locking.NewFileLock(), mirror.NewReconciler(mirror.NewAdapter(mapping)))

	ctx := context.Background()
	switch *direction {
	case "import":
		summary, err := engine.ImportAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "import pass: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("items created: %d, adjustments posted: %d, boms replaced: %d, machines updated: %d\n",
			summary.ItemsCreated, summary.AdjustmentsPosted, summary.BomsReplaced, summary.MachinesUpdated)
		for _, conflict := range summary.Conflicts {
			fmt.Printf("conflict: %s\n", conflict)
		}
		for _, skipped := range summary.RowsSkipped {
			fmt.Printf("skipped: %s\n", skipped)
		}
	case "export":
		if err := engine.ExportAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "export pass: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("export finished")
	default:
		fmt.Fprintf(os.Stderr, "unknown direction %q\n", *direction)
		os.Exit(1)
	}
}
