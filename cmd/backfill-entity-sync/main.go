// backfill-entity-sync pulls a historical date range from the ERP into the
// mirror, chunked by day so individual requests stay small.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... \
//   go run ./cmd/backfill-entity-sync -entity invoice -from 2024-01-01 -to 2024-06-30
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/acumatica"
	"bitbucket.org/mmdatafocus/collections_backend/config"
)

const dateLayout = "2006-01-02"

func main() {
	entity := flag.String("entity", "", "entity type: customer, invoice, payment or prepayment")
	from := flag.String("from", "", "window start (YYYY-MM-DD)")
	to := flag.String("to", "", "window end, inclusive (YYYY-MM-DD)")
	chunkDays := flag.Int("chunk-days", 1, "days per ERP request window")
	flag.Parse()

	if *entity == "" || *from == "" || *to == "" {
		flag.Usage()
		os.Exit(2)
	}

	start, err := time.Parse(dateLayout, *from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -from: %v\n", err)
		os.Exit(2)
	}
	end, err := time.Parse(dateLayout, *to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -to: %v\n", err)
		os.Exit(2)
	}
	end = end.Add(24*time.Hour - time.Second)
	if end.Before(start) {
		fmt.Fprintln(os.Stderr, "-to is before -from")
		os.Exit(2)
	}
	if *chunkDays <= 0 {
		fmt.Fprintln(os.Stderr, "-chunk-days must be positive")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx := context.Background()
	result, err := acumatica.BackfillRange(ctx, *entity, start, end, time.Duration(*chunkDays)*24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backfill failed: %v\n", err)
		if result != nil {
			fmt.Fprintf(os.Stderr, "partial progress: created=%d updated=%d errors=%d\n",
				result.Created, result.Updated, result.ErrorCount)
		}
		os.Exit(1)
	}

	fmt.Printf("Backfill finished: entity=%s created=%d updated=%d total=%d errors=%d\n",
		*entity, result.Created, result.Updated, result.Total, result.ErrorCount)
	for _, rowErr := range result.Errors {
		fmt.Printf("  row error: key=%s message=%s\n", rowErr.Key, rowErr.Message)
	}
}
