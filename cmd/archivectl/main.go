// Command archivectl inspects and repairs the archive database.
//
//	archivectl                 table counts and pending migrations
//	archivectl check           list records that break the transcription lifecycle
//	archivectl sweep [apply]   fail transcriptions stuck in processing
//	archivectl purge-sessions  delete expired login sessions
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/config"
	"github.com/echoes-of-korea/oral-archive/internal/database"
	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/transcribe"
)

// cliPool keeps the tool from competing with the server for connections.
var cliPool = database.PoolOptions{MaxConns: 2, MinConns: 0}

func main() {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.DatabaseURL, cliPool, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "":
		err = showCounts(ctx, db)
	case "check":
		err = checkInvariants(ctx, db)
	case "sweep":
		apply := len(os.Args) > 2 && os.Args[2] == "apply"
		err = sweepStale(ctx, db, cfg.STT.StaleAfter, apply, log)
	case "purge-sessions":
		var n int64
		if n, err = db.PurgeExpiredSessions(ctx); err == nil {
			fmt.Printf("Deleted %d expired sessions\n", n)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showCounts(ctx context.Context, db *database.DB) error {
	counts, err := db.TableCounts(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range database.Tables {
		fmt.Printf("%-25s %d\n", t, counts[t])
	}

	byStatus, err := db.CountByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Println("\n── Transcription Status ──")
	for _, s := range interview.Statuses {
		fmt.Printf("  %-12s %d\n", s, byStatus[s])
	}

	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("\nSchema up to date")
		return nil
	}
	fmt.Printf("\n%d pending migration(s):\n", len(pending))
	for _, m := range pending {
		fmt.Printf("  %s\n", m)
	}
	return nil
}

func checkInvariants(ctx context.Context, db *database.DB) error {
	violations, err := db.CheckInvariants(ctx)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		fmt.Println("No lifecycle violations found")
		return nil
	}
	fmt.Printf("── %d Lifecycle Violation(s) ──\n", len(violations))
	for _, v := range violations {
		fmt.Printf("  %s  %-12s %-32s %s\n", v.InterviewID, v.Status, v.Rule, v.Title)
	}
	return fmt.Errorf("%d violation(s)", len(violations))
}

// sweepStale fails records processing longer than after. Without apply it
// only reports how many are overdue.
func sweepStale(ctx context.Context, db *database.DB, after time.Duration, apply bool, log zerolog.Logger) error {
	if after <= 0 {
		after = 24 * time.Hour
	}
	if !apply {
		n, err := db.CountStaleTranscriptions(ctx, after)
		if err != nil {
			return err
		}
		fmt.Printf("%d transcription(s) processing for more than %s\n", n, after)
		fmt.Println("Dry run. Pass 'apply' to mark them failed.")
		return nil
	}
	n, err := transcribe.NewSweeper(db, after, nil, log).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Marked %d transcription(s) failed\n", n)
	return nil
}
