package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	maxLineBytes  = 64 << 10
)

// batchWriter persists decoded coupons.
type batchWriter interface {
	UpsertBatch(ctx context.Context, coupons []coupon.Coupon) (int, error)
}

// fileStats summarizes the import of a single file.
type fileStats struct {
	lines      int
	written    int
	duplicates int
	invalid    int
}

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		batchSize   int
		parallel    int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing coupon campaign files")
	flag.StringVar(&pattern, "pattern", "*.jsonl.gz", "glob of campaign files inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or STORE_DATABASE_URL / DATABASE_URL env)")
	flag.IntVar(&batchSize, "batch-size", 500, "coupons per upsert transaction")
	flag.IntVar(&parallel, "parallel", 4, "files processed concurrently")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("STORE_DATABASE_URL")
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or STORE_DATABASE_URL")
		os.Exit(1)
	}
	if batchSize < 1 || parallel < 1 {
		slog.Error("batch-size and parallel must be positive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, filepath.Join(dataDir, pattern), databaseURL, batchSize, parallel); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, glob, databaseURL string, batchSize, parallel int) error {
	files, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, "list campaign files")
	}
	if len(files) == 0 {
		slog.Info("no campaign files found", slog.String("glob", glob))
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	seen := newCodeSet(bloomCapacity, bloomFPR)
	total, err := ingestFiles(ctx, files, postgres.NewCouponRepository(pool), seen, batchSize, parallel, time.Now())
	if err != nil {
		return err
	}

	slog.Info("import summary",
		slog.Int("files", len(files)),
		slog.Int("distinct_codes", seen.Len()),
		slog.Int("written", total.written),
		slog.Int("duplicates", total.duplicates),
		slog.Int("invalid", total.invalid),
		slog.Int("exact_probes", seen.Probes()),
	)
	return nil
}

// ingestFiles imports files concurrently. A code present in several files is
// written once, by whichever file reaches it first.
func ingestFiles(
	ctx context.Context,
	files []string,
	w batchWriter,
	seen *codeSet,
	batchSize, parallel int,
	now time.Time,
) (fileStats, error) {
	stats := make([]fileStats, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, path := range files {
		g.Go(func() error {
			s, err := ingestFile(ctx, path, w, seen, batchSize, now)
			if err != nil {
				return errors.Wrapf(err, "ingest %s", filepath.Base(path))
			}
			stats[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fileStats{}, err
	}

	var total fileStats
	for _, s := range stats {
		total.lines += s.lines
		total.written += s.written
		total.duplicates += s.duplicates
		total.invalid += s.invalid
	}
	return total, nil
}

func ingestFile(ctx context.Context, path string, w batchWriter, seen *codeSet, batchSize int, now time.Time) (fileStats, error) {
	var stats fileStats

	f, err := os.Open(path)
	if err != nil {
		return stats, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return stats, errors.Wrap(err, "create gzip reader")
	}
	defer func() { _ = gz.Close() }()

	batch := make([]coupon.Coupon, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.UpsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		stats.written += n
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.lines++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c, err := decodeCampaign(line, now)
		if err != nil {
			stats.invalid++
			slog.Warn("skipping invalid campaign",
				slog.String("file", filepath.Base(path)),
				slog.Int("line", stats.lines),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !seen.Add(c.Code) {
			stats.duplicates++
			continue
		}

		batch = append(batch, c)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, errors.Wrap(err, "scan")
	}
	if err := flush(); err != nil {
		return stats, err
	}

	slog.Info("file imported",
		slog.String("file", filepath.Base(path)),
		slog.Int("lines", stats.lines),
		slog.Int("written", stats.written),
		slog.Int("duplicates", stats.duplicates),
		slog.Int("invalid", stats.invalid),
	)
	return stats, nil
}
