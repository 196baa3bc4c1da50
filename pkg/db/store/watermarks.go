package store

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/db/clickhouse"
	"github.com/canopy-network/entityx/pkg/db/models/chain"
	"github.com/canopy-network/entityx/pkg/db/tables"
)

// Watermark returns the last committed height for job, 0 when the job never ran.
func (db *DB) Watermark(ctx context.Context, job string) (uint64, error) {
	query := fmt.Sprintf(`SELECT height FROM %s FINAL WHERE job = ? LIMIT 1`, db.table(tables.JobWatermarks))
	var height uint64
	if err := db.QueryRow(ctx, query, job).Scan(&height); err != nil {
		if clickhouse.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("query watermark %s: %w", job, err)
	}
	return height, nil
}

// CommitWatermark records height as the new watermark for job.
func (db *DB) CommitWatermark(ctx context.Context, job string, height uint64) error {
	return db.insert(ctx, tables.JobWatermarks, func(appendRow func(args ...any) error) error {
		return appendRow(job, height, time.Now().UTC())
	})
}

// Watermarks lists every job watermark.
func (db *DB) Watermarks(ctx context.Context) ([]chain.Watermark, error) {
	query := fmt.Sprintf(`SELECT job, height, updated_at FROM %s FINAL ORDER BY job`, db.table(tables.JobWatermarks))
	var out []chain.Watermark
	if err := db.Select(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	return out, nil
}
