package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

// SnapshotRange is the sheet range aggregate snapshots are appended to.
const SnapshotRange = "Snapshots!A:F"

// RowAppender appends rows to a spreadsheet range.
type RowAppender interface {
	AppendRows(ctx context.Context, sheetRange string, rows [][]interface{}) error
}

// SnapshotRows renders one row per live aggregate counter: date, kind, id, name, field, value.
func (s *Service) SnapshotRows(ctx context.Context, at time.Time) ([][]interface{}, error) {
	var rows [][]interface{}
	for _, kind := range models.AggregateKinds {
		snaps, err := s.store.ListSnapshots(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s snapshots: %w", kind, err)
		}
		for _, snap := range snaps {
			if snap.Deleted {
				continue
			}
			fields := make([]string, 0, len(snap.Values))
			for f := range snap.Values {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				rows = append(rows, []interface{}{
					at.Format(dateLayout), string(kind), snap.Ref.ID.Hex(), snap.Name, f, snap.Values[f].String(),
				})
			}
		}
	}
	return rows, nil
}

// ExportSnapshots appends the current counters to the snapshot sheet.
func (s *Service) ExportSnapshots(ctx context.Context, out RowAppender, at time.Time) (int, error) {
	rows, err := s.SnapshotRows(ctx, at)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := out.AppendRows(ctx, SnapshotRange, rows); err != nil {
		return 0, fmt.Errorf("append snapshot rows: %w", err)
	}
	s.logger.Info("aggregate snapshots exported", zap.Int("rows", len(rows)))
	return len(rows), nil
}
