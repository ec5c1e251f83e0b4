package repo

import (
	"context"
	"database/sql"
	"sort"

	"syncline/internal/domain"
)

// GetSyncStatus returns every module's sync state in dashboard module order.
func (r Repo) GetSyncStatus(ctx context.Context) ([]domain.SyncModuleStatus, error) {
	var res []domain.SyncModuleStatus
	err := r.retry(ctx, "get_sync_status", func() error {
		res = []domain.SyncModuleStatus{}
		rows, err := r.DB.QueryContext(ctx, `SELECT module,status,last_successful_sync_at_utc,last_attempt_at_utc,error_message,stale_reason FROM sync_state`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s domain.SyncModuleStatus
			var lastOK, lastAttempt, msg, reason sql.NullString
			if err := rows.Scan(&s.Module, &s.Status, &lastOK, &lastAttempt, &msg, &reason); err != nil {
				return err
			}
			s.LastSuccessfulSyncAtUTC = stringPtr(lastOK)
			s.LastAttemptAtUTC = stringPtr(lastAttempt)
			s.ErrorMessage = stringPtr(msg)
			s.StaleReason = stringPtr(reason)
			res = append(res, s)
		}
		return rows.Err()
	})
	sort.SliceStable(res, func(i, j int) bool { return moduleRank(res[i].Module) < moduleRank(res[j].Module) })
	return res, err
}

func moduleRank(m domain.Module) int {
	for i, known := range domain.Modules {
		if known == m {
			return i
		}
	}
	return len(domain.Modules)
}

func (r Repo) SetSyncStatus(ctx context.Context, s domain.SyncModuleStatus) error {
	return r.retry(ctx, "set_sync_status", func() error {
		return setSyncStatus(ctx, r.DB, s)
	})
}

func (r Repo) SetSyncStatusTx(ctx context.Context, tx *sql.Tx, s domain.SyncModuleStatus) error {
	return setSyncStatus(ctx, tx, s)
}

func setSyncStatus(ctx context.Context, q querier, s domain.SyncModuleStatus) error {
	_, err := q.ExecContext(ctx, `INSERT INTO sync_state(module,status,last_successful_sync_at_utc,last_attempt_at_utc,error_message,stale_reason)
VALUES (?,?,?,?,?,?)
ON CONFLICT(module) DO UPDATE SET
  status=excluded.status,
  last_successful_sync_at_utc=COALESCE(excluded.last_successful_sync_at_utc, sync_state.last_successful_sync_at_utc),
  last_attempt_at_utc=excluded.last_attempt_at_utc,
  error_message=excluded.error_message,
  stale_reason=excluded.stale_reason`,
		string(s.Module), string(s.Status), nullableStringPtr(s.LastSuccessfulSyncAtUTC), nullableStringPtr(s.LastAttemptAtUTC),
		nullableStringPtr(s.ErrorMessage), nullableStringPtr(s.StaleReason))
	return err
}
