package session

import (
	"context"
	"fmt"
)

// RecoverOrphaned fails every session a previous process left STARTED or
// ASYNC_IN_PROGRESS. Their outbound requests died with that process, so the
// only honest outcome is ASYNC_FAILED with message recorded under the
// session id. It returns the recovered ids.
func (s *Store) RecoverOrphaned(ctx context.Context, message string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status FROM submission_session
WHERE status IN (?, ?)
ORDER BY created_at;
`, StatusStarted, StatusAsyncInProgress)
	if err != nil {
		return nil, fmt.Errorf("find orphaned sessions: %w", err)
	}
	type orphan struct {
		id     string
		status Status
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphaned session: %w", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate orphaned sessions: %w", err)
	}
	rows.Close()

	recovered := make([]string, 0, len(orphans))
	for _, o := range orphans {
		if o.status == StatusStarted {
			if err := s.Transition(ctx, o.id, StatusAsyncInProgress, TransitionOptions{}); err != nil {
				return recovered, err
			}
		}
		if err := s.RecordResultData(ctx, o.id, o.id, message); err != nil {
			return recovered, err
		}
		if err := s.Transition(ctx, o.id, StatusAsyncFailed, TransitionOptions{}); err != nil {
			return recovered, err
		}
		recovered = append(recovered, o.id)
	}
	return recovered, nil
}
