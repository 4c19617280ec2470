package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultListLimit = 50

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists sessions in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a NOT_STARTED session.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.Provider == "" {
		return nil, fmt.Errorf("provider is empty")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	nowS := now.Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO submission_session(id, provider, validation_engine, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.Provider, req.ValidationEngine, StatusNotStarted, nowS, nowS)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{
		ID:               id,
		Provider:         req.Provider,
		ValidationEngine: req.ValidationEngine,
		Status:           StatusNotStarted,
		CreatedAt:        now,
		UpdatedAt:        now,
		ResultData:       map[string]string{},
	}, nil
}

// Transition moves a session one step along
// NOT_STARTED -> STARTED -> ASYNC_IN_PROGRESS -> {FINISHED | ASYNC_FAILED}.
// STARTED stamps start_time, terminal statuses stamp end_time. Any other move
// returns a *TransitionError wrapping ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, id string, to Status, opts TransitionOptions) error {
	prev, ok := predecessor[to]
	if !ok {
		return fmt.Errorf("transition to %q: %w", to, ErrInvalidTransition)
	}
	at := opts.At
	if at.IsZero() {
		at = s.now()
	}
	atS := at.UTC().Format(timeLayout)

	var startTime, endTime any
	if to == StatusStarted {
		startTime = atS
	}
	if to.Terminal() {
		endTime = atS
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE submission_session
SET status      = ?,
    updated_at  = ?,
    start_time  = COALESCE(?, start_time),
    end_time    = COALESCE(?, end_time),
    target_url  = COALESCE(?, target_url),
    http_status = COALESCE(?, http_status)
WHERE id = ? AND status = ?;
`, to, atS, startTime, endTime, opts.TargetURL, opts.HTTPStatus, id, prev)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{SessionID: id, From: current, To: to}
}

// RecordResultData stores a diagnostic message under key, replacing any
// earlier message with the same key.
func (s *Store) RecordResultData(ctx context.Context, id, key, message string) error {
	if key == "" {
		return fmt.Errorf("result key is empty")
	}
	now := s.now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_result_data(session_id, key, message, recorded_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(session_id, key) DO UPDATE SET
  message = excluded.message,
  recorded_at = excluded.recorded_at;
`, id, key, message, now)
	if err != nil {
		if _, serr := s.status(ctx, id); errors.Is(serr, ErrSessionNotFound) {
			return serr
		}
		return fmt.Errorf("record result data: %w", err)
	}
	return nil
}

// RecordValidation stores the validator's verdict.
func (s *Store) RecordValidation(ctx context.Context, id string, outcome ValidationOutcome) error {
	var issues any
	if len(outcome.Issues) > 0 {
		if !json.Valid(outcome.Issues) {
			return fmt.Errorf("validation issues are not valid JSON")
		}
		issues = string(outcome.Issues)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE submission_session
SET valid = ?, issue_count = ?, issues = ?, updated_at = ?
WHERE id = ?;
`, outcome.Valid, outcome.IssueCount, issues, s.now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("record validation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get loads a session and its result data.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM submission_session WHERE id = ?;`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT key, message FROM session_result_data WHERE session_id = ? ORDER BY recorded_at ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load result data: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, msg string
		if err := rows.Scan(&k, &msg); err != nil {
			return nil, fmt.Errorf("scan result data: %w", err)
		}
		sess.ResultData[k] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result data: %w", err)
	}
	return sess, nil
}

// List returns the most recent sessions, newest first. Result data is not
// loaded.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var status, provider any
	if f.Status != "" {
		status = f.Status
	}
	if f.Provider != "" {
		provider = f.Provider
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM submission_session
WHERE (? IS NULL OR status = ?) AND (? IS NULL OR provider = ?)
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, status, status, provider, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// CountByStatus returns session counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submission_session GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) status(ctx context.Context, id string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM submission_session WHERE id = ?;`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session status: %w", err)
	}
	return Status(st), nil
}

const sessionColumns = `id, provider, validation_engine, target_url, status, created_at, updated_at,
  start_time, end_time, http_status, valid, issue_count, issues`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess       Session
		targetURL  sql.NullString
		statusS    string
		createdAtS string
		updatedAtS string
		startTimeS sql.NullString
		endTimeS   sql.NullString
		httpStatus sql.NullInt64
		valid      sql.NullBool
		issues     sql.NullString
	)
	err := row.Scan(
		&sess.ID, &sess.Provider, &sess.ValidationEngine, &targetURL, &statusS, &createdAtS, &updatedAtS,
		&startTimeS, &endTimeS, &httpStatus, &valid, &sess.IssueCount, &issues,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = Status(statusS)
	sess.ResultData = map[string]string{}
	if targetURL.Valid {
		sess.TargetURL = &targetURL.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		sess.UpdatedAt = t
	}
	sess.StartTime = parseNullTime(startTimeS)
	sess.EndTime = parseNullTime(endTimeS)
	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		sess.HTTPStatus = &code
	}
	if valid.Valid {
		sess.Valid = &valid.Bool
	}
	if issues.Valid {
		sess.Issues = json.RawMessage(issues.String)
	}
	return &sess, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
