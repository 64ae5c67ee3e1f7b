package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
)

// interview_date travels as text in both directions so the Go side keeps
// the YYYY-MM-DD form without timezone handling.
const interviewColumns = `id, created_at, updated_at, title, interviewee_name,
	interviewee_birth_year, interview_date::text, audio_file_path, is_published,
	stt_status, stt_started_at, full_transcript, llm_summary`

func scanInterview(row pgx.Row) (*interview.Interview, error) {
	var iv interview.Interview
	var status string
	err := row.Scan(
		&iv.ID, &iv.CreatedAt, &iv.UpdatedAt, &iv.Title, &iv.IntervieweeName,
		&iv.IntervieweeBirthYear, &iv.InterviewDate, &iv.AudioFilePath, &iv.IsPublished,
		&status, &iv.STTStartedAt, &iv.FullTranscript, &iv.LLMSummary,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interview.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	iv.STTStatus = interview.Status(status)
	return &iv, nil
}

// CreateInterview inserts a validated interview in not_started state.
func (db *DB) CreateInterview(ctx context.Context, n interview.NewInterview) (*interview.Interview, error) {
	published := true
	if n.IsPublished != nil {
		published = *n.IsPublished
	}
	iv, err := scanInterview(db.Pool.QueryRow(ctx, `
		INSERT INTO interviews (
			title, interviewee_name, interviewee_birth_year,
			interview_date, audio_file_path, is_published
		) VALUES ($1, $2, $3, $4::text::date, $5, $6)
		RETURNING `+interviewColumns,
		n.Title, n.IntervieweeName, n.IntervieweeBirthYear,
		n.InterviewDate, n.AudioFilePath, published,
	))
	if err != nil {
		return nil, fmt.Errorf("insert interview: %w", err)
	}
	return iv, nil
}

// GetInterview returns one interview or interview.ErrNotFound.
func (db *DB) GetInterview(ctx context.Context, id uuid.UUID) (*interview.Interview, error) {
	return scanInterview(db.Pool.QueryRow(ctx,
		`SELECT `+interviewColumns+` FROM interviews WHERE id = $1`, id))
}

// ListInterviews returns a page of interviews, newest first, and the total
// matching the filter.
func (db *DB) ListInterviews(ctx context.Context, filter interview.ListFilter) ([]interview.Interview, int, error) {
	qb := newQueryBuilder()
	if filter.Status != nil {
		qb.Add("stt_status = %s", string(*filter.Status))
	}
	if filter.Search != "" {
		qb.Add("(title ILIKE %s OR interviewee_name ILIKE %s)", likePattern(filter.Search))
	}
	where := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM interviews"+where, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count interviews: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := max(filter.Offset, 0)

	query := fmt.Sprintf(`SELECT %s FROM interviews%s ORDER BY created_at DESC, id LIMIT %s OFFSET %s`,
		interviewColumns, where, qb.Next(limit), qb.Next(offset))
	rows, err := db.Pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("list interviews: %w", err)
	}
	defer rows.Close()

	result := []interview.Interview{}
	for rows.Next() {
		iv, err := scanInterview(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *iv)
	}
	return result, total, rows.Err()
}

// UpdateInterview applies a partial edit. The audio reference is
// write-once: attaching one to a record without audio succeeds, replacing
// an existing one returns interview.ErrAudioAlreadySet.
func (db *DB) UpdateInterview(ctx context.Context, id uuid.UUID, u interview.Update) (*interview.Interview, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var audio *string
	err = tx.QueryRow(ctx, `SELECT audio_file_path FROM interviews WHERE id = $1 FOR UPDATE`, id).Scan(&audio)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interview.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock interview: %w", err)
	}
	if u.AudioFilePath != nil && audio != nil && *audio != "" && *audio != *u.AudioFilePath {
		return nil, interview.ErrAudioAlreadySet
	}

	iv, err := scanInterview(tx.QueryRow(ctx, `
		UPDATE interviews SET
			title = COALESCE($2, title),
			interviewee_name = COALESCE($3, interviewee_name),
			interviewee_birth_year = COALESCE($4, interviewee_birth_year),
			interview_date = COALESCE($5::text::date, interview_date),
			is_published = COALESCE($6, is_published),
			audio_file_path = COALESCE(audio_file_path, $7),
			updated_at = now()
		WHERE id = $1
		RETURNING `+interviewColumns,
		id, u.Title, u.IntervieweeName, u.IntervieweeBirthYear,
		u.InterviewDate, u.IsPublished, u.AudioFilePath,
	))
	if err != nil {
		return nil, fmt.Errorf("update interview: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return iv, nil
}

// UpdateTranscript replaces the transcript of a completed interview with an
// operator's hand edit.
func (db *DB) UpdateTranscript(ctx context.Context, id uuid.UUID, text string) (*interview.Interview, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT stt_status FROM interviews WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interview.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock interview: %w", err)
	}
	if interview.Status(status) != interview.StatusCompleted {
		return nil, interview.ErrTranscriptLocked
	}

	iv, err := scanInterview(tx.QueryRow(ctx, `
		UPDATE interviews SET full_transcript = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+interviewColumns, id, text))
	if err != nil {
		return nil, fmt.Errorf("update transcript: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return iv, nil
}

// TransitionInterview moves an interview's transcription status to `to`
// under a row lock, so two concurrent requests cannot both observe the
// same starting state. It returns the status found before the move.
//
// The transcript is stored only when `to` is completed and cleared for
// every other state. Re-applying the status already stored is a no-op.
func (db *DB) TransitionInterview(ctx context.Context, id uuid.UUID, to interview.Status, transcript *string) (interview.Status, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var audio *string
	err = tx.QueryRow(ctx,
		`SELECT stt_status, audio_file_path FROM interviews WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &audio)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", interview.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock interview: %w", err)
	}

	from := interview.Status(status)
	if err := interview.CheckTransition(from, audio != nil && *audio != "", to); err != nil {
		return from, err
	}
	if from == to {
		return from, nil
	}

	var text *string
	if to == interview.StatusCompleted {
		text = transcript
	}
	// stt_started_at marks each entry into processing; the stale sweep
	// measures from it so metadata edits do not reset the clock.
	if _, err := tx.Exec(ctx, `
		UPDATE interviews SET stt_status = $2, full_transcript = $3, updated_at = now(),
			stt_started_at = CASE WHEN $2 = 'processing' THEN now() ELSE stt_started_at END
		WHERE id = $1
	`, id, string(to), text); err != nil {
		return from, fmt.Errorf("update stt_status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return from, fmt.Errorf("commit tx: %w", err)
	}
	return from, nil
}

// staleSince is the instant a processing row's staleness is measured from.
const staleSince = `coalesce(stt_started_at, updated_at)`

// FailStaleTranscriptions marks interviews that have been processing for
// longer than olderThan as failed and returns their ids. Rows from before
// stt_started_at existed fall back to updated_at.
func (db *DB) FailStaleTranscriptions(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE interviews SET stt_status = 'failed', full_transcript = NULL, updated_at = now()
		WHERE stt_status = 'processing'
		  AND `+staleSince+` < now() - make_interval(secs => $1)
		RETURNING id
	`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fail stale transcriptions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// CountStaleTranscriptions reports how many interviews FailStaleTranscriptions
// would fail for the same threshold.
func (db *DB) CountStaleTranscriptions(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM interviews
		WHERE stt_status = 'processing'
		  AND `+staleSince+` < now() - make_interval(secs => $1)
	`, olderThan.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale transcriptions: %w", err)
	}
	return n, nil
}

// InterviewStats returns the dashboard counters and the most recent interviews.
func (db *DB) InterviewStats(ctx context.Context, recent int) (*interview.Stats, error) {
	var s interview.Stats
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE stt_status = 'completed'),
			count(*) FILTER (WHERE stt_status = 'processing')
		FROM interviews
	`).Scan(&s.Total, &s.Completed, &s.Processing)
	if err != nil {
		return nil, fmt.Errorf("interview stats: %w", err)
	}
	s.Recent, _, err = db.ListInterviews(ctx, interview.ListFilter{Limit: recent})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountByStatus returns the number of interviews in each lifecycle state.
// States with no interviews are present with a zero count.
func (db *DB) CountByStatus(ctx context.Context) (map[interview.Status]int, error) {
	rows, err := db.Pool.Query(ctx, `SELECT stt_status, count(*) FROM interviews GROUP BY stt_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[interview.Status]int, len(interview.Statuses))
	for _, s := range interview.Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[interview.Status(status)] = n
	}
	return counts, rows.Err()
}

// Violation is one interview that breaks a lifecycle rule.
type Violation struct {
	InterviewID uuid.UUID
	Title       string
	Status      interview.Status
	Rule        string
}

// invariantChecks pairs each lifecycle rule with the query finding its violators.
var invariantChecks = []struct {
	rule  string
	where string
}{
	{"completed without transcript", `stt_status = 'completed' AND coalesce(full_transcript, '') = ''`},
	{"transcript without completion", `stt_status <> 'completed' AND coalesce(full_transcript, '') <> ''`},
	{"transcription without audio", `stt_status <> 'not_started' AND coalesce(audio_file_path, '') = ''`},
	{"unknown status", `stt_status NOT IN ('not_started', 'processing', 'completed', 'failed')`},
}

// CheckInvariants scans the archive for records that break the
// transcription lifecycle rules.
func (db *DB) CheckInvariants(ctx context.Context) ([]Violation, error) {
	var out []Violation
	for _, c := range invariantChecks {
		rows, err := db.Pool.Query(ctx,
			`SELECT id, title, stt_status FROM interviews WHERE `+c.where+` ORDER BY created_at`)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", c.rule, err)
		}
		for rows.Next() {
			v := Violation{Rule: c.rule}
			var status string
			if err := rows.Scan(&v.InterviewID, &v.Title, &status); err != nil {
				rows.Close()
				return nil, err
			}
			v.Status = interview.Status(status)
			out = append(out, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TableCounts returns row counts for the archive's tables.
func (db *DB) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	for _, t := range Tables {
		var n int64
		if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

// Tables lists the archive's tables in report order.
var Tables = []string{"interviews", "users", "sessions"}
