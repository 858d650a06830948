package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"livelens/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript_segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id TEXT NOT NULL,
	text TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	is_final INTEGER NOT NULL,
	speaker INTEGER,
	start_time REAL,
	is_utterance_end INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transcript_meeting ON transcript_segments (meeting_id, timestamp);

CREATE TABLE IF NOT EXISTS analyses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	topics TEXT NOT NULL,
	tags TEXT NOT NULL,
	flow INTEGER NOT NULL,
	heat INTEGER NOT NULL,
	image_prompt TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_meeting ON analyses (meeting_id, timestamp);

CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id TEXT NOT NULL,
	image_data TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_meeting ON images (meeting_id, timestamp);

CREATE TABLE IF NOT EXISTS meta_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	summary TEXT NOT NULL,
	themes TEXT NOT NULL,
	representative_image_id INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meta_meeting ON meta_summaries (meeting_id, end_time);
`

// SQLiteStore implements ports.Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path in WAL mode and
// applies the schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendTranscript(ctx context.Context, meetingID string, segment domain.TranscriptSegment) error {
	var speaker sql.NullInt64
	if segment.Speaker != nil {
		speaker = sql.NullInt64{Int64: int64(*segment.Speaker), Valid: true}
	}
	var start sql.NullFloat64
	if segment.StartTime != nil {
		start = sql.NullFloat64{Float64: *segment.StartTime, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_segments (meeting_id, text, timestamp, is_final, speaker, start_time, is_utterance_end)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, meetingID, segment.Text, toMillis(segment.Timestamp), segment.IsFinal, speaker, start, segment.IsUtteranceEnd)
	if err != nil {
		return fmt.Errorf("insert transcript segment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadTranscript(ctx context.Context, meetingID string) ([]domain.TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text, timestamp, is_final, speaker, start_time, is_utterance_end
		FROM transcript_segments
		WHERE meeting_id = ?
		ORDER BY timestamp ASC, id ASC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var segments []domain.TranscriptSegment
	for rows.Next() {
		var seg domain.TranscriptSegment
		var ts int64
		var speaker sql.NullInt64
		var start sql.NullFloat64
		if err := rows.Scan(&seg.Text, &ts, &seg.IsFinal, &speaker, &start, &seg.IsUtteranceEnd); err != nil {
			return nil, fmt.Errorf("scan transcript segment: %w", err)
		}
		seg.Timestamp = fromMillis(ts)
		if speaker.Valid {
			v := int(speaker.Int64)
			seg.Speaker = &v
		}
		if start.Valid {
			v := start.Float64
			seg.StartTime = &v
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *SQLiteStore) AppendAnalysis(ctx context.Context, meetingID string, result domain.AnalysisResult) error {
	summary, topics, tags, err := encodeLists(result.Summary, result.Topics, result.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (meeting_id, summary, topics, tags, flow, heat, image_prompt, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, meetingID, summary, topics, tags, result.Flow, result.Heat, result.ImagePrompt, toMillis(result.Timestamp))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAnalyses(ctx context.Context, meetingID string) ([]domain.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT summary, topics, tags, flow, heat, image_prompt, timestamp
		FROM analyses
		WHERE meeting_id = ?
		ORDER BY timestamp ASC, id ASC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var results []domain.AnalysisResult
	for rows.Next() {
		var r domain.AnalysisResult
		var summary, topics, tags string
		var ts int64
		if err := rows.Scan(&summary, &topics, &tags, &r.Flow, &r.Heat, &r.ImagePrompt, &ts); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		if err := decodeList(summary, &r.Summary); err != nil {
			return nil, err
		}
		if err := decodeList(topics, &r.Topics); err != nil {
			return nil, err
		}
		if err := decodeList(tags, &r.Tags); err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(ts)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) AppendImage(ctx context.Context, meetingID string, image domain.GeneratedImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (meeting_id, image_data, prompt, model, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, meetingID, image.ImageData, image.Prompt, image.Model, toMillis(image.Timestamp))
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadImages(ctx context.Context, meetingID string) ([]domain.GeneratedImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT image_data, prompt, model, timestamp
		FROM images
		WHERE meeting_id = ?
		ORDER BY timestamp ASC, id ASC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var images []domain.GeneratedImage
	for rows.Next() {
		var img domain.GeneratedImage
		var ts int64
		if err := rows.Scan(&img.ImageData, &img.Prompt, &img.Model, &ts); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img.Timestamp = fromMillis(ts)
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *SQLiteStore) AppendMetaSummary(ctx context.Context, summary domain.MetaSummary) error {
	lines, themes, _, err := encodeLists(summary.Summary, summary.Themes, nil)
	if err != nil {
		return err
	}
	var imageID sql.NullInt64
	if summary.RepresentativeImageID != nil {
		imageID = sql.NullInt64{Int64: *summary.RepresentativeImageID, Valid: true}
	}
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta_summaries (meeting_id, start_time, end_time, summary, themes, representative_image_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, summary.MeetingID, toMillis(summary.StartTime), toMillis(summary.EndTime), lines, themes, imageID, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("insert meta-summary: %w", err)
	}
	return nil
}

const metaColumns = `id, meeting_id, start_time, end_time, summary, themes, representative_image_id, created_at`

func (s *SQLiteStore) LoadMetaSummaries(ctx context.Context, meetingID string) ([]domain.MetaSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metaColumns+`
		FROM meta_summaries
		WHERE meeting_id = ?
		ORDER BY end_time ASC, id ASC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query meta-summaries: %w", err)
	}
	defer rows.Close()

	var metas []domain.MetaSummary
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// LatestMetaSummary returns the summary with the latest window end, or nil
// when the meeting has none.
func (s *SQLiteStore) LatestMetaSummary(ctx context.Context, meetingID string) (*domain.MetaSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+metaColumns+`
		FROM meta_summaries
		WHERE meeting_id = ?
		ORDER BY end_time DESC, id DESC
		LIMIT 1
	`, meetingID)

	m, err := scanMeta(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (domain.MetaSummary, error) {
	var m domain.MetaSummary
	var start, end, created int64
	var lines, themes string
	var imageID sql.NullInt64
	if err := row.Scan(&m.ID, &m.MeetingID, &start, &end, &lines, &themes, &imageID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan meta-summary: %w", err)
	}
	m.StartTime = fromMillis(start)
	m.EndTime = fromMillis(end)
	m.CreatedAt = fromMillis(created)
	if imageID.Valid {
		id := imageID.Int64
		m.RepresentativeImageID = &id
	}
	if err := decodeList(lines, &m.Summary); err != nil {
		return m, err
	}
	if err := decodeList(themes, &m.Themes); err != nil {
		return m, err
	}
	return m, nil
}

func encodeLists(a, b, c []string) (string, string, string, error) {
	out := make([]string, 3)
	for i, list := range [][]string{a, b, c} {
		if list == nil {
			list = []string{}
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return "", "", "", fmt.Errorf("encode list: %w", err)
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], nil
}

func decodeList(raw string, out *[]string) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
