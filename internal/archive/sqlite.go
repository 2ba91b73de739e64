// Package archive persists finished survey sessions to a local SQLite database.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"road-service/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	stopped_at    INTEGER NOT NULL,
	event_count   INTEGER NOT NULL,
	cluster_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	session_id          TEXT NOT NULL REFERENCES sessions(id),
	id                  TEXT NOT NULL,
	ts_ms               INTEGER NOT NULL,
	latitude            REAL NOT NULL,
	longitude           REAL NOT NULL,
	speed_kmh           REAL NOT NULL,
	severity_index      REAL NOT NULL,
	raw_peak            REAL NOT NULL,
	raw_peak_to_peak    REAL NOT NULL,
	inertial_confidence REAL NOT NULL,
	coarse_type         TEXT NOT NULL,
	repeat_count        INTEGER NOT NULL,
	photo_reference     TEXT,
	vision_label        TEXT,
	vision_confidence   REAL,
	road_name           TEXT,
	administrative_zone TEXT,
	PRIMARY KEY (session_id, id)
);
CREATE TABLE IF NOT EXISTS clusters (
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	id                 TEXT NOT NULL,
	centroid_latitude  REAL NOT NULL,
	centroid_longitude REAL NOT NULL,
	avg_severity       REAL NOT NULL,
	max_severity       REAL NOT NULL,
	detection_count    INTEGER NOT NULL,
	dominant_type      TEXT NOT NULL,
	first_seen_ms      INTEGER NOT NULL,
	last_seen_ms       INTEGER NOT NULL,
	priority_score     REAL NOT NULL,
	member_ids         TEXT NOT NULL,
	PRIMARY KEY (session_id, id)
);
`

// Session describes one archived survey.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	EventCount   int       `json:"event_count"`
	ClusterCount int       `json:"cluster_count"`
}

// SQLiteArchive writes sessions into a single database file.
type SQLiteArchive struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at dbPath.
func Open(ctx context.Context, dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}

	return &SQLiteArchive{db: db}, nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// ArchiveSession stores the session with its final events and clusters in one
// transaction. Archiving the same session again replaces the earlier rows.
func (a *SQLiteArchive) ArchiveSession(ctx context.Context, s Session, events []models.DetectionEvent, clusters []models.DefectCluster) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, started_at, stopped_at, event_count, cluster_count) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixMilli(), s.StoppedAt.UnixMilli(), len(events), len(clusters))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}

	for _, table := range []string{"events", "clusters"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", s.ID); err != nil {
			return fmt.Errorf("failed to clear %s of session %s: %w", table, s.ID, err)
		}
	}

	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			session_id, id, ts_ms, latitude, longitude, speed_kmh, severity_index, raw_peak,
			raw_peak_to_peak, inertial_confidence, coarse_type, repeat_count, photo_reference,
			vision_label, vision_confidence, road_name, administrative_zone
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer eventStmt.Close()

	for _, ev := range events {
		_, err := eventStmt.ExecContext(ctx,
			s.ID, ev.ID, ev.Timestamp.UnixMilli(), ev.Latitude, ev.Longitude, ev.SpeedKmh,
			ev.SeverityIndex, ev.RawPeak, ev.RawPeakToPeak, ev.InertialConfidence,
			string(ev.CoarseType), ev.RepeatCount, nullString(ev.PhotoReference),
			nullString(ev.VisionLabel), nullFloat(ev.VisionConfidence),
			nullString(ev.RoadName), nullString(ev.AdministrativeZone))
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
		}
	}

	clusterStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clusters (
			session_id, id, centroid_latitude, centroid_longitude, avg_severity, max_severity,
			detection_count, dominant_type, first_seen_ms, last_seen_ms, priority_score, member_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare cluster insert: %w", err)
	}
	defer clusterStmt.Close()

	for _, c := range clusters {
		_, err := clusterStmt.ExecContext(ctx,
			s.ID, c.ID, c.CentroidLatitude, c.CentroidLongitude, c.AvgSeverity, c.MaxSeverity,
			c.DetectionCount, string(c.DominantType), c.FirstSeen.UnixMilli(), c.LastSeen.UnixMilli(),
			c.PriorityScore, strings.Join(c.MemberIDs, ","))
		if err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// Sessions lists archived sessions, most recent first.
func (a *SQLiteArchive) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, started_at, stopped_at, event_count, cluster_count
		FROM sessions
		ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started, stopped int64
		if err := rows.Scan(&s.ID, &started, &stopped, &s.EventCount, &s.ClusterCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		s.StartedAt = time.UnixMilli(started).UTC()
		s.StoppedAt = time.UnixMilli(stopped).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadEvents returns the archived events of a session in detection order.
func (a *SQLiteArchive) LoadEvents(ctx context.Context, sessionID string) ([]models.DetectionEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, ts_ms, latitude, longitude, speed_kmh, severity_index, raw_peak,
		       raw_peak_to_peak, inertial_confidence, coarse_type, repeat_count, photo_reference,
		       vision_label, vision_confidence, road_name, administrative_zone
		FROM events
		WHERE session_id = ?
		ORDER BY ts_ms, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionEvent
	for rows.Next() {
		var ev models.DetectionEvent
		var ts int64
		var coarse string
		var photo, label, road, zone sql.NullString
		var visionConf sql.NullFloat64

		err := rows.Scan(&ev.ID, &ts, &ev.Latitude, &ev.Longitude, &ev.SpeedKmh, &ev.SeverityIndex,
			&ev.RawPeak, &ev.RawPeakToPeak, &ev.InertialConfidence, &coarse, &ev.RepeatCount,
			&photo, &label, &visionConf, &road, &zone)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		ev.Timestamp = time.UnixMilli(ts).UTC()
		ev.CoarseType = models.CoarseType(coarse)
		ev.PhotoReference = fromNullString(photo)
		ev.VisionLabel = fromNullString(label)
		ev.RoadName = fromNullString(road)
		ev.AdministrativeZone = fromNullString(zone)
		if visionConf.Valid {
			v := visionConf.Float64
			ev.VisionConfidence = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadClusters returns the archived clusters of a session in worklist order.
func (a *SQLiteArchive) LoadClusters(ctx context.Context, sessionID string) ([]models.DefectCluster, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, centroid_latitude, centroid_longitude, avg_severity, max_severity,
		       detection_count, dominant_type, first_seen_ms, last_seen_ms, priority_score, member_ids
		FROM clusters
		WHERE session_id = ?
		ORDER BY priority_score DESC, first_seen_ms, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters: %w", err)
	}
	defer rows.Close()

	var out []models.DefectCluster
	for rows.Next() {
		var c models.DefectCluster
		var dominant, members string
		var first, last int64

		err := rows.Scan(&c.ID, &c.CentroidLatitude, &c.CentroidLongitude, &c.AvgSeverity,
			&c.MaxSeverity, &c.DetectionCount, &dominant, &first, &last, &c.PriorityScore, &members)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster row: %w", err)
		}

		c.DominantType = models.CoarseType(dominant)
		c.FirstSeen = time.UnixMilli(first).UTC()
		c.LastSeen = time.UnixMilli(last).UTC()
		if members != "" {
			c.MemberIDs = strings.Split(members, ",")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
