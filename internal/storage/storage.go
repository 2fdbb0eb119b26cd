package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"skyguide/internal/calibration"
)

// DefaultDriver is the pure-Go SQLite driver. "sqlite3" selects the cgo one.
const DefaultDriver = "sqlite"

// Store wraps SQLite-backed persistence for calibrations and guide sessions.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DefaultDriver, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibrations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            pulse_n REAL NOT NULL,
            pulse_s REAL NOT NULL,
            pulse_e REAL NOT NULL,
            pulse_w REAL NOT NULL,
            orientation_rad REAL NOT NULL,
            dec_deg REAL NOT NULL,
            pier_west BOOLEAN NOT NULL DEFAULT FALSE,
            reverse_ra BOOLEAN NOT NULL DEFAULT FALSE,
            reverse_de BOOLEAN NOT NULL DEFAULT FALSE,
            calibrated_at INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS guide_sessions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            plan TEXT NOT NULL,
            status TEXT NOT NULL,
            calibration_id INTEGER,
            started_at INTEGER NOT NULL,
            ended_at INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS guide_samples (
            session_id INTEGER NOT NULL,
            iteration INTEGER NOT NULL,
            sampled_at INTEGER NOT NULL,
            dx REAL,
            dy REAL,
            drift_ra REAL,
            drift_de REAL,
            pulse_n INTEGER,
            pulse_s INTEGER,
            pulse_e INTEGER,
            pulse_w INTEGER,
            rms_ra REAL,
            rms_de REAL,
            rms_total REAL,
            stars INTEGER,
            matched INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_guide_samples_session ON guide_samples(session_id, iteration);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SessionRecord is a persisted guide session.
type SessionRecord struct {
	ID            int64      `json:"id"`
	Plan          string     `json:"plan"`
	Status        string     `json:"status"`
	CalibrationID int64      `json:"calibrationId,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Sample is one persisted guide iteration.
type Sample struct {
	SessionID int64     `json:"sessionId"`
	Iteration int       `json:"iteration"`
	Time      time.Time `json:"time"`
	DX        float64   `json:"dx"`
	DY        float64   `json:"dy"`
	DriftRA   float64   `json:"driftRa"`
	DriftDE   float64   `json:"driftDe"`
	PulseN    int       `json:"pulseN"`
	PulseS    int       `json:"pulseS"`
	PulseE    int       `json:"pulseE"`
	PulseW    int       `json:"pulseW"`
	RMSRA     float64   `json:"rmsRa"`
	RMSDE     float64   `json:"rmsDe"`
	RMSTotal  float64   `json:"rmsTotal"`
	Stars     int       `json:"stars"`
	Matched   int       `json:"matched"`
}

func millis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// SaveCalibration appends a calibration record; the latest row is current.
func (s *Store) SaveCalibration(r calibration.Result) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO calibrations (pulse_n, pulse_s, pulse_e, pulse_w, orientation_rad, dec_deg, pier_west, reverse_ra, reverse_de, calibrated_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.PulsePerPixelN, r.PulsePerPixelS, r.PulsePerPixelE, r.PulsePerPixelW,
		r.CCDOrientation, r.DecDeg, r.PierWest, r.ReverseRA, r.ReverseDE,
		millis(r.CalibratedAt), time.Now().UnixMilli())
	return err
}

// LoadCalibration returns the current calibration record. A database without
// one yields the zero record, which means "needs calibration".
func (s *Store) LoadCalibration() (calibration.Result, error) {
	r, _, err := s.latestCalibration()
	return r, err
}

func (s *Store) latestCalibration() (calibration.Result, int64, error) {
	var r calibration.Result
	if s == nil {
		return r, 0, nil
	}
	var id int64
	var at sql.NullInt64
	err := s.DB.QueryRow(`SELECT id, pulse_n, pulse_s, pulse_e, pulse_w, orientation_rad, dec_deg, pier_west, reverse_ra, reverse_de, calibrated_at
        FROM calibrations ORDER BY id DESC LIMIT 1;`).Scan(&id,
		&r.PulsePerPixelN, &r.PulsePerPixelS, &r.PulsePerPixelE, &r.PulsePerPixelW,
		&r.CCDOrientation, &r.DecDeg, &r.PierWest, &r.ReverseRA, &r.ReverseDE, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Result{}, 0, nil
	}
	if err != nil {
		return r, 0, fmt.Errorf("load calibration: %w", err)
	}
	r.CalibratedAt = fromMillis(at)
	return r, id, nil
}

// ResetCalibration stores a cleared copy of the current record.
func (s *Store) ResetCalibration() error {
	if s == nil {
		return nil
	}
	r, err := s.LoadCalibration()
	if err != nil {
		return err
	}
	r.Reset()
	return s.SaveCalibration(r)
}

// CalibrationHistory returns up to limit calibration records, newest first.
func (s *Store) CalibrationHistory(limit int) ([]calibration.Result, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT pulse_n, pulse_s, pulse_e, pulse_w, orientation_rad, dec_deg, pier_west, reverse_ra, reverse_de, calibrated_at
        FROM calibrations ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calibration.Result
	for rows.Next() {
		var r calibration.Result
		var at sql.NullInt64
		if err := rows.Scan(&r.PulsePerPixelN, &r.PulsePerPixelS, &r.PulsePerPixelE, &r.PulsePerPixelW,
			&r.CCDOrientation, &r.DecDeg, &r.PierWest, &r.ReverseRA, &r.ReverseDE, &at); err != nil {
			return nil, err
		}
		r.CalibratedAt = fromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartSession opens a guide session bound to the current calibration row.
func (s *Store) StartSession(plan string, _ calibration.Result) (int64, error) {
	if s == nil {
		return 0, nil
	}
	_, calID, err := s.latestCalibration()
	if err != nil {
		return 0, err
	}
	res, err := s.DB.Exec(`INSERT INTO guide_sessions (plan, status, calibration_id, started_at) VALUES (?, 'running', ?, ?);`,
		plan, sql.NullInt64{Int64: calID, Valid: calID != 0}, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EndSession closes a session with its final status.
func (s *Store) EndSession(id int64, status string, lastErr error) error {
	if s == nil || id == 0 {
		return nil
	}
	var msg sql.NullString
	if lastErr != nil {
		msg = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := s.DB.Exec(`UPDATE guide_sessions SET status=?, ended_at=?, error_message=? WHERE id=?;`,
		status, time.Now().UnixMilli(), msg, id)
	return err
}

// RecordSample stores one guide iteration.
func (s *Store) RecordSample(smp Sample) error {
	if s == nil || smp.SessionID == 0 {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO guide_samples (session_id, iteration, sampled_at, dx, dy, drift_ra, drift_de, pulse_n, pulse_s, pulse_e, pulse_w, rms_ra, rms_de, rms_total, stars, matched)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		smp.SessionID, smp.Iteration, smp.Time.UnixMilli(), smp.DX, smp.DY, smp.DriftRA, smp.DriftDE,
		smp.PulseN, smp.PulseS, smp.PulseE, smp.PulseW, smp.RMSRA, smp.RMSDE, smp.RMSTotal, smp.Stars, smp.Matched)
	return err
}

// RecentSessions returns the latest sessions up to limit.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, plan, status, calibration_id, started_at, ended_at, error_message FROM guide_sessions ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var calID, started, ended sql.NullInt64
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Plan, &rec.Status, &calID, &started, &ended, &errorMsg); err != nil {
			return nil, err
		}
		rec.CalibrationID = calID.Int64
		rec.StartedAt = fromMillis(started)
		if ended.Valid {
			t := fromMillis(ended)
			rec.EndedAt = &t
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SessionSamples returns the samples of a session in iteration order.
func (s *Store) SessionSamples(sessionID int64) ([]Sample, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT iteration, sampled_at, dx, dy, drift_ra, drift_de, pulse_n, pulse_s, pulse_e, pulse_w, rms_ra, rms_de, rms_total, stars, matched
        FROM guide_samples WHERE session_id=? ORDER BY iteration;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		smp := Sample{SessionID: sessionID}
		var at sql.NullInt64
		if err := rows.Scan(&smp.Iteration, &at, &smp.DX, &smp.DY, &smp.DriftRA, &smp.DriftDE,
			&smp.PulseN, &smp.PulseS, &smp.PulseE, &smp.PulseW,
			&smp.RMSRA, &smp.RMSDE, &smp.RMSTotal, &smp.Stars, &smp.Matched); err != nil {
			return nil, err
		}
		smp.Time = fromMillis(at)
		out = append(out, smp)
	}
	return out, rows.Err()
}
