// Package storage provides SQLite-backed persistence for the rate window,
// arm statistics, candidates, and campaigns.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hollowaydev/promopilot/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db            *sql.DB
	maxCandidates int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/promopilot/data.db.
func New(maxCandidates int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "promopilot", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxCandidates: maxCandidates}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the state store is reachable. The orchestrator calls this
// before any reservation is made so a cycle can abort cleanly.
func (s *Storage) Ping() error {
	return s.db.Ping()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rate_window (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			window_id     TEXT NOT NULL,
			actions_taken INTEGER NOT NULL,
			actions_limit INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS arms (
			id                 TEXT PRIMARY KEY,
			label              TEXT NOT NULL,
			pulls              INTEGER NOT NULL DEFAULT 0,
			reward_sum         REAL NOT NULL DEFAULT 0,
			reward_sum_squared REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id             TEXT PRIMARY KEY,
			channel_id     TEXT,
			title          TEXT,
			url            TEXT,
			sourced_at     INTEGER NOT NULL,
			raw_score      REAL NOT NULL DEFAULT 0,
			confidence     REAL NOT NULL DEFAULT 0,
			state          TEXT NOT NULL,
			retryable      INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id             TEXT PRIMARY KEY,
			candidate_id   TEXT NOT NULL REFERENCES candidates(id) ON DELETE CASCADE,
			arm_id         TEXT NOT NULL,
			handle         TEXT NOT NULL,
			budget         REAL NOT NULL,
			spend          REAL NOT NULL DEFAULT 0,
			views          INTEGER NOT NULL DEFAULT 0,
			likes          INTEGER NOT NULL DEFAULT 0,
			comments       INTEGER NOT NULL DEFAULT 0,
			reach          INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			anomaly_flags  TEXT NOT NULL DEFAULT '[]',
			reward_observed INTEGER NOT NULL DEFAULT 0,
			metrics_cursor INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_state ON candidates(state)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRateWindow persists the single rate window row.
func (s *Storage) SaveRateWindow(w models.RateWindow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid rate window: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO rate_window (id, window_id, actions_taken, actions_limit)
		VALUES (1,?,?,?)`,
		w.WindowID, w.ActionsTaken, w.ActionsLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to save rate window: %w", err)
	}
	return nil
}

// LoadRateWindow returns the persisted rate window, or nil if none exists.
func (s *Storage) LoadRateWindow() (*models.RateWindow, error) {
	row := s.db.QueryRow(`SELECT window_id, actions_taken, actions_limit FROM rate_window WHERE id = 1`)
	var w models.RateWindow
	err := row.Scan(&w.WindowID, &w.ActionsTaken, &w.ActionsLimit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate window: %w", err)
	}
	return &w, nil
}

// SaveArm persists one arm's cumulative statistics.
func (s *Storage) SaveArm(a models.Arm) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid arm: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO arms (id, label, pulls, reward_sum, reward_sum_squared)
		VALUES (?,?,?,?,?)`,
		a.ID, a.Label, a.Pulls, a.RewardSum, a.RewardSumSquared,
	)
	if err != nil {
		return fmt.Errorf("failed to save arm: %w", err)
	}
	return nil
}

// LoadArms returns all persisted arm statistics keyed by arm ID.
func (s *Storage) LoadArms() (map[string]models.Arm, error) {
	rows, err := s.db.Query(`SELECT id, label, pulls, reward_sum, reward_sum_squared FROM arms`)
	if err != nil {
		return nil, fmt.Errorf("failed to query arms: %w", err)
	}
	defer rows.Close()

	arms := make(map[string]models.Arm)
	for rows.Next() {
		var a models.Arm
		if err := rows.Scan(&a.ID, &a.Label, &a.Pulls, &a.RewardSum, &a.RewardSumSquared); err != nil {
			return nil, fmt.Errorf("failed to scan arm: %w", err)
		}
		arms[a.ID] = a
	}
	return arms, rows.Err()
}

// SaveCandidate inserts or updates a candidate. The candidate table doubles
// as the processed-ID set used to deduplicate cursor re-fetches.
func (s *Storage) SaveCandidate(c *models.Candidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO candidates
			(id, channel_id, title, url, sourced_at, raw_score, confidence,
			 state, retryable, failure_reason, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ChannelID, c.Title, c.URL, c.SourcedAt.UnixNano(),
		c.RawScore, c.Confidence, string(c.State), boolToInt(c.Retryable),
		c.FailureReason, c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candidate: %w", err)
	}
	return nil
}

// RotateCandidates enforces the processed-ID cap, keeping the most recently
// updated rows. Candidates that own campaigns are exempt so campaign history
// survives rotation.
func (s *Storage) RotateCandidates() error {
	_, err := s.db.Exec(`
		DELETE FROM candidates
		WHERE id NOT IN (
			SELECT id FROM candidates ORDER BY updated_at DESC LIMIT ?
		)
		AND id NOT IN (SELECT candidate_id FROM campaigns)`,
		s.maxCandidates,
	)
	if err != nil {
		return fmt.Errorf("failed to rotate candidates: %w", err)
	}
	return nil
}

// GetCandidate returns a candidate by ID, or nil if unseen.
func (s *Storage) GetCandidate(id string) (*models.Candidate, error) {
	row := s.db.QueryRow(`SELECT `+candidateCols+` FROM candidates WHERE id = ?`, id)
	c, err := scanCandidate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return c, nil
}

// ListResumableCandidates returns candidates that may re-enter admission on
// a later cycle: pending ones left over from a capped pass and retryable
// rejections from transient promoter failures. Ordered oldest-sourced first.
func (s *Storage) ListResumableCandidates() ([]*models.Candidate, error) {
	rows, err := s.db.Query(`
		SELECT `+candidateCols+` FROM candidates
		WHERE state = ? OR (state = ? AND retryable = 1)
		ORDER BY sourced_at ASC`,
		string(models.CandidatePending), string(models.CandidateRejected))
	if err != nil {
		return nil, fmt.Errorf("failed to query resumable candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// SaveCampaign inserts or updates a campaign.
func (s *Storage) SaveCampaign(c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid campaign: %w", err)
	}
	flagsJSON, err := json.Marshal(c.AnomalyFlags)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly flags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO campaigns
			(id, candidate_id, arm_id, handle, budget, spend,
			 views, likes, comments, reach, status, anomaly_flags,
			 reward_observed, metrics_cursor, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CandidateID, c.ArmID, string(c.Handle), c.Budget, c.Spend,
		c.Views, c.Likes, c.Comments, c.Reach, string(c.Status), string(flagsJSON),
		boolToInt(c.RewardObserved), c.MetricsCursor.UnixNano(),
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

// GetCampaign returns a campaign by ID.
func (s *Storage) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// ListCampaignsByStatus returns all campaigns in the given status.
func (s *Storage) ListCampaignsByStatus(status models.CampaignStatus) ([]*models.Campaign, error) {
	rows, err := s.db.Query(`SELECT `+campaignCols+` FROM campaigns WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if campaigns == nil {
		campaigns = []*models.Campaign{}
	}
	return campaigns, rows.Err()
}

// SaveCursor persists a named opaque cursor (e.g. the source fetch cursor).
func (s *Storage) SaveCursor(name, value string) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO cursors (name, value) VALUES (?,?)`, name, value); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns a named cursor, or "" if unset.
func (s *Storage) LoadCursor(name string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM cursors WHERE name = ?`, name)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return value, nil
}

const candidateCols = `id, channel_id, title, url, sourced_at, raw_score,
	confidence, state, retryable, failure_reason, updated_at`

func scanCandidate(scan func(...any) error) (*models.Candidate, error) {
	var c models.Candidate
	var state, reason sql.NullString
	var sourcedAtNano, updatedAtNano int64
	var retryable int

	err := scan(
		&c.ID, &c.ChannelID, &c.Title, &c.URL, &sourcedAtNano,
		&c.RawScore, &c.Confidence, &state, &retryable, &reason, &updatedAtNano,
	)
	if err != nil {
		return nil, err
	}

	c.State = models.CandidateState(state.String)
	c.Retryable = retryable != 0
	c.FailureReason = reason.String
	c.SourcedAt = time.Unix(0, sourcedAtNano)
	c.UpdatedAt = time.Unix(0, updatedAtNano)
	return &c, nil
}

const campaignCols = `id, candidate_id, arm_id, handle, budget, spend,
	views, likes, comments, reach, status, anomaly_flags,
	reward_observed, metrics_cursor, created_at, updated_at`

func scanCampaign(scan func(...any) error) (*models.Campaign, error) {
	var c models.Campaign
	var handle, status, flagsJSON string
	var rewardObserved int
	var cursorNano, createdAtNano, updatedAtNano int64

	err := scan(
		&c.ID, &c.CandidateID, &c.ArmID, &handle, &c.Budget, &c.Spend,
		&c.Views, &c.Likes, &c.Comments, &c.Reach, &status, &flagsJSON,
		&rewardObserved, &cursorNano, &createdAtNano, &updatedAtNano,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(flagsJSON), &c.AnomalyFlags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anomaly flags: %w", err)
	}
	c.Handle = models.CampaignHandle(handle)
	c.Status = models.CampaignStatus(status)
	c.RewardObserved = rewardObserved != 0
	c.MetricsCursor = time.Unix(0, cursorNano)
	c.CreatedAt = time.Unix(0, createdAtNano)
	c.UpdatedAt = time.Unix(0, updatedAtNano)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
