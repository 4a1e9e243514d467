package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/residue-eval/internal/evaluator"
	"github.com/danielpatrickdp/residue-eval/internal/residue"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS evaluations (
	evaluation_id TEXT PRIMARY KEY,
	protocol      TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	evaluation_id TEXT NOT NULL,
	probe_id      TEXT NOT NULL,
	domain        TEXT NOT NULL,
	shell         TEXT NOT NULL,
	status        TEXT NOT NULL,
	converged     INTEGER NOT NULL DEFAULT 0,
	cause_json    TEXT,
	score_json    TEXT,
	delta_p       REAL,
	step_count    INTEGER NOT NULL,
	event_count   INTEGER NOT NULL,
	started_at    TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL,
	FOREIGN KEY (evaluation_id) REFERENCES evaluations(evaluation_id)
);

CREATE TABLE IF NOT EXISTS steps (
	run_id             TEXT NOT NULL,
	depth              INTEGER NOT NULL,
	prompt             TEXT NOT NULL,
	completion         TEXT NOT NULL,
	tokens_json        TEXT,
	features_json      TEXT NOT NULL,
	attempts           INTEGER NOT NULL,
	collapse_candidate INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	PRIMARY KEY (run_id, depth),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS residue_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	depth        INTEGER NOT NULL,
	end_depth    INTEGER NOT NULL,
	token_start  INTEGER NOT NULL DEFAULT 0,
	token_end    INTEGER NOT NULL DEFAULT 0,
	severity     REAL NOT NULL,
	metrics_json TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_evaluation ON runs(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON residue_events(run_id);
`
// #endregion schema

// timeLayout keeps a fixed fraction width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #region store-struct
// Store persists evaluation results in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion constructor

// #region create-evaluation
// CreateEvaluation records the start of an evaluation and returns its ID.
func (s *Store) CreateEvaluation(protocolName string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO evaluations (evaluation_id, protocol, created_at) VALUES (?, ?, ?)`,
		id, protocolName, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("insert evaluation: %w", err)
	}
	return id, nil
}
// #endregion create-evaluation

// #region save-result
// SaveResult stores a run with its steps and residue events atomically.
func (s *Store) SaveResult(evaluationID string, r evaluator.Result) error {
	runID := r.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	var steps []trace.Step
	converged := false
	if r.Trace != nil {
		steps = r.Trace.Steps()
		converged = r.Trace.Converged()
	}

	causeJSON, err := nullableJSON(r.Cause)
	if err != nil {
		return fmt.Errorf("marshal cause: %w", err)
	}
	scoreJSON, err := nullableJSON(r.Score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	var deltaP any
	if r.Score != nil {
		deltaP = r.Score.DeltaP
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (run_id, evaluation_id, probe_id, domain, shell, status, converged,
			cause_json, score_json, delta_p, step_count, event_count, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, evaluationID, r.ProbeID, r.Domain, r.Shell, string(r.Status), boolInt(converged),
		causeJSON, scoreJSON, deltaP, len(steps), len(r.Residue),
		r.StartedAt.UTC().Format(timeLayout), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range steps {
		feats, err := json.Marshal(st.Features)
		if err != nil {
			return fmt.Errorf("marshal features: %w", err)
		}
		toks, err := nullableJSON(st.Tokens)
		if err != nil {
			return fmt.Errorf("marshal tokens: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO steps (run_id, depth, prompt, completion, tokens_json, features_json,
				attempts, collapse_candidate, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, st.Depth, st.Prompt, st.Completion, toks, string(feats),
			st.Attempts, boolInt(st.CollapseCandidate), st.Timestamp.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.Depth, err)
		}
	}

	for _, ev := range r.Residue {
		m, err := nullableJSON(ev.Metrics)
		if err != nil {
			return fmt.Errorf("marshal event metrics: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO residue_events (run_id, kind, depth, end_depth, token_start, token_end, severity, metrics_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, string(ev.Kind), ev.Depth, ev.EndDepth, ev.TokenStart, ev.TokenEnd, ev.Severity, m,
		)
		if err != nil {
			return fmt.Errorf("insert residue event: %w", err)
		}
	}

	return tx.Commit()
}
// #endregion save-result

// #region list-runs
const runColumns = `run_id, evaluation_id, probe_id, domain, shell, status, delta_p,
	step_count, event_count, started_at, duration_ms`

// ListRuns returns the most recent runs, newest first. limit <= 0 means no limit.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		rs, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (RunSummary, error) {
	var rs RunSummary
	var status, started string
	var deltaP sql.NullFloat64
	var durationMS int64
	if err := row.Scan(&rs.RunID, &rs.EvaluationID, &rs.ProbeID, &rs.Domain, &rs.Shell, &status,
		&deltaP, &rs.Steps, &rs.Events, &started, &durationMS); err != nil {
		return RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	rs.Status = trace.Status(status)
	if deltaP.Valid {
		v := deltaP.Float64
		rs.DeltaP = &v
	}
	rs.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rs.Duration = time.Duration(durationMS) * time.Millisecond
	return rs, nil
}
// #endregion list-runs

// #region get-run
// GetRun loads one run with its steps and residue events.
func (s *Store) GetRun(runID string) (RunDetail, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+`, converged, cause_json, score_json FROM runs WHERE run_id = ?`, runID)
	var d RunDetail
	var status, started string
	var deltaP sql.NullFloat64
	var durationMS int64
	var converged int
	var causeJSON, scoreJSON sql.NullString
	err := row.Scan(&d.RunID, &d.EvaluationID, &d.ProbeID, &d.Domain, &d.Shell, &status,
		&deltaP, &d.Steps, &d.Events, &started, &durationMS, &converged, &causeJSON, &scoreJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return RunDetail{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return RunDetail{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	d.Status = trace.Status(status)
	if deltaP.Valid {
		v := deltaP.Float64
		d.DeltaP = &v
	}
	d.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	d.Duration = time.Duration(durationMS) * time.Millisecond
	d.Converged = converged == 1
	if causeJSON.Valid {
		if err := json.Unmarshal([]byte(causeJSON.String), &d.Cause); err != nil {
			return RunDetail{}, fmt.Errorf("unmarshal cause: %w", err)
		}
	}
	if scoreJSON.Valid {
		if err := json.Unmarshal([]byte(scoreJSON.String), &d.Score); err != nil {
			return RunDetail{}, fmt.Errorf("unmarshal score: %w", err)
		}
	}

	if d.StepList, err = s.loadSteps(runID); err != nil {
		return RunDetail{}, err
	}
	if d.Residue, err = s.loadEvents(runID); err != nil {
		return RunDetail{}, err
	}
	return d, nil
}

func (s *Store) loadSteps(runID string) ([]trace.Step, error) {
	rows, err := s.db.Query(
		`SELECT depth, prompt, completion, tokens_json, features_json, attempts, collapse_candidate, created_at
		 FROM steps WHERE run_id = ? ORDER BY depth`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	var steps []trace.Step
	for rows.Next() {
		var st trace.Step
		var toks sql.NullString
		var feats, created string
		var candidate int
		if err := rows.Scan(&st.Depth, &st.Prompt, &st.Completion, &toks, &feats, &st.Attempts, &candidate, &created); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if toks.Valid {
			if err := json.Unmarshal([]byte(toks.String), &st.Tokens); err != nil {
				return nil, fmt.Errorf("unmarshal tokens: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(feats), &st.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
		st.CollapseCandidate = candidate == 1
		st.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) loadEvents(runID string) ([]residue.Event, error) {
	rows, err := s.db.Query(
		`SELECT kind, depth, end_depth, token_start, token_end, severity, metrics_json
		 FROM residue_events WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []residue.Event
	for rows.Next() {
		var ev residue.Event
		var kind string
		var m sql.NullString
		if err := rows.Scan(&kind, &ev.Depth, &ev.EndDepth, &ev.TokenStart, &ev.TokenEnd, &ev.Severity, &m); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = residue.Kind(kind)
		if m.Valid {
			if err := json.Unmarshal([]byte(m.String), &ev.Metrics); err != nil {
				return nil, fmt.Errorf("unmarshal event metrics: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
// #endregion get-run

// #region domain-summaries
// DomainSummaries aggregates stored runs per domain. An empty evaluationID covers every evaluation.
func (s *Store) DomainSummaries(evaluationID string) ([]evaluator.DomainSummary, error) {
	rows, err := s.db.Query(
		`SELECT domain,
			COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			COALESCE(AVG(delta_p), 0)
		 FROM runs WHERE (? = '' OR evaluation_id = ?)
		 GROUP BY domain`,
		string(trace.StatusCompleted), string(trace.StatusCancelled), string(trace.StatusFailed),
		evaluationID, evaluationID,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize runs: %w", err)
	}
	byDomain := make(map[string]*evaluator.DomainSummary)
	for rows.Next() {
		ds := &evaluator.DomainSummary{Residue: residue.CountByKind(nil)}
		if err := rows.Scan(&ds.Domain, &ds.Runs, &ds.Completed, &ds.Cancelled, &ds.Failed, &ds.MeanDeltaP); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		byDomain[ds.Domain] = ds
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	evRows, err := s.db.Query(
		`SELECT r.domain, e.kind, COUNT(*)
		 FROM residue_events e JOIN runs r ON r.run_id = e.run_id
		 WHERE (? = '' OR r.evaluation_id = ?)
		 GROUP BY r.domain, e.kind`,
		evaluationID, evaluationID,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize residue: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var domain, kind string
		var n int
		if err := evRows.Scan(&domain, &kind, &n); err != nil {
			return nil, fmt.Errorf("scan residue summary: %w", err)
		}
		if ds, ok := byDomain[domain]; ok {
			ds.Residue[residue.Kind(kind)] = n
		}
	}
	if err := evRows.Err(); err != nil {
		return nil, err
	}

	out := make([]evaluator.DomainSummary, 0, len(byDomain))
	for _, ds := range byDomain {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}
// #endregion domain-summaries

// #region helpers
func nullableJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []trace.TokenProb:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]float64:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
// #endregion helpers
