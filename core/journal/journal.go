// Package journal records conversion runs in a SQLite database so that a
// chain of conversions can be inspected after the fact: which formats were
// involved, the canonical tree fingerprint, the loss class, every
// diagnostic and the extension entries that were carried along.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/ScoreBridge/core/convert"
	"github.com/FocuswithJustin/ScoreBridge/core/errors"
	"github.com/FocuswithJustin/ScoreBridge/core/ext"
	"github.com/FocuswithJustin/ScoreBridge/core/formats"
	"github.com/FocuswithJustin/ScoreBridge/core/sqlite"
	"github.com/FocuswithJustin/ScoreBridge/internal/logging"
)

// Phases of a run.
const (
	PhaseImport = "import"
	PhaseExport = "export"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	created     INTEGER NOT NULL,
	input       TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	target      TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	loss_class  TEXT NOT NULL,
	snapshot    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS diagnostics (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq      INTEGER NOT NULL,
	phase    TEXT NOT NULL,
	kind     TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	message  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS lost_elements (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	path         TEXT NOT NULL DEFAULT '',
	element_type TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS entries (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	identity TEXT NOT NULL,
	concerns TEXT NOT NULL,
	payload  TEXT NOT NULL,
	PRIMARY KEY (run_id, identity)
);
CREATE INDEX IF NOT EXISTS runs_created ON runs (created);
`

// now is a variable to allow tests to pin timestamps.
var now = time.Now

// Run is one recorded conversion.
type Run struct {
	ID      string
	Created time.Time

	// Input is the path or name of the converted document.
	Input string

	Source      string
	Target      string
	Fingerprint string
	LossClass   convert.LossClass

	// Snapshot is the digest of the extension store snapshot, if one was
	// written.
	Snapshot string

	Diagnostics  []Diagnostic
	LostElements []Lost
}

// Diagnostic is a report diagnostic tagged with the phase it came from.
type Diagnostic struct {
	Phase    string
	Kind     string
	Location string
	Message  string
}

// Lost is a lost element tagged with the phase it came from.
type Lost struct {
	Phase string
	convert.LostElement
}

// Entry is one extension store entry recorded with a run.
type Entry struct {
	Identity string
	Concerns []string
	Payload  json.RawMessage
}

// FromResult builds a run from a conversion result.
func FromResult(input string, res *formats.Result) *Run {
	run := &Run{
		Input:       input,
		Source:      res.Source,
		Target:      res.Target,
		Fingerprint: res.Fingerprint,
		LossClass:   res.LossClass(),
	}
	run.addReport(PhaseImport, res.Import)
	run.addReport(PhaseExport, res.Export)
	return run
}

func (r *Run) addReport(phase string, rep *convert.Report) {
	if rep == nil {
		return
	}
	for _, d := range rep.Diagnostics {
		r.Diagnostics = append(r.Diagnostics, Diagnostic{
			Phase:    phase,
			Kind:     d.Kind.String(),
			Location: d.Location,
			Message:  d.Message,
		})
	}
	for _, l := range rep.LostElements {
		r.LostElements = append(r.LostElements, Lost{Phase: phase, LostElement: l})
	}
}

// Journal is an open journal database.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewIO("migrate", path, err)
	}
	logging.JournalEvent("open", path, "driver", sqlite.DriverType())
	return &Journal{db: db, path: path}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores run and the entries of store in one transaction. A run
// without an ID gets a fresh UUID; a zero Created time is set to now. The
// run ID is returned.
func (j *Journal) Record(ctx context.Context, run *Run, store *ext.Store) (string, error) {
	if run == nil {
		return "", errors.Wrap(errors.ErrInvalidInput, "nil run")
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Created.IsZero() {
		run.Created = now()
	}
	if run.LossClass == "" {
		run.LossClass = convert.LossL0
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created, input, source, target, fingerprint, loss_class, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Created.UnixNano(), run.Input, run.Source, run.Target,
		run.Fingerprint, string(run.LossClass), run.Snapshot); err != nil {
		return "", errors.Wrapf(err, "insert run %s", run.ID)
	}
	for i, d := range run.Diagnostics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO diagnostics (run_id, seq, phase, kind, location, message) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, d.Phase, d.Kind, d.Location, d.Message); err != nil {
			return "", errors.Wrap(err, "insert diagnostic")
		}
	}
	for i, l := range run.LostElements {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lost_elements (run_id, seq, phase, path, element_type, reason) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, l.Phase, l.Path, l.ElementType, l.Reason); err != nil {
			return "", errors.Wrap(err, "insert lost element")
		}
	}
	for _, id := range store.IDs() {
		e, _ := store.Get(id)
		payload, err := json.Marshal(e)
		if err != nil {
			return "", errors.Wrapf(err, "marshal entry %s", id)
		}
		var concerns []string
		for _, c := range e.Concerns() {
			concerns = append(concerns, string(c))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (run_id, identity, concerns, payload) VALUES (?, ?, ?, ?)`,
			run.ID, id, strings.Join(concerns, ","), string(payload)); err != nil {
			return "", errors.Wrap(err, "insert entry")
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.JournalEvent("record", j.path, "run_id", run.ID, "entries", store.Len())
	return run.ID, nil
}

// Runs returns all runs, newest first, without their diagnostics.
func (j *Journal) Runs(ctx context.Context) ([]*Run, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, created, input, source, target, fingerprint, loss_class, snapshot
		 FROM runs ORDER BY created DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one run with its diagnostics and lost elements.
func (j *Journal) Run(ctx context.Context, id string) (*Run, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, created, input, source, target, fingerprint, loss_class, snapshot
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT phase, kind, location, message FROM diagnostics WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.Phase, &d.Kind, &d.Location, &d.Message); err != nil {
			rows.Close()
			return nil, err
		}
		r.Diagnostics = append(r.Diagnostics, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = j.db.QueryContext(ctx,
		`SELECT phase, path, element_type, reason FROM lost_elements WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Lost
		if err := rows.Scan(&l.Phase, &l.Path, &l.ElementType, &l.Reason); err != nil {
			return nil, err
		}
		r.LostElements = append(r.LostElements, l)
	}
	return r, rows.Err()
}

// Entries returns the extension entries recorded with a run, sorted by
// identity.
func (j *Journal) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT identity, concerns, payload FROM entries WHERE run_id = ? ORDER BY identity`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var concerns, payload string
		if err := rows.Scan(&e.Identity, &concerns, &payload); err != nil {
			return nil, err
		}
		if concerns != "" {
			e.Concerns = strings.Split(concerns, ",")
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Store rebuilds the extension store recorded with a run.
func (j *Journal) Store(ctx context.Context, runID string) (*ext.Store, error) {
	entries, err := j.Entries(ctx, runID)
	if err != nil {
		return nil, err
	}
	store := ext.New()
	for _, e := range entries {
		if err := json.Unmarshal(e.Payload, store.Entry(e.Identity)); err != nil {
			return nil, errors.Wrapf(err, "decode entry %s", e.Identity)
		}
	}
	return store, nil
}

// Delete removes a run and everything recorded with it.
func (j *Journal) Delete(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("run", id)
	}
	logging.JournalEvent("delete", j.path, "run_id", id)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var created int64
	var loss string
	if err := s.Scan(&r.ID, &created, &r.Input, &r.Source, &r.Target, &r.Fingerprint, &loss, &r.Snapshot); err != nil {
		return nil, err
	}
	r.Created = time.Unix(0, created)
	r.LossClass = convert.LossClass(loss)
	return &r, nil
}
