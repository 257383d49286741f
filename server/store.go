package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shapesync/shapesync"
	"github.com/shapesync/shapesync/model"
	"github.com/shapesync/shapesync/utils"
)

var (
	ErrRowNotFound  = errors.New("server: no row matched")
	ErrForbidden    = errors.New("server: write not permitted for caller")
	ErrTableUnknown = errors.New("server: unknown table")
)

// FieldErrors is a schema rejection of a write payload, keyed by field.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	return fmt.Sprintf("server: payload rejected (%d field errors)", len(e))
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (k, v) VALUES ('txid', 0);

CREATE TABLE IF NOT EXISTS todos (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	completed  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	name            TEXT NOT NULL,
	shared_user_ids TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl   TEXT NOT NULL,
	op    TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT,
	txid  TEXT NOT NULL
);
`

// Store is the relational side of the server: rows, the txid counter, and
// the change outbox. Every write runs inside one transaction that allocates
// the txid, mutates the row and appends the matching change event to the
// outbox, so the txid reported to the writer corresponds exactly to the
// visible mutation.
type Store struct {
	db     *sql.DB
	log    utils.Logger
	wakeup chan struct{}
}

func OpenStore(path string, log utils.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialize in the pool rather than erroring
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: log, wakeup: make(chan struct{}, 1)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Wakeup signals once per committed write; the outbox relay waits on it.
func (s *Store) Wakeup() <-chan struct{} { return s.wakeup }

func (s *Store) signal() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func allocTxid(tx *sql.Tx) (string, error) {
	var v int64
	err := tx.QueryRow(`UPDATE meta SET v = v + 1 WHERE k = 'txid' RETURNING v`).Scan(&v)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

func appendOutbox(tx *sql.Tx, table string, op shapesync.Op, key string, value []byte, txid string) error {
	var val any
	if value != nil {
		val = string(value)
	}
	_, err := tx.Exec(`INSERT INTO outbox (tbl, op, key, value, txid) VALUES (?, ?, ?, ?, ?)`,
		table, op.String(), key, val, txid)
	return err
}

// write wraps one CRUD mutation: txid allocation, row mutation, outbox
// append, commit, relay wakeup.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx, txid string) (shapesync.Event, error)) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	txid, err := allocTxid(tx)
	if err != nil {
		return "", err
	}
	ev, err := fn(tx, txid)
	if err != nil {
		return "", err
	}
	if err := appendOutbox(tx, ev.Table, ev.Op, ev.Key, ev.Value, txid); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.signal()
	return txid, nil
}

// --- todos ---

func validateTodo(t model.Todo) FieldErrors {
	errs := FieldErrors{}
	if t.ID == "" {
		errs["id"] = "required"
	}
	if t.UserID == "" {
		errs["user_id"] = "required"
	}
	if t.Text == "" {
		errs["text"] = "required"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (s *Store) getTodo(tx *sql.Tx, id string) (model.Todo, error) {
	var t model.Todo
	var completed int
	var created string
	err := tx.QueryRow(
		`SELECT id, user_id, project_id, text, completed, created_at FROM todos WHERE id = ?`, id).
		Scan(&t.ID, &t.UserID, &t.ProjectID, &t.Text, &completed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrRowNotFound
	}
	if err != nil {
		return t, err
	}
	t.Completed = completed != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return t, nil
}

func (s *Store) getProject(tx *sql.Tx, id string) (model.Project, error) {
	var p model.Project
	var shared, created string
	err := tx.QueryRow(
		`SELECT id, owner_id, name, shared_user_ids, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &shared, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrRowNotFound
	}
	if err != nil {
		return p, err
	}
	_ = json.Unmarshal([]byte(shared), &p.SharedUserIDs)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return p, nil
}

// mayWriteTodo is the server-side write predicate: the todo's owner, or a
// member of its project's share list. Evaluated at write time, independent
// of what the client claims.
func (s *Store) mayWriteTodo(tx *sql.Tx, t model.Todo, caller string) bool {
	if t.UserID == caller {
		return true
	}
	if t.ProjectID == "" {
		return false
	}
	p, err := s.getProject(tx, t.ProjectID)
	if err != nil {
		return false
	}
	return p.SharedWith(caller)
}

func (s *Store) CreateTodo(ctx context.Context, caller string, t model.Todo) (string, model.Todo, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if errs := validateTodo(t); errs != nil {
		return "", t, errs
	}
	if t.UserID != caller {
		return "", t, ErrForbidden
	}
	txid, err := s.write(ctx, func(tx *sql.Tx, txid string) (shapesync.Event, error) {
		_, err := tx.Exec(
			`INSERT INTO todos (id, user_id, project_id, text, completed, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.UserID, t.ProjectID, t.Text, boolInt(t.Completed), t.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return shapesync.Event{}, FieldErrors{"id": "already exists"}
		}
		return todoEvent(shapesync.OpInsert, t, txid)
	})
	return txid, t, err
}

// TodoPatch carries the changed fields of an update; nil means untouched.
type TodoPatch struct {
	Text      *string `json:"text"`
	Completed *bool   `json:"completed"`
	ProjectID *string `json:"project_id"`
}

func (s *Store) UpdateTodo(ctx context.Context, caller, id string, patch TodoPatch) (string, model.Todo, error) {
	var updated model.Todo
	txid, err := s.write(ctx, func(tx *sql.Tx, txid string) (shapesync.Event, error) {
		t, err := s.getTodo(tx, id)
		if err != nil {
			return shapesync.Event{}, err
		}
		if !s.mayWriteTodo(tx, t, caller) {
			return shapesync.Event{}, ErrForbidden
		}
		if patch.Text != nil {
			t.Text = *patch.Text
		}
		if patch.Completed != nil {
			t.Completed = *patch.Completed
		}
		if patch.ProjectID != nil {
			t.ProjectID = *patch.ProjectID
		}
		if t.Text == "" {
			return shapesync.Event{}, FieldErrors{"text": "required"}
		}
		_, err = tx.Exec(`UPDATE todos SET text = ?, completed = ?, project_id = ? WHERE id = ?`,
			t.Text, boolInt(t.Completed), t.ProjectID, id)
		if err != nil {
			return shapesync.Event{}, err
		}
		updated = t
		return todoEvent(shapesync.OpUpdate, t, txid)
	})
	return txid, updated, err
}

func (s *Store) DeleteTodo(ctx context.Context, caller, id string) (string, model.Todo, error) {
	var deleted model.Todo
	txid, err := s.write(ctx, func(tx *sql.Tx, txid string) (shapesync.Event, error) {
		t, err := s.getTodo(tx, id)
		if err != nil {
			return shapesync.Event{}, err
		}
		if !s.mayWriteTodo(tx, t, caller) {
			return shapesync.Event{}, ErrForbidden
		}
		if _, err := tx.Exec(`DELETE FROM todos WHERE id = ?`, id); err != nil {
			return shapesync.Event{}, err
		}
		deleted = t
		return shapesync.Event{Op: shapesync.OpDelete, Table: model.TableTodos, Key: id, Txid: txid}, nil
	})
	return txid, deleted, err
}

func todoEvent(op shapesync.Op, t model.Todo, txid string) (shapesync.Event, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return shapesync.Event{}, err
	}
	return shapesync.Event{Op: op, Table: model.TableTodos, Key: t.ID, Value: raw, Txid: txid}, nil
}

// --- projects ---

func validateProject(p model.Project) FieldErrors {
	errs := FieldErrors{}
	if p.ID == "" {
		errs["id"] = "required"
	}
	if p.OwnerID == "" {
		errs["owner_id"] = "required"
	}
	if p.Name == "" {
		errs["name"] = "required"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (s *Store) CreateProject(ctx context.Context, caller string, p model.Project) (string, model.Project, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.SharedUserIDs == nil {
		p.SharedUserIDs = []string{}
	}
	if errs := validateProject(p); errs != nil {
		return "", p, errs
	}
	if p.OwnerID != caller {
		return "", p, ErrForbidden
	}
	txid, err := s.write(ctx, func(tx *sql.Tx, txid string) (shapesync.Event, error) {
		shared, _ := json.Marshal(p.SharedUserIDs)
		_, err := tx.Exec(
			`INSERT INTO projects (id, owner_id, name, shared_user_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.OwnerID, p.Name, string(shared), p.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return shapesync.Event{}, FieldErrors{"id": "already exists"}
		}
		return projectEvent(shapesync.OpInsert, p, txid)
	})
	return txid, p, err
}

type ProjectPatch struct {
	Name          *string   `json:"name"`
	SharedUserIDs *[]string `json:"shared_user_ids"`
}

func (s *Store) UpdateProject(ctx context.Context, caller, id string, patch ProjectPatch) (string, model.Project, error) {
	var updated model.Project
	txid, err := s.write(ctx, func(tx *sql.Tx, txid string) (shapesync.Event, error) {
		p, err := s.getProject(tx, id)
		if err != nil {
			return shapesync.Event{}, err
		}
		if !p.SharedWith(caller) {
			return shapesync.Event{}, ErrForbidden
		}
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.SharedUserIDs != nil {
			p.SharedUserIDs = *patch.SharedUserIDs
		}
		if p.Name == "" {
			return shapesync.Event{}, FieldErrors{"name": "required"}
		}
		shared, _ := json.Marshal(p.SharedUserIDs)
		_, err = tx.Exec(`UPDATE projects SET name = ?, shared_user_ids = ? WHERE id = ?`,
			p.Name, string(shared), id)
		if err != nil {
			return shapesync.Event{}, err
		}
		updated = p
		return projectEvent(shapesync.OpUpdate, p, txid)
	})
	return txid, updated, err
}

func (s *Store) DeleteProject(ctx context.Context, caller, id string) (string, model.Project, error) {
	var deleted model.Project
	txid, err := s.write(ctx, func(tx *sql.Tx, txid string) (shapesync.Event, error) {
		p, err := s.getProject(tx, id)
		if err != nil {
			return shapesync.Event{}, err
		}
		if p.OwnerID != caller {
			return shapesync.Event{}, ErrForbidden
		}
		if _, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
			return shapesync.Event{}, err
		}
		deleted = p
		return shapesync.Event{Op: shapesync.OpDelete, Table: model.TableProjects, Key: id, Txid: txid}, nil
	})
	return txid, deleted, err
}

func projectEvent(op shapesync.Op, p model.Project, txid string) (shapesync.Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return shapesync.Event{}, err
	}
	return shapesync.Event{Op: op, Table: model.TableProjects, Key: p.ID, Value: raw, Txid: txid}, nil
}

// Outbox drains up to limit staged change events in commit order.
func (s *Store) Outbox(ctx context.Context, limit int) (events []shapesync.Event, lastSeq int64, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, tbl, op, key, value, txid FROM outbox ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		var tbl, op, key, txid string
		var value sql.NullString
		if err := rows.Scan(&seq, &tbl, &op, &key, &value, &txid); err != nil {
			return nil, 0, err
		}
		ev := shapesync.Event{Op: shapesync.ParseOp(op), Table: tbl, Key: key, Txid: txid}
		if value.Valid {
			ev.Value = json.RawMessage(value.String)
		}
		events = append(events, ev)
		lastSeq = seq
	}
	return events, lastSeq, rows.Err()
}

// TrimOutbox removes relayed rows up to and including seq.
func (s *Store) TrimOutbox(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq <= ?`, seq)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
