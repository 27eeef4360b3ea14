package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/digital-land/async-request-backend/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// runs and tests where Postgres is not available.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS request (
	id       TEXT PRIMARY KEY,
	type     TEXT NOT NULL,
	status   TEXT NOT NULL DEFAULT 'NEW',
	created  DATETIME NOT NULL DEFAULT (datetime('now')),
	modified DATETIME NOT NULL DEFAULT (datetime('now')),
	plugin   TEXT,
	params   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS response (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL REFERENCES request(id),
	data       TEXT,
	error      TEXT,
	plugin     TEXT
);

CREATE TABLE IF NOT EXISTS response_details (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	response_id INTEGER NOT NULL REFERENCES response(id),
	detail      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_status ON request(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_response_request_id ON response(request_id);
CREATE INDEX IF NOT EXISTS idx_response_details_response_id ON response_details(response_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.Request) error {
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal params")
	}

	now := time.Now().UTC()
	if req.Created.IsZero() {
		req.Created = now
	}
	if req.Modified.IsZero() {
		req.Modified = now
	}
	if req.Status == "" {
		req.Status = model.RequestStatusNew
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request (id, type, status, created, modified, plugin, params) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.Type), string(req.Status), req.Created, req.Modified, string(req.Plugin), string(paramsJSON),
	)
	return eris.Wrapf(err, "sqlite: insert request %s", req.ID)
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	var r model.Request
	var plugin sql.NullString
	var paramsJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, created, modified, plugin, params FROM request WHERE id = ?`,
		id,
	).Scan(&r.ID, &r.Type, &r.Status, &r.Created, &r.Modified, &plugin, &paramsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get request %s", id)
	}
	if plugin.Valid {
		r.Plugin = model.Plugin(plugin.String)
	}

	r.RawParams = []byte(paramsJSON)
	params, err := model.DecodeParams(r.Type, []byte(paramsJSON))
	if err != nil {
		return nil, err
	}
	r.Params = params
	return &r, nil
}

func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE request SET status = ?, modified = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) ResponseExists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM response WHERE request_id = ?)`,
		requestID,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "sqlite: response exists %s", requestID)
}

func (s *SQLiteStore) CreateResponse(ctx context.Context, resp *model.Response) (int64, error) {
	var dataJSON, errorJSON []byte
	var err error
	if resp.Data != nil {
		if dataJSON, err = json.Marshal(resp.Data); err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal response data")
		}
	}
	if resp.Error != nil {
		if errorJSON, err = json.Marshal(resp.Error); err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal response error")
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO response (request_id, data, error, plugin) VALUES (?, ?, ?, ?)`,
		resp.RequestID, nullBytes(dataJSON), nullBytes(errorJSON), resp.Plugin,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert response for %s", resp.RequestID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: last insert id")
	}
	resp.ID = id
	return id, nil
}

func (s *SQLiteStore) CreateResponseDetails(ctx context.Context, responseID int64, details []model.ResponseDetail) error {
	if len(details) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO response_details (response_id, detail) VALUES (?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare detail insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, d := range details {
		detailJSON, err := json.Marshal(d)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal response detail")
		}
		if _, err := stmt.ExecContext(ctx, responseID, string(detailJSON)); err != nil {
			return eris.Wrapf(err, "sqlite: insert detail for %d", responseID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit details")
}

func (s *SQLiteStore) GetResponse(ctx context.Context, requestID string) (*model.Response, error) {
	var resp model.Response
	var dataJSON, errorJSON sql.NullString
	var plugin sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, data, error, plugin FROM response WHERE request_id = ?`,
		requestID,
	).Scan(&resp.ID, &resp.RequestID, &dataJSON, &errorJSON, &plugin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get response for %s", requestID)
	}
	if dataJSON.Valid && dataJSON.String != "" {
		resp.Data = &model.ResponseData{}
		if err := json.Unmarshal([]byte(dataJSON.String), resp.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal response data")
		}
	}
	if errorJSON.Valid && errorJSON.String != "" {
		resp.Error = &model.ErrorEnvelope{}
		if err := json.Unmarshal([]byte(errorJSON.String), resp.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal response error")
		}
	}
	if plugin.Valid {
		resp.Plugin = plugin.String
	}
	return &resp, nil
}

func (s *SQLiteStore) CountResponseDetails(ctx context.Context, responseID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM response_details WHERE response_id = ?`,
		responseID,
	).Scan(&count)
	return count, eris.Wrapf(err, "sqlite: count response details for %d", responseID)
}

// nullBytes maps empty blobs to NULL so the data XOR error invariant is
// visible in the row itself.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
