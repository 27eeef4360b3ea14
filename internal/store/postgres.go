package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/digital-land/async-request-backend/internal/db"
	"github.com/digital-land/async-request-backend/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot path.
var preparedStatements = map[string]string{
	"get_request":           `SELECT id, type, status, created, modified, plugin, params FROM request WHERE id = $1`,
	"update_request_status": `UPDATE request SET status = $1, modified = $2 WHERE id = $3`,
	"response_exists":       `SELECT EXISTS (SELECT 1 FROM response WHERE request_id = $1)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS request (
	id       TEXT PRIMARY KEY,
	type     TEXT NOT NULL,
	status   TEXT NOT NULL DEFAULT 'NEW',
	created  TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified TIMESTAMPTZ NOT NULL DEFAULT now(),
	plugin   TEXT,
	params   JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS response (
	id         BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL REFERENCES request(id),
	data       JSONB,
	error      JSONB,
	plugin     TEXT
);

CREATE TABLE IF NOT EXISTS response_details (
	id          BIGSERIAL PRIMARY KEY,
	response_id BIGINT NOT NULL REFERENCES response(id),
	detail      JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_status ON request(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_response_request_id ON response(request_id);
CREATE INDEX IF NOT EXISTS idx_response_details_response_id ON response_details(response_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.Request) error {
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal params")
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO request (id, type, status, created, modified, plugin, params) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, string(req.Type), string(req.Status), req.Created, req.Modified, nullable(string(req.Plugin)), paramsJSON,
	)
	return eris.Wrapf(err, "postgres: insert request %s", req.ID)
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	var r model.Request
	var plugin *string
	var paramsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, type, status, created, modified, plugin, params FROM request WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.Type, &r.Status, &r.Created, &r.Modified, &plugin, &paramsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get request %s", id)
	}
	if plugin != nil {
		r.Plugin = model.Plugin(*plugin)
	}

	r.RawParams = paramsJSON
	params, err := model.DecodeParams(r.Type, paramsJSON)
	if err != nil {
		return nil, err
	}
	r.Params = params
	return &r, nil
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE request SET status = $1, modified = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ResponseExists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM response WHERE request_id = $1)`,
		requestID,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: response exists %s", requestID)
}

func (s *PostgresStore) CreateResponse(ctx context.Context, resp *model.Response) (int64, error) {
	var dataJSON, errorJSON []byte
	var err error
	if resp.Data != nil {
		if dataJSON, err = json.Marshal(resp.Data); err != nil {
			return 0, eris.Wrap(err, "postgres: marshal response data")
		}
	}
	if resp.Error != nil {
		if errorJSON, err = json.Marshal(resp.Error); err != nil {
			return 0, eris.Wrap(err, "postgres: marshal response error")
		}
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO response (request_id, data, error, plugin) VALUES ($1, $2, $3, $4) RETURNING id`,
		resp.RequestID, dataJSON, errorJSON, nullable(resp.Plugin),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert response for %s", resp.RequestID)
	}
	resp.ID = id
	return id, nil
}

func (s *PostgresStore) CreateResponseDetails(ctx context.Context, responseID int64, details []model.ResponseDetail) error {
	if len(details) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(details))
	for _, d := range details {
		detailJSON, err := json.Marshal(d)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal response detail")
		}
		rows = append(rows, []any{responseID, detailJSON})
	}

	_, err := db.CopyFrom(ctx, s.pool, "response_details", []string{"response_id", "detail"}, rows)
	return eris.Wrapf(err, "postgres: copy response details for %d", responseID)
}

func (s *PostgresStore) GetResponse(ctx context.Context, requestID string) (*model.Response, error) {
	var resp model.Response
	var dataJSON, errorJSON []byte
	var plugin *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, request_id, data, error, plugin FROM response WHERE request_id = $1`,
		requestID,
	).Scan(&resp.ID, &resp.RequestID, &dataJSON, &errorJSON, &plugin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get response for %s", requestID)
	}
	if len(dataJSON) > 0 {
		resp.Data = &model.ResponseData{}
		if err := json.Unmarshal(dataJSON, resp.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal response data")
		}
	}
	if len(errorJSON) > 0 {
		resp.Error = &model.ErrorEnvelope{}
		if err := json.Unmarshal(errorJSON, resp.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal response error")
		}
	}
	if plugin != nil {
		resp.Plugin = *plugin
	}
	return &resp, nil
}

func (s *PostgresStore) CountResponseDetails(ctx context.Context, responseID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM response_details WHERE response_id = $1`,
		responseID,
	).Scan(&count)
	return count, eris.Wrapf(err, "postgres: count response details for %d", responseID)
}

// nullable maps empty strings to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
