package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/errors"
)

// Schema creates the shares table when it does not exist
const Schema = `
CREATE TABLE IF NOT EXISTS shares (
	id            BIGSERIAL PRIMARY KEY,
	miner         TEXT             NOT NULL,
	endpoint      TEXT             NOT NULL,
	job_id        TEXT             NOT NULL,
	request_id    BIGINT           NOT NULL,
	nonce         BIGINT           NOT NULL,
	accepted      BOOLEAN          NOT NULL,
	reject_code   INTEGER,
	reject_reason TEXT,
	latency_ms    DOUBLE PRECISION NOT NULL,
	answered_at   TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_miner_answered_at ON shares (miner, answered_at);`

const insertShare = `
	INSERT INTO shares (miner, endpoint, job_id, request_id, nonce, accepted, reject_code, reject_reason, latency_ms, answered_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Execer is the part of *sql.DB the repository writes through
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ShareRow is one persisted share verdict
type ShareRow struct {
	Miner        string
	Endpoint     string
	JobID        string
	RequestID    int64
	Nonce        int64
	Accepted     bool
	RejectCode   sql.NullInt32
	RejectReason sql.NullString
	LatencyMs    float64
	AnsweredAt   time.Time
}

// Args returns the row in insert column order
func (r ShareRow) Args() []any {
	return []any{
		r.Miner, r.Endpoint, r.JobID, r.RequestID, r.Nonce, r.Accepted,
		r.RejectCode, r.RejectReason, r.LatencyMs, r.AnsweredAt,
	}
}

// ShareRowFromEvent builds the row for a share result event
func ShareRowFromEvent(ev stratum.Event, miner string) (ShareRow, bool) {
	if ev.Type != stratum.EventShareResult || ev.Share == nil {
		return ShareRow{}, false
	}
	row := ShareRow{
		Miner:      miner,
		Endpoint:   ev.Endpoint,
		JobID:      ev.Share.JobID,
		RequestID:  ev.Share.RequestID,
		Nonce:      int64(ev.Share.Nonce),
		Accepted:   ev.Share.Accepted,
		LatencyMs:  float64(ev.Share.Latency) / float64(time.Millisecond),
		AnsweredAt: ev.Time.UTC(),
	}
	if ev.Share.Err != nil {
		row.RejectCode = sql.NullInt32{Int32: int32(ev.Share.Err.Code), Valid: true}
		row.RejectReason = sql.NullString{String: ev.Share.Err.Message, Valid: true}
	}
	return row, true
}

// ShareRepository is a monitor sink persisting share verdicts
type ShareRepository struct {
	db    Execer
	miner string
}

// NewShareRepository creates a repository writing rows for miner
func NewShareRepository(db Execer, miner string) *ShareRepository {
	return &ShareRepository{db: db, miner: miner}
}

// EnsureSchema creates the shares table
func (r *ShareRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_schema", "failed to create shares table")
	}
	return nil
}

// Name implements monitor.Sink
func (r *ShareRepository) Name() string {
	return "postgres"
}

// Record implements monitor.Sink; events other than share results are ignored
func (r *ShareRepository) Record(ctx context.Context, ev stratum.Event) error {
	row, ok := ShareRowFromEvent(ev, r.miner)
	if !ok {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, insertShare, row.Args()...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
			"failed to store share").
			WithContext("job_id", row.JobID).
			WithContext("request_id", row.RequestID)
	}
	return nil
}
