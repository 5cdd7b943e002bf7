package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrRecordNotFound = errors.New("call record not found")

// DB pgx 连接池与 pgxmock 共有的方法集
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// CallRecord 一通呼叫的生命周期记录，不含音频
type CallRecord struct {
	ID            string     `json:"id"`
	MediaFormat   string     `json:"media_format"`
	State         string     `json:"state"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	EndReason     string     `json:"end_reason,omitempty"`
	ChunksIn      uint64     `json:"chunks_in"`
	ChunksOut     uint64     `json:"chunks_out"`
	ChunksDropped uint64     `json:"chunks_dropped"`
	Reconnects    int        `json:"reconnects"`
}

// Recorder 呼叫记录的写入端
type Recorder interface {
	Open(ctx context.Context, rec CallRecord) error
	Close(ctx context.Context, rec CallRecord) error
}

// Nop 不落库的记录器
type Nop struct{}

func (Nop) Open(context.Context, CallRecord) error  { return nil }
func (Nop) Close(context.Context, CallRecord) error { return nil }

const schemaSQL = `create table if not exists call_records (
	id             text primary key,
	media_format   text not null,
	state          text not null,
	opened_at      timestamptz not null,
	closed_at      timestamptz,
	end_reason     text not null default '',
	chunks_in      bigint not null default 0,
	chunks_out     bigint not null default 0,
	chunks_dropped bigint not null default 0,
	reconnects     integer not null default 0
)`

// Store PostgreSQL 呼叫记录存储
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema 建表，可重复执行
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure call_records schema: %w", err)
	}
	return nil
}

// Open 呼叫建立时插入记录，重复 id 忽略
func (s *Store) Open(ctx context.Context, rec CallRecord) error {
	_, err := s.db.Exec(ctx,
		`insert into call_records (id, media_format, state, opened_at)
		 values ($1, $2, $3, $4)
		 on conflict (id) do nothing`,
		rec.ID, rec.MediaFormat, rec.State, rec.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert call record %s: %w", rec.ID, err)
	}
	return nil
}

// Close 呼叫结束时写入终态和计数
func (s *Store) Close(ctx context.Context, rec CallRecord) error {
	closedAt := time.Now().UTC()
	if rec.ClosedAt != nil {
		closedAt = *rec.ClosedAt
	}

	tag, err := s.db.Exec(ctx,
		`update call_records
		 set state = $2, closed_at = $3, end_reason = $4,
		     chunks_in = $5, chunks_out = $6, chunks_dropped = $7, reconnects = $8
		 where id = $1`,
		rec.ID, rec.State, closedAt, rec.EndReason,
		int64(rec.ChunksIn), int64(rec.ChunksOut), int64(rec.ChunksDropped), rec.Reconnects)
	if err != nil {
		return fmt.Errorf("update call record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	return nil
}

const selectColumns = `select id, media_format, state, opened_at, closed_at, end_reason,
	chunks_in, chunks_out, chunks_dropped, reconnects from call_records`

// Get 按 id 查询
func (s *Store) Get(ctx context.Context, id string) (CallRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectColumns+` where id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CallRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return CallRecord{}, fmt.Errorf("get call record %s: %w", id, err)
	}
	return rec, nil
}

// Recent 最近建立的若干条记录
func (s *Store) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, selectColumns+` order by opened_at desc limit $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (CallRecord, error) {
	var (
		rec                     CallRecord
		chunksIn, chunksOut, dr int64
	)
	err := row.Scan(&rec.ID, &rec.MediaFormat, &rec.State, &rec.OpenedAt, &rec.ClosedAt,
		&rec.EndReason, &chunksIn, &chunksOut, &dr, &rec.Reconnects)
	if err != nil {
		return CallRecord{}, err
	}
	rec.ChunksIn = uint64(chunksIn)
	rec.ChunksOut = uint64(chunksOut)
	rec.ChunksDropped = uint64(dr)
	return rec, nil
}
