package db

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool is the pair of handles the repositories share. With SQLite all writes
// funnel through one connection and reads use a separate read-only pool; with
// PostgreSQL both sides are the same handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewPool(writer, reader *sqlx.DB) *Pool {
	if reader == nil {
		reader = writer
	}
	return &Pool{writer: writer, reader: reader}
}

// Writer is used for migrations and every mutating statement.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver names the SQL driver behind the pool.
func (p *Pool) Driver() string { return p.writer.DriverName() }

// Ping checks that both sides answer.
func (p *Pool) Ping(ctx context.Context) error {
	err := p.writer.PingContext(ctx)
	if p.reader != p.writer {
		err = errors.Join(err, p.reader.PingContext(ctx))
	}
	return err
}

// Close closes the read side before the writer.
func (p *Pool) Close() error {
	var err error
	if p.reader != p.writer {
		err = p.reader.Close()
	}
	return errors.Join(err, p.writer.Close())
}
