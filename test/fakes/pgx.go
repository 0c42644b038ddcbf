// Package fakes holds pgx test doubles shared by service tests.
package fakes

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out Tx values and remembers them for assertions.
type Pool struct {
	mu       sync.Mutex
	Txs      []*Tx
	BeginErr error
	// NewTx, when set, builds each transaction.
	NewTx func() *Tx
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	if p.NewTx != nil {
		tx = p.NewTx()
	}
	p.mu.Lock()
	p.Txs = append(p.Txs, tx)
	p.mu.Unlock()
	return tx, nil
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Committed counts transactions that committed.
func (p *Pool) Committed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

// Tx is a pgx.Tx that records commit and rollback. Exec and QueryRow are
// routed to optional hooks; everything else panics.
type Tx struct {
	Committed bool
	Rolled    bool
	CommitErr error

	ExecFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	QueryRowFn func(sql string, args ...any) pgx.Row
	Execs      []string
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakes.Tx does not support nested transactions")
}

func (f *Tx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	if !f.Rolled {
		f.Committed = true
	}
	return nil
}

func (f *Tx) Rollback(context.Context) error {
	if !f.Committed {
		f.Rolled = true
	}
	return nil
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.Execs = append(f.Execs, sql)
	if f.ExecFn == nil {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return f.ExecFn(sql, args...)
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *Tx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if f.QueryRowFn == nil {
		panic("not implemented")
	}
	return f.QueryRowFn(sql, args...)
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}

// Row is a pgx.Row backed by a scan function.
type Row func(dest ...any) error

func (r Row) Scan(dest ...any) error { return r(dest...) }
