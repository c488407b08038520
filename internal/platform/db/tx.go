package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const commitHooksKey contextKey = "db_commit_hooks"

// TxFromContext returns the transaction started by Transactor.InTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

type commitHooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// TrackCommit starts collecting AfterCommit hooks on the returned context.
// finish(true) runs them in registration order, finish(false) drops them.
// When ctx already collects hooks the outer owner runs them and finish is a
// no-op.
func TrackCommit(ctx context.Context) (context.Context, func(committed bool)) {
	if _, ok := ctx.Value(commitHooksKey).(*commitHooks); ok {
		return ctx, func(bool) {}
	}
	h := &commitHooks{}
	return context.WithValue(ctx, commitHooksKey, h), func(committed bool) {
		h.mu.Lock()
		fns := h.fns
		h.fns = nil
		h.mu.Unlock()
		if !committed {
			return
		}
		for _, fn := range fns {
			fn(ctx)
		}
	}
}

// AfterCommit runs fn once the outermost transaction on ctx has committed.
// Outside a transaction fn runs immediately. A rollback discards fn.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if h, ok := ctx.Value(commitHooksKey).(*commitHooks); ok {
		h.mu.Lock()
		h.fns = append(h.fns, fn)
		h.mu.Unlock()
		return
	}
	fn(ctx)
}

// Transactor runs a function inside a single database transaction. The
// transaction is placed on the context so repositories join it.
type Transactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *Transactor {
	return &Transactor{pool: pool}
}

// InTx begins a transaction on the request's school connection (or the pool
// when there is none), calls fn and commits. Any error from fn rolls back.
// Nested calls reuse the outer transaction, and AfterCommit hooks registered
// anywhere inside run only after the outermost commit.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = t.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txCtx, finish := TrackCommit(ctx)
	if err := fn(context.WithValue(txCtx, TxKey, tx)); err != nil {
		finish(false)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		finish(false)
		return fmt.Errorf("commit transaction: %w", err)
	}
	finish(true)
	return nil
}
