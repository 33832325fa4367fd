package repository

import (
	"context"
	"database/sql"
)

type txContextKey struct{}

// ContextWithTx returns a context carrying an open transaction.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction carried by the context, if any.
// Entity services sharing the sync store's database use this to enlist in
// a batch-sync transaction.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok
}
