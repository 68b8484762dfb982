package db

import (
	"context"
	"database/sql"
)

// Database abstracts a relational store so repositories never depend on a
// concrete driver. Both the live MySQL pool and test fakes implement it.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction. The transaction is rolled
	// back if fn returns an error, committed otherwise.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// BeginTx starts a transaction with the given options.
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)

	// Ping verifies the connection is still alive.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error

	// Stats reports connection pool statistics.
	Stats() Stats
}

// Transaction is the subset of operations available inside a transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Querier abstracts query operations shared by Database and Transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Rows is the result of a query returning multiple rows.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of a query returning at most one row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result reports the outcome of an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// IsolationLevel mirrors sql.IsolationLevel.
type IsolationLevel int

const (
	LevelDefault IsolationLevel = iota
	LevelReadUncommitted
	LevelReadCommitted
	LevelWriteCommitted
	LevelRepeatableRead
	LevelSnapshot
	LevelSerializable
	LevelLinearizable
)

// TxOptions holds transaction options.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// ConvertTxOptions translates TxOptions to database/sql options.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	return &sql.TxOptions{
		Isolation: sql.IsolationLevel(opts.Isolation),
		ReadOnly:  opts.ReadOnly,
	}
}

// Stats holds connection pool statistics.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
}

// ConvertSQLStats translates database/sql statistics.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
	}
}
