// Package repository is the sole SQL boundary for the ingestion, dedup,
// and task-queue subsystems. It talks directly to pgxpool.Pool with
// hand-written SQL; there is no ORM or generated query builder in this
// module, so every statement lives here rather than behind codegen.
package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository wraps the connection pool and exposes the persistence
// operations used by the ingestion orchestrator, dedup engine, and
// task queue worker.
type Repository struct {
	pool *pgxpool.Pool
}

// New returns a Repository backed by pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Sentinel errors live in errors.go; ErrNoRows is declared in runs.go.
