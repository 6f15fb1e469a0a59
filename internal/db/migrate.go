package db

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// Execer executa SQL sem retorno de linhas.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate aplica o schema. Todas as instruções são idempotentes.
func Migrate(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}

// Schema devolve o SQL embutido.
func Schema() string {
	return schemaSQL
}
