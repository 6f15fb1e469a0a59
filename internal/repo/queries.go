package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 3 * time.Second

const passkeyColumns = `id, usuario_id, credential_id, public_key, sign_count, transports, aaguid, nickname, cloned, created_at, updated_at`

// Queries agrupa o acesso a usuarios e webauthn_credentials.
type Queries struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Queries {
	return &Queries{db: db}
}

func scanUsuario(row pgx.Row) (Usuario, error) {
	var u Usuario
	err := row.Scan(&u.ID, &u.Nome, &u.Email, &u.SenhaHash, &u.Ativo, &u.CriadoEm)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usuario{}, ErrNotFound
	}
	return u, err
}

func (q *Queries) GetUsuarioByEmail(ctx context.Context, email string) (Usuario, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return scanUsuario(q.db.QueryRow(ctx, `
		SELECT id, nome, email, senha_hash, ativo, criado_em FROM usuarios WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))))
}

func (q *Queries) GetUsuarioByID(ctx context.Context, id uuid.UUID) (Usuario, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return scanUsuario(q.db.QueryRow(ctx, `
		SELECT id, nome, email, senha_hash, ativo, criado_em FROM usuarios WHERE id = $1
	`, id))
}

// CreateUsuario cadastra uma credencial local. E-mail repetido vira ErrConflict.
func (q *Queries) CreateUsuario(ctx context.Context, nome, email, senhaHash string) (Usuario, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	u, err := scanUsuario(q.db.QueryRow(ctx, `
		INSERT INTO usuarios (nome, email, senha_hash)
		VALUES ($1, $2, $3)
		RETURNING id, nome, email, senha_hash, ativo, criado_em
	`, strings.TrimSpace(nome), strings.ToLower(strings.TrimSpace(email)), senhaHash))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Usuario{}, ErrConflict
	}
	return u, err
}

func scanPasskey(row pgx.Row) (Passkey, error) {
	var (
		p    Passkey
		sign int64
	)
	err := row.Scan(&p.ID, &p.UsuarioID, &p.CredentialID, &p.PublicKey, &sign, &p.Transports, &p.AAGUID, &p.Nickname, &p.Cloned, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Passkey{}, ErrNotFound
	}
	if err != nil {
		return Passkey{}, err
	}
	if sign < 0 {
		sign = 0
	}
	p.SignCount = uint32(sign)
	return p, nil
}

func (q *Queries) ListPasskeys(ctx context.Context, usuarioID uuid.UUID) ([]Passkey, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := q.db.Query(ctx, `SELECT `+passkeyColumns+` FROM webauthn_credentials WHERE usuario_id = $1 ORDER BY created_at DESC`, usuarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Passkey
	for rows.Next() {
		p, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queries) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (Passkey, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return scanPasskey(q.db.QueryRow(ctx, `SELECT `+passkeyColumns+` FROM webauthn_credentials WHERE credential_id = $1`, credentialID))
}

func (q *Queries) CreatePasskey(ctx context.Context, in NewPasskey) (Passkey, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	p, err := scanPasskey(q.db.QueryRow(ctx, `
		INSERT INTO webauthn_credentials (usuario_id, credential_id, public_key, sign_count, transports, aaguid, nickname)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+passkeyColumns,
		in.UsuarioID, in.CredentialID, in.PublicKey, int64(in.SignCount), in.Transports, in.AAGUID, in.Nickname,
	))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Passkey{}, ErrConflict
	}
	return p, err
}

// UpdatePasskeyCounter grava o contador de assinaturas e a marca de clone.
func (q *Queries) UpdatePasskeyCounter(ctx context.Context, id uuid.UUID, signCount uint32, cloned bool) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := q.db.Exec(ctx, `
		UPDATE webauthn_credentials SET sign_count = $2, cloned = $3, updated_at = now()
		WHERE id = $1
	`, id, int64(signCount), cloned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
