package tokenstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/disruptek/kernelcore/internal/kernelerrors"
)

// PostgresStore is a durable Store backed by Postgres. The resource
// reference, permission list, metadata and issue time are encrypted at rest
// with AES-GCM before being written, the same envelope the teacher's secrets
// manager uses for user secrets. The token hash (already a one-way digest),
// tenant ID, expiry and revoked flag are kept in the clear, since ListTenant
// and CleanupExpired query on them.
type PostgresStore struct {
	db   *sql.DB
	aead cipher.AEAD
}

// NewPostgresStore wraps an open *sql.DB with a 32-byte master key used to
// encrypt capability records at rest.
func NewPostgresStore(db *sql.DB, masterKey []byte) (*PostgresStore, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("tokenstore: master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, aead: aead}, nil
}

const createTokenTableSQL = `
CREATE TABLE IF NOT EXISTS kernel_capability_tokens (
	token_hash TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE,
	envelope   BYTEA NOT NULL
)`

// EnsureSchema creates the token table if it does not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createTokenTableSQL)
	return err
}

type envelopePayload struct {
	ResourceRef string                 `json:"resource_ref"`
	Permissions []string               `json:"permissions"`
	Metadata    map[string]interface{} `json:"metadata"`
	IssuedAt    time.Time              `json:"issued_at"`
}

func (s *PostgresStore) seal(rec Record) ([]byte, error) {
	body, err := json.Marshal(envelopePayload{
		ResourceRef: rec.ResourceRef,
		Permissions: rec.Permissions,
		Metadata:    rec.Metadata,
		IssuedAt:    rec.IssuedAt,
	})
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := s.aead.Seal(nil, nonce, body, nil)
	return append(nonce, ciphertext...), nil
}

func (s *PostgresStore) open(envelope []byte) (envelopePayload, error) {
	nonceSize := s.aead.NonceSize()
	if len(envelope) < nonceSize {
		return envelopePayload{}, errors.New("tokenstore: envelope too short")
	}
	nonce, ciphertext := envelope[:nonceSize], envelope[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return envelopePayload{}, err
	}
	var payload envelopePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return envelopePayload{}, err
	}
	return payload, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	envelope, err := s.seal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kernel_capability_tokens (token_hash, tenant_id, expires_at, revoked, envelope)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (token_hash) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			expires_at = EXCLUDED.expires_at,
			revoked = EXCLUDED.revoked,
			envelope = EXCLUDED.envelope
	`, rec.TokenHash, rec.TenantID, nullableTime(rec.ExpiresAt), rec.Revoked, envelope)
	return err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PostgresStore) scanRecord(hash, tenantID string, expiresAt sql.NullTime, revoked bool, envelope []byte) (Record, error) {
	payload, err := s.open(envelope)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		TokenHash:   hash,
		TenantID:    tenantID,
		ResourceRef: payload.ResourceRef,
		Permissions: payload.Permissions,
		Metadata:    payload.Metadata,
		IssuedAt:    payload.IssuedAt,
		Revoked:     revoked,
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, tokenHash string) (Record, error) {
	var tenantID string
	var expiresAt sql.NullTime
	var revoked bool
	var envelope []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, expires_at, revoked, envelope
		FROM kernel_capability_tokens WHERE token_hash = $1
	`, tokenHash)
	if err := row.Scan(&tenantID, &expiresAt, &revoked, &envelope); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, kernelerrors.NotFound("capability", tokenHash)
		}
		return Record{}, err
	}
	return s.scanRecord(tokenHash, tenantID, expiresAt, revoked, envelope)
}

func (s *PostgresStore) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kernel_capability_tokens WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *PostgresStore) ListTenant(ctx context.Context, tenantID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_hash, expires_at, revoked, envelope
		FROM kernel_capability_tokens WHERE tenant_id = $1 AND revoked = FALSE
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var hash string
		var expiresAt sql.NullTime
		var revoked bool
		var envelope []byte
		if err := rows.Scan(&hash, &expiresAt, &revoked, &envelope); err != nil {
			return nil, err
		}
		rec, err := s.scanRecord(hash, tenantID, expiresAt, revoked, envelope)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RestoreAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_hash, tenant_id, expires_at, revoked, envelope FROM kernel_capability_tokens
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var hash, tenantID string
		var expiresAt sql.NullTime
		var revoked bool
		var envelope []byte
		if err := rows.Scan(&hash, &tenantID, &expiresAt, &revoked, &envelope); err != nil {
			return nil, err
		}
		rec, err := s.scanRecord(hash, tenantID, expiresAt, revoked, envelope)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kernel_capability_tokens WHERE expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
