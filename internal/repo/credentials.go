package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"crewline/internal/domain"
)

// HashPasskey returns the SHA-256 hex digest of passkey followed by salt.
func HashPasskey(passkey, salt string) string {
	sum := sha256.Sum256([]byte(passkey + salt))
	return hex.EncodeToString(sum[:])
}

// UpsertCredential stores an agent's hashed passkey, replacing any previous one.
func (r Repo) UpsertCredential(ctx context.Context, tx *sql.Tx, c domain.AgentCredential) error {
	if c.AgentID == "" {
		return errors.New("agent_id required")
	}
	if c.PasskeyHash == "" || c.Salt == "" {
		return errors.New("passkey_hash and salt required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_credentials(agent_id, passkey_hash, salt, updated_at) VALUES (?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET passkey_hash=excluded.passkey_hash, salt=excluded.salt, updated_at=excluded.updated_at`,
		c.AgentID, c.PasskeyHash, c.Salt, c.UpdatedAt)
	return err
}

func (r Repo) GetCredentialTx(ctx context.Context, tx *sql.Tx, agentID string) (domain.AgentCredential, error) {
	var c domain.AgentCredential
	err := r.q(tx).QueryRowContext(ctx, `SELECT agent_id, passkey_hash, salt, updated_at FROM agent_credentials WHERE agent_id=?`, agentID).
		Scan(&c.AgentID, &c.PasskeyHash, &c.Salt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) DeleteCredential(ctx context.Context, tx *sql.Tx, agentID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM agent_credentials WHERE agent_id=?`, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
