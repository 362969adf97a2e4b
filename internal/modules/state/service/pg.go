package service

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"croupier_bot/internal/models"
	"croupier_bot/pkg/db"
)

// PgStore mirrors snapshots into Postgres for durability beyond the local
// disk. Schema:
//
//	CREATE TABLE IF NOT EXISTS state_snapshots (
//	    id         BIGSERIAL PRIMARY KEY,
//	    session_id TEXT NOT NULL,
//	    payload    JSONB NOT NULL,
//	    saved_at   TIMESTAMPTZ NOT NULL
//	);
type PgStore struct {
	txm db.TxManager

	// retain limits how many rows a session keeps
	retain int
}

func NewPgStore(txm db.TxManager) *PgStore {
	return &PgStore{txm: txm, retain: 10}
}

func (s *PgStore) Save(snap models.StateSnapshot) error {
	payload, err := sonic.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctxTx,
			`INSERT INTO state_snapshots (session_id, payload, saved_at) VALUES ($1, $2, $3)`,
			snap.SessionID, payload, snap.SavedAt,
		); err != nil {
			return errors.Wrap(err, "insert snapshot")
		}
		_, err := tx.Exec(ctxTx,
			`DELETE FROM state_snapshots
			 WHERE session_id = $1 AND id NOT IN (
			     SELECT id FROM state_snapshots WHERE session_id = $1 ORDER BY id DESC LIMIT $2
			 )`,
			snap.SessionID, s.retain,
		)
		return errors.Wrap(err, "trim snapshots")
	})
}

func (s *PgStore) Load() (models.StateSnapshot, error) {
	var snap models.StateSnapshot
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var payload []byte
	err := s.txm.Conn().QueryRow(ctx,
		`SELECT payload FROM state_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snap, ErrNoSnapshot
		}
		return snap, errors.Wrap(err, "select snapshot")
	}
	if err := sonic.Unmarshal(payload, &snap); err != nil {
		return snap, errors.Wrap(err, "unmarshal snapshot")
	}
	return snap, nil
}
