//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveMembers replaces the stored member set for the snapshot's group in one
// transaction, so readers never observe a half-written snapshot.
func (s *sqliteStore) SaveMembers(ctx context.Context, snap MemberSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.GroupID <= 0 {
		return errors.New("snapshot group_id must be > 0")
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(group_id, taken_at) VALUES(?,?)
		 ON CONFLICT(group_id) DO UPDATE SET taken_at=excluded.taken_at`,
		snap.GroupID, snap.TakenAt.Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE group_id = ?`, snap.GroupID); err != nil {
		return err
	}

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO members(group_id, user_id, first_name, last_name) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for _, m := range snap.Members {
		if _, err := ins.ExecContext(ctx, snap.GroupID, m.ID, nullStr(m.FirstName), nullStr(m.LastName)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) LastMembers(ctx context.Context, groupID int64) (MemberSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return MemberSnapshot{}, false, ErrDisabled
	}
	if groupID <= 0 {
		return MemberSnapshot{}, false, nil
	}

	var takenAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT taken_at FROM snapshots WHERE group_id = ?`, groupID).Scan(&takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MemberSnapshot{}, false, nil
	}
	if err != nil {
		return MemberSnapshot{}, false, err
	}

	snap := MemberSnapshot{GroupID: groupID}
	if ts, perr := time.Parse(time.RFC3339Nano, takenAt); perr == nil {
		snap.TakenAt = ts
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(first_name,''), COALESCE(last_name,'')
		 FROM members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return MemberSnapshot{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var m MemberRecord
		if err := rows.Scan(&m.ID, &m.FirstName, &m.LastName); err != nil {
			return MemberSnapshot{}, false, err
		}
		snap.Members = append(snap.Members, m)
	}
	if err := rows.Err(); err != nil {
		return MemberSnapshot{}, false, err
	}
	return snap, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
