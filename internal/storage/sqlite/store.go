package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/storage"
	"github.com/italolelis/downloadd/internal/telemetry"
)

const historyCap = 1000

// Store implements storage.Store on a single SQLite handle. One mutex
// serializes every operation; SQLite is not trusted with concurrent use of
// one connection, and callers span several goroutines.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	tel       *telemetry.Telemetry
	onFailure func(error)
}

// NewStore wraps an initialized database handle. tel may be nil.
func NewStore(db *sql.DB, tel *telemetry.Telemetry) *Store {
	return &Store{db: db, tel: tel}
}

// OnFailure registers a hook raised whenever a database operation fails for a
// reason other than a missing row. An unreachable database leaves the daemon
// with no source of truth, so the hook's job is to escalate into shutdown.
// Set it before the store is shared across goroutines.
func (s *Store) OnFailure(fn func(error)) {
	s.onFailure = fn
}

func (s *Store) instrument(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.tel.InstrumentDBOperation(ctx, op, func(context.Context) error {
		return fn()
	})
	if err != nil && s.onFailure != nil && !errors.Is(err, storage.ErrNotFound) {
		s.onFailure(fmt.Errorf("database operation %s: %w", op, err))
	}

	return err
}

// ---- clients ----

func (s *Store) UpsertClient(ctx context.Context, rec storage.ClientRecord) error {
	return s.instrument(ctx, "upsert_client", func() error {
		_, err := s.db.Exec(`
			INSERT INTO clients (package, pid, uid, gid, security_label, last_access_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(package) DO UPDATE SET
				pid = excluded.pid,
				uid = excluded.uid,
				gid = excluded.gid,
				security_label = excluded.security_label,
				last_access_at = excluded.last_access_at
		`, rec.Package, rec.PID, rec.UID, rec.GID, rec.SecurityLabel, rec.LastAccessAt.Format(time.RFC3339))

		return err
	})
}

func (s *Store) GetClient(ctx context.Context, pkg string) (storage.ClientRecord, error) {
	var rec storage.ClientRecord

	err := s.instrument(ctx, "get_client", func() error {
		var lastAccess string

		err := s.db.QueryRow(`
			SELECT package, pid, uid, gid, security_label, last_access_at
			FROM clients WHERE package = ?
		`, pkg).Scan(&rec.Package, &rec.PID, &rec.UID, &rec.GID, &rec.SecurityLabel, &lastAccess)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}

		if err != nil {
			return err
		}

		rec.LastAccessAt, _ = time.Parse(time.RFC3339, lastAccess)

		return nil
	})

	return rec, err
}

func (s *Store) DeleteClient(ctx context.Context, pkg string) error {
	return s.instrument(ctx, "delete_client", func() error {
		_, err := s.db.Exec(`DELETE FROM clients WHERE package = ?`, pkg)

		return err
	})
}

func (s *Store) ClientPackages(ctx context.Context) ([]string, error) {
	var pkgs []string

	err := s.instrument(ctx, "client_packages", func() error {
		rows, err := s.db.Query(`SELECT package FROM clients ORDER BY last_access_at DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var pkg string
			if err := rows.Scan(&pkg); err != nil {
				return err
			}

			pkgs = append(pkgs, pkg)
		}

		return rows.Err()
	})

	return pkgs, err
}

// ---- requests ----

const requestColumns = `id, package, url, destination, filename, headers, network, state,
	error_code, received_bytes, file_size, content_type, temp_path, saved_path, etag,
	start_count, created_at, updated_at`

func (s *Store) SaveRequest(ctx context.Context, rec storage.RequestRecord) error {
	return s.instrument(ctx, "save_request", func() error {
		now := time.Now()

		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		_, err := s.db.Exec(`
			INSERT INTO requests (`+requestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				error_code = excluded.error_code,
				received_bytes = excluded.received_bytes,
				file_size = excluded.file_size,
				content_type = excluded.content_type,
				temp_path = excluded.temp_path,
				saved_path = excluded.saved_path,
				etag = excluded.etag,
				start_count = excluded.start_count,
				updated_at = excluded.updated_at
		`, rec.ID, rec.Package, rec.URL, rec.Destination, rec.Filename,
			strings.Join(rec.Headers, "\n"), int(rec.Network), int(rec.State),
			rec.ErrorCode, rec.ReceivedBytes, rec.FileSize, rec.ContentType,
			rec.TempPath, rec.SavedPath, rec.ETag, rec.StartCount,
			createdAt.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return err
		}

		if _, err := s.db.Exec(`
			INSERT INTO notification (request_id, enabled) VALUES (?, ?)
			ON CONFLICT(request_id) DO UPDATE SET enabled = excluded.enabled
		`, rec.ID, boolToInt(rec.Notification)); err != nil {
			return err
		}

		return s.appendLog(rec.ID, rec.State, rec.ErrorCode)
	})
}

func (s *Store) GetRequest(ctx context.Context, id int32) (storage.RequestRecord, error) {
	var rec storage.RequestRecord

	err := s.instrument(ctx, "get_request", func() error {
		row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)

		var err error

		rec, err = scanRequest(row)
		if err != nil {
			return err
		}

		var enabled int
		if err := s.db.QueryRow(`SELECT enabled FROM notification WHERE request_id = ?`, id).Scan(&enabled); err == nil {
			rec.Notification = enabled != 0
		}

		return nil
	})

	return rec, err
}

func (s *Store) RequestState(ctx context.Context, id int32) (download.State, error) {
	var state int

	err := s.instrument(ctx, "request_state", func() error {
		err := s.db.QueryRow(`SELECT state FROM requests WHERE id = ?`, id).Scan(&state)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}

		return err
	})

	return download.State(state), err
}

func (s *Store) SetRequestState(ctx context.Context, id int32, state download.State, errorCode string) error {
	return s.instrument(ctx, "set_request_state", func() error {
		res, err := s.db.Exec(`
			UPDATE requests SET state = ?, error_code = ?, updated_at = ? WHERE id = ?
		`, int(state), errorCode, time.Now().Format(time.RFC3339), id)
		if err != nil {
			return err
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}

		return s.appendLog(id, state, errorCode)
	})
}

func (s *Store) SetRequestProgress(ctx context.Context, id int32, received int64) error {
	return s.instrument(ctx, "set_request_progress", func() error {
		_, err := s.db.Exec(`
			UPDATE requests SET received_bytes = ?, updated_at = ? WHERE id = ?
		`, received, time.Now().Format(time.RFC3339), id)

		return err
	})
}

func (s *Store) SetRequestMetadata(ctx context.Context, id int32, contentType string, size int64, tempPath, savedPath, etag string) error {
	return s.instrument(ctx, "set_request_metadata", func() error {
		_, err := s.db.Exec(`
			UPDATE requests SET content_type = ?, file_size = ?, temp_path = ?, saved_path = ?, etag = ?, updated_at = ?
			WHERE id = ?
		`, contentType, size, tempPath, savedPath, etag, time.Now().Format(time.RFC3339), id)

		return err
	})
}

func (s *Store) SetRequestNotification(ctx context.Context, id int32, enabled bool) error {
	return s.instrument(ctx, "set_request_notification", func() error {
		_, err := s.db.Exec(`
			INSERT INTO notification (request_id, enabled) VALUES (?, ?)
			ON CONFLICT(request_id) DO UPDATE SET enabled = excluded.enabled
		`, id, boolToInt(enabled))

		return err
	})
}

func (s *Store) DeleteRequest(ctx context.Context, id int32) error {
	return s.instrument(ctx, "delete_request", func() error {
		if _, err := s.db.Exec(`DELETE FROM requests WHERE id = ?`, id); err != nil {
			return err
		}

		if _, err := s.db.Exec(`DELETE FROM notification WHERE request_id = ?`, id); err != nil {
			return err
		}

		_, err := s.db.Exec(`DELETE FROM logging WHERE request_id = ?`, id)

		return err
	})
}

func (s *Store) NonTerminalRequests(ctx context.Context) ([]storage.RequestRecord, error) {
	var recs []storage.RequestRecord

	err := s.instrument(ctx, "non_terminal_requests", func() error {
		rows, err := s.db.Query(`
			SELECT `+requestColumns+` FROM requests
			WHERE state NOT IN (?, ?, ?)
			ORDER BY created_at ASC
		`, int(download.StateCompleted), int(download.StateFailed), int(download.StateCanceled))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRequest(rows)
			if err != nil {
				return err
			}

			recs = append(recs, rec)
		}

		return rows.Err()
	})

	return recs, err
}

func (s *Store) RequestIDs(ctx context.Context, state download.State, limit int) ([]int32, error) {
	var ids []int32

	err := s.instrument(ctx, "request_ids", func() error {
		query := `SELECT id FROM requests`
		args := []any{}

		if state >= 0 {
			query += ` WHERE state = ?`
			args = append(args, int(state))
		}

		query += ` ORDER BY created_at ASC`

		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int32
			if err := rows.Scan(&id); err != nil {
				return err
			}

			ids = append(ids, id)
		}

		return rows.Err()
	})

	return ids, err
}

func (s *Store) StateLog(ctx context.Context, id int32) ([]storage.StateLogRecord, error) {
	var recs []storage.StateLogRecord

	err := s.instrument(ctx, "state_log", func() error {
		rows, err := s.db.Query(`
			SELECT request_id, state, error_code, logged_at FROM logging
			WHERE request_id = ? ORDER BY id ASC
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec storage.StateLogRecord

			var state int

			var loggedAt string

			if err := rows.Scan(&rec.RequestID, &state, &rec.ErrorCode, &loggedAt); err != nil {
				return err
			}

			rec.State = download.State(state)
			rec.LoggedAt, _ = time.Parse(time.RFC3339, loggedAt)

			recs = append(recs, rec)
		}

		return rows.Err()
	})

	return recs, err
}

// ---- history ----

func (s *Store) ArchiveRequest(ctx context.Context, rec storage.RequestRecord) error {
	return s.instrument(ctx, "archive_request", func() error {
		if _, err := s.db.Exec(`
			INSERT INTO history (id, package, url, filename, saved_path, content_type, file_size, state, error_code, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				error_code = excluded.error_code,
				saved_path = excluded.saved_path,
				finished_at = excluded.finished_at
		`, rec.ID, rec.Package, rec.URL, rec.Filename, rec.SavedPath, rec.ContentType,
			rec.FileSize, int(rec.State), rec.ErrorCode, time.Now().Format(time.RFC3339)); err != nil {
			return err
		}

		// Cap the archive, oldest rows first.
		if _, err := s.db.Exec(`
			DELETE FROM history WHERE id NOT IN (
				SELECT id FROM history ORDER BY finished_at DESC LIMIT ?
			)
		`, historyCap); err != nil {
			return err
		}

		if _, err := s.db.Exec(`DELETE FROM requests WHERE id = ?`, rec.ID); err != nil {
			return err
		}

		if _, err := s.db.Exec(`DELETE FROM notification WHERE request_id = ?`, rec.ID); err != nil {
			return err
		}

		_, err := s.db.Exec(`DELETE FROM logging WHERE request_id = ?`, rec.ID)

		return err
	})
}

func (s *Store) History(ctx context.Context, limit int) ([]storage.RequestRecord, error) {
	var recs []storage.RequestRecord

	err := s.instrument(ctx, "history", func() error {
		query := `
			SELECT id, package, url, filename, saved_path, content_type, file_size, state, error_code
			FROM history ORDER BY finished_at DESC
		`
		args := []any{}

		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec storage.RequestRecord

			var state int

			if err := rows.Scan(&rec.ID, &rec.Package, &rec.URL, &rec.Filename,
				&rec.SavedPath, &rec.ContentType, &rec.FileSize, &state, &rec.ErrorCode); err != nil {
				return err
			}

			rec.State = download.State(state)

			recs = append(recs, rec)
		}

		return rows.Err()
	})

	return recs, err
}

func (s *Store) PruneHistory(ctx context.Context, keepFor time.Duration) (int64, error) {
	var pruned int64

	err := s.instrument(ctx, "prune_history", func() error {
		cutoff := time.Now().Add(-keepFor).Format(time.RFC3339)

		res, err := s.db.Exec(`DELETE FROM history WHERE finished_at < ?`, cutoff)
		if err != nil {
			return err
		}

		pruned, _ = res.RowsAffected()

		return nil
	})

	return pruned, err
}

// ---- helpers ----

// appendLog must run with s.mu held.
func (s *Store) appendLog(id int32, state download.State, errorCode string) error {
	_, err := s.db.Exec(`
		INSERT INTO logging (request_id, state, error_code, logged_at) VALUES (?, ?, ?, ?)
	`, id, int(state), errorCode, time.Now().Format(time.RFC3339))

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (storage.RequestRecord, error) {
	var rec storage.RequestRecord

	var headers string

	var network, state int

	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &rec.Package, &rec.URL, &rec.Destination, &rec.Filename,
		&headers, &network, &state, &rec.ErrorCode, &rec.ReceivedBytes, &rec.FileSize,
		&rec.ContentType, &rec.TempPath, &rec.SavedPath, &rec.ETag, &rec.StartCount,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rec, storage.ErrNotFound
	}

	if err != nil {
		return rec, err
	}

	if headers != "" {
		rec.Headers = strings.Split(headers, "\n")
	}

	rec.Network = download.NetworkClass(network)
	rec.State = download.State(state)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
