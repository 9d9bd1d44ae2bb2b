package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleksandrSl/client/internal/action"
	"github.com/AleksandrSl/client/internal/oplog"
)

// Add appends an entry, assigning meta.Added from the log position
// counter. Returns false without writing when the ID already exists.
func (s *Store) Add(ctx context.Context, a action.Action, meta *action.Meta) (bool, error) {
	payload, err := marshalAction(a)
	if err != nil {
		return false, fmt.Errorf("add %s: %w", meta.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("add %s: begin: %w", meta.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO actions (id, added, time, type, payload, sync)
		VALUES (?, (SELECT COALESCE(MAX(added), 0) + 1 FROM actions), ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(meta.ID), meta.Time, a.Type, payload, boolToInt(meta.Sync))
	if err != nil {
		return false, fmt.Errorf("add %s: %w", meta.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add %s: %w", meta.ID, err)
	}
	if inserted == 0 {
		return false, nil
	}

	for _, reason := range meta.Reasons {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reasons (action_id, reason) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			string(meta.ID), reason); err != nil {
			return false, fmt.Errorf("add %s: reason %q: %w", meta.ID, reason, err)
		}
	}
	for _, idx := range meta.Indexes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO indexes (action_id, idx) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			string(meta.ID), idx); err != nil {
			return false, fmt.Errorf("add %s: index %q: %w", meta.ID, idx, err)
		}
	}

	var added uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT added FROM actions WHERE id = ?`, string(meta.ID)).Scan(&added); err != nil {
		return false, fmt.Errorf("add %s: read position: %w", meta.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("add %s: commit: %w", meta.ID, err)
	}
	meta.Added = added
	return true, nil
}

// ByID returns the entry with the given ID, or nil when absent.
func (s *Store) ByID(ctx context.Context, id action.ID) (*oplog.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, added, time, type, payload, sync FROM actions WHERE id = ?`, string(id))
	entry, err := scanBase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Remove deletes the entry with the given ID and returns it, or nil.
func (s *Store) Remove(ctx context.Context, id action.ID) (*oplog.Entry, error) {
	entry, err := s.ByID(ctx, id)
	if err != nil || entry == nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, string(id)); err != nil {
		return nil, fmt.Errorf("remove %s: %w", id, err)
	}
	return entry, nil
}

// Each iterates entries newest first, honoring opts.Index.
func (s *Store) Each(ctx context.Context, opts oplog.EachOptions, visit oplog.Visit) error {
	query := `SELECT id, added, time, type, payload, sync FROM actions ORDER BY added DESC`
	args := []any{}
	if opts.Index != "" {
		query = `
			SELECT a.id, a.added, a.time, a.type, a.payload, a.sync
			FROM actions a
			JOIN indexes i ON i.action_id = a.id
			WHERE i.idx = ?
			ORDER BY a.added DESC`
		args = append(args, opts.Index)
	}

	// Collect first: the pool holds one connection, so tag reads and
	// visit callbacks must not run while the base rows are open.
	entries, err := s.collectEntries(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("each: %w", err)
	}

	for _, entry := range entries {
		cont, err := visit(entry.Action, entry.Meta)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// SetReasons replaces an entry's retention reasons with a non-empty list.
func (s *Store) SetReasons(ctx context.Context, id action.ID, reasons []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("set reasons %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE id = ?`, string(id)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set reasons %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reasons WHERE action_id = ?`, string(id)); err != nil {
		return false, fmt.Errorf("set reasons %s: %w", id, err)
	}
	for _, reason := range reasons {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reasons (action_id, reason) VALUES (?, ?)`, string(id), reason); err != nil {
			return false, fmt.Errorf("set reasons %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("set reasons %s: commit: %w", id, err)
	}
	return true, nil
}

// RemoveReason drops one reason from every matching entry, bounded by
// opts.OlderThan. Entries left without reasons are deleted and reported
// through cleaned.
func (s *Store) RemoveReason(ctx context.Context, reason string, opts oplog.RemoveOptions, cleaned func(oplog.Entry)) error {
	matched, err := s.collectEntries(ctx, `
		SELECT a.id, a.added, a.time, a.type, a.payload, a.sync
		FROM actions a
		JOIN reasons r ON r.action_id = a.id
		WHERE r.reason = ?
		ORDER BY a.added DESC`, reason)
	if err != nil {
		return fmt.Errorf("remove reason %q: %w", reason, err)
	}

	for _, entry := range matched {
		if opts.OlderThan != nil && !action.IsFirstOlder(entry.Meta, opts.OlderThan) {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM reasons WHERE action_id = ? AND reason = ?`,
			string(entry.Meta.ID), reason); err != nil {
			return fmt.Errorf("remove reason %q: %w", reason, err)
		}

		var remaining int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reasons WHERE action_id = ?`,
			string(entry.Meta.ID)).Scan(&remaining); err != nil {
			return fmt.Errorf("remove reason %q: %w", reason, err)
		}
		if remaining > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM actions WHERE id = ?`, string(entry.Meta.ID)); err != nil {
			return fmt.Errorf("remove reason %q: %w", reason, err)
		}
		if cleaned != nil {
			dropped := *entry
			dropped.Meta = entry.Meta.Clone()
			dropped.Meta.Reasons = nil
			cleaned(dropped)
		}
	}
	return nil
}

// Len returns the number of retained entries. Used by tests and the
// compact command.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// collectEntries runs an entry query, drains and closes the rows, then
// fetches tags. The two phases never overlap: with one pooled
// connection, a tag query issued while the entry rows are still open
// would wait on the connection those rows hold.
func (s *Store) collectEntries(ctx context.Context, query string, args ...any) ([]*oplog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var entries []*oplog.Entry
	for rows.Next() {
		entry, err := scanBase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if err := s.loadTags(ctx, entry); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func scanBase(row rowScanner) (*oplog.Entry, error) {
	var (
		id      string
		added   uint64
		time    int64
		typ     string
		payload string
		synced  int
	)
	if err := row.Scan(&id, &added, &time, &typ, &payload, &synced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	var a action.Action
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, &oplog.InconsistencyError{Op: "scan entry", ID: action.ID(id), Err: err}
	}
	if a.Type == "" {
		a.Type = typ
	}

	return &oplog.Entry{Action: a, Meta: &action.Meta{
		ID:    action.ID(id),
		Time:  time,
		Added: added,
		Sync:  synced != 0,
	}}, nil
}

func (s *Store) loadTags(ctx context.Context, entry *oplog.Entry) error {
	id := string(entry.Meta.ID)

	reasons, err := s.tags(ctx, `SELECT reason FROM reasons WHERE action_id = ? ORDER BY reason`, id)
	if err != nil {
		return err
	}
	entry.Meta.Reasons = reasons

	indexes, err := s.tags(ctx, `SELECT idx FROM indexes WHERE action_id = ? ORDER BY idx`, id)
	if err != nil {
		return err
	}
	entry.Meta.Indexes = indexes
	return nil
}

func (s *Store) tags(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("tags: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// marshalAction encodes an action as canonical JSON so two logs holding
// the same actions store byte-identical payloads.
func marshalAction(a action.Action) (string, error) {
	obj := map[string]any{"type": a.Type}
	if a.ID != "" {
		obj["id"] = a.ID
	}
	if a.Fields != nil {
		obj["fields"] = a.Fields
	}
	if a.Channel != "" {
		obj["channel"] = a.Channel
	}
	if a.Creating {
		obj["creating"] = true
	}
	if a.Reason != "" {
		obj["reason"] = a.Reason
	}
	payload, err := action.MarshalFields(obj)
	if err != nil {
		return "", fmt.Errorf("marshal action %q: %w", a.Type, err)
	}
	return string(payload), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
