package storage

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("journal closed")

// Entry is one journaled transition.
type Entry struct {
	ID       int64     `json:"id"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Caller   string    `json:"caller,omitempty"`
	Receiver string    `json:"receiver,omitempty"`
	CallKind string    `json:"call_kind,omitempty"`
	Token    string    `json:"token,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Record queues e for writing. It never blocks; when the writer is behind the
// entry is dropped and counted.
func (d *DB) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.enqueue(e)
}

// Flush waits until everything queued before it has been written.
func (d *DB) Flush(ctx context.Context) error {
	done := make(chan struct{})
	d.mu.RLock()
	if d.closed.Load() {
		d.mu.RUnlock()
		return ErrClosed
	}
	// Flush markers must not be dropped, so this send may block.
	select {
	case d.queue <- done:
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DB) insertEntry(e Entry) error {
	_, err := d.db.Exec(`
		INSERT INTO transitions (at, kind, caller, receiver, call_kind, token, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.Kind, e.Caller, e.Receiver, e.CallKind, e.Token, e.Detail,
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, at, kind, caller, receiver, call_kind, token, detail
		FROM transitions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.Caller, &e.Receiver, &e.CallKind, &e.Token, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than cutoff and reports how many went.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM transitions WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunRetention prunes entries older than keep every interval until ctx is done.
func (d *DB) RunRetention(ctx context.Context, keep, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Prune(ctx, time.Now().Add(-keep))
			if err != nil {
				log.Warnw("journal prune failed", "err", err)
				continue
			}
			if n > 0 {
				log.Infow("journal pruned", "rows", n, "keep", keep)
			}
		}
	}
}
