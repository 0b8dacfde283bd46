package storage

import (
	"context"
	"time"
)

// SeenIdentity is the last known presence of an identity. Rows are never
// removed by going offline; they record when the identity was last around.
type SeenIdentity struct {
	Identity    string    `json:"identity"`
	Status      string    `json:"status"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Connections int64     `json:"connections"`
}

type seen struct {
	identity  string
	status    string
	at        time.Time
	connected bool
}

// TouchIdentity queues a presence update for identity. connected counts a
// new registration.
func (d *DB) TouchIdentity(identity, status string, at time.Time, connected bool) {
	if at.IsZero() {
		at = time.Now()
	}
	d.enqueue(seen{identity: identity, status: status, at: at, connected: connected})
}

func (d *DB) upsertIdentity(s seen) error {
	inc := 0
	if s.connected {
		inc = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO identities (identity, status, first_seen, last_seen, connections)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			status      = excluded.status,
			last_seen   = excluded.last_seen,
			connections = identities.connections + excluded.connections`,
		s.identity, s.status, s.at.UnixMilli(), s.at.UnixMilli(), inc,
	)
	return err
}

// ListIdentities returns every identity ever seen, most recent first.
func (d *DB) ListIdentities(ctx context.Context) ([]SeenIdentity, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT identity, status, first_seen, last_seen, connections
		FROM identities
		ORDER BY last_seen DESC, identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SeenIdentity{}
	for rows.Next() {
		var s SeenIdentity
		var first, last int64
		if err := rows.Scan(&s.Identity, &s.Status, &first, &last, &s.Connections); err != nil {
			return nil, err
		}
		s.FirstSeen = time.UnixMilli(first)
		s.LastSeen = time.UnixMilli(last)
		out = append(out, s)
	}
	return out, rows.Err()
}
