package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/deemkeen/tusk/domain"
)

const (
	followColumns = `f.local_actor_id, f.remote_actor_uri, f.direction, f.state, f.outbox_activity_ref, f.inbound_activity_ref, f.created_at, f.updated_at`

	sqlInsertFollow = `INSERT INTO follows(local_actor_id, remote_actor_uri, direction, state, outbox_activity_ref, inbound_activity_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_actor_id, remote_actor_uri, direction) DO NOTHING`
	sqlSelectFollow = `SELECT ` + followColumns + ` FROM follows f
		WHERE f.local_actor_id = ? AND f.remote_actor_uri = ? AND f.direction = ?`
	sqlUpdateFollowState = `UPDATE follows SET state = ?, updated_at = ?
		WHERE local_actor_id = ? AND remote_actor_uri = ? AND direction = ? AND state = ?`
	sqlDeleteFollow = `DELETE FROM follows
		WHERE local_actor_id = ? AND remote_actor_uri = ? AND direction = ?`
	sqlDeleteFollowsByRemote = `DELETE FROM follows WHERE remote_actor_uri = ?`
	sqlSelectFollowsByRemote = `SELECT ` + followColumns + ` FROM follows f
		WHERE f.remote_actor_uri = ? AND f.direction = ? ORDER BY f.created_at`
	sqlSelectFollowerURIsByAuthority = `SELECT f.remote_actor_uri FROM follows f
		INNER JOIN remote_actors ra ON ra.uri = f.remote_actor_uri
		WHERE f.local_actor_id = ? AND f.direction = ? AND f.state = ? AND ra.inbox_authority = ?
		ORDER BY f.remote_actor_uri`
	sqlCountFollowsByState = `SELECT f.state, COUNT(*) FROM follows f
		WHERE f.local_actor_id = ? AND f.direction = ? GROUP BY f.state`
)

// InsertFollow creates the edge unless one already exists for the same
// (local actor, remote actor, direction). It reports whether a row was written.
func (db *DB) InsertFollow(ctx context.Context, f *domain.FollowRelationship) (bool, error) {
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertFollow,
			f.LocalActorID,
			f.RemoteActorURI,
			string(f.Direction),
			string(f.State),
			f.OutboxActivityRef,
			f.InboundActivityRef,
			toMillis(f.CreatedAt),
			toMillis(f.UpdatedAt),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	return created, err
}

// ReadFollow returns one edge or domain.ErrNotFound.
func (db *DB) ReadFollow(ctx context.Context, localActorID, remoteActorURI string, dir domain.Direction) (*domain.FollowRelationship, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectFollow, localActorID, remoteActorURI, string(dir))
	f, err := scanFollow(row)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// TransitionFollow moves an edge from one state to another. It reports false
// when the edge is missing or not in the expected state.
func (db *DB) TransitionFollow(ctx context.Context, localActorID, remoteActorURI string, dir domain.Direction, from, to domain.FollowState) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlUpdateFollowState,
		string(to), nowMillis(), localActorID, remoteActorURI, string(dir), string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteFollow removes an edge in any state and reports whether one existed.
func (db *DB) DeleteFollow(ctx context.Context, localActorID, remoteActorURI string, dir domain.Direction) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteFollow, localActorID, remoteActorURI, string(dir))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteFollowsByRemoteActor removes every edge touching the remote actor.
func (db *DB) DeleteFollowsByRemoteActor(ctx context.Context, remoteActorURI string) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteFollowsByRemote, remoteActorURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReadFollowsByRemoteActor lists the edges of one direction pointing at a remote actor.
func (db *DB) ReadFollowsByRemoteActor(ctx context.Context, remoteActorURI string, dir domain.Direction) ([]domain.FollowRelationship, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowsByRemote, remoteActorURI, string(dir))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFollows(rows)
}

// ReadFollowerURIsByAuthority returns the accepted followers of a local actor
// whose inbox lives on the given authority.
func (db *DB) ReadFollowerURIsByAuthority(ctx context.Context, localActorID, authority string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerURIsByAuthority,
		localActorID, string(domain.DirectionFollower), string(domain.FollowAccepted), authority)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// ListFollows returns one page of edges matching q, newest first.
func (db *DB) ListFollows(ctx context.Context, q domain.FollowQuery) (domain.FollowPage, error) {
	if q.PerPage <= 0 {
		q.PerPage = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	page := domain.FollowPage{Page: q.Page, PerPage: q.PerPage}

	var (
		where []string
		args  []any
	)
	from := ` FROM follows f`
	if q.Authority != "" {
		from += ` INNER JOIN remote_actors ra ON ra.uri = f.remote_actor_uri`
		where = append(where, `ra.inbox_authority = ?`)
		args = append(args, q.Authority)
	}
	if q.LocalActorID != "" {
		where = append(where, `f.local_actor_id = ?`)
		args = append(args, q.LocalActorID)
	}
	if q.Direction != "" {
		where = append(where, `f.direction = ?`)
		args = append(args, string(q.Direction))
	}
	if q.State != "" {
		where = append(where, `f.state = ?`)
		args = append(args, string(q.State))
	}
	if len(where) > 0 {
		from += ` WHERE ` + strings.Join(where, ` AND `)
	}

	if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, args...).Scan(&page.Total); err != nil {
		return page, err
	}

	query := `SELECT ` + followColumns + from + ` ORDER BY f.created_at DESC, f.remote_actor_uri LIMIT ? OFFSET ?`
	rows, err := db.db.QueryContext(ctx, query, append(args, q.PerPage, (q.Page-1)*q.PerPage)...)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	page.Items, err = scanFollows(rows)
	return page, err
}

// CountFollows groups a local actor's edges of one direction by state.
func (db *DB) CountFollows(ctx context.Context, localActorID string, dir domain.Direction) (map[domain.FollowState]int, error) {
	rows, err := db.db.QueryContext(ctx, sqlCountFollowsByState, localActorID, string(dir))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.FollowState]int{
		domain.FollowPending:  0,
		domain.FollowAccepted: 0,
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.FollowState(state)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollow(row rowScanner) (*domain.FollowRelationship, error) {
	var (
		f                domain.FollowRelationship
		dir, state       string
		created, updated int64
	)
	err := row.Scan(&f.LocalActorID, &f.RemoteActorURI, &dir, &state, &f.OutboxActivityRef, &f.InboundActivityRef, &created, &updated)
	if err != nil {
		return nil, err
	}
	f.Direction = domain.Direction(dir)
	f.State = domain.FollowState(state)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

func scanFollows(rows *sql.Rows) ([]domain.FollowRelationship, error) {
	var follows []domain.FollowRelationship
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, *f)
	}
	return follows, rows.Err()
}
