package osmbridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresEntitiesTable     = "osmbridge_entities"
	postgresTagsTable         = "osmbridge_entity_tags"
	postgresPathPointsTable   = "osmbridge_path_points"
	postgresGroupMembersTable = "osmbridge_group_members"
	postgresProvisionalSeq    = "osmbridge_provisional_seq"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the relational EntityStore adapter. Entities live in one
// row per (kind, id); tags and the ordered path-point and group-member edges
// live in side tables keyed by position.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					kind TEXT NOT NULL,
					id BIGINT NOT NULL,
					version BIGINT NOT NULL DEFAULT 0,
					latitude DOUBLE PRECISION,
					longitude DOUBLE PRECISION,
					provenance TEXT NOT NULL,
					last_synced TIMESTAMPTZ,
					remote_meta TEXT,
					pending_edits TEXT,
					PRIMARY KEY (kind, id)
				)`, postgresQuoteIdentifier(postgresEntitiesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					kind TEXT NOT NULL,
					id BIGINT NOT NULL,
					tag_key TEXT NOT NULL,
					tag_value TEXT NOT NULL,
					PRIMARY KEY (kind, id, tag_key)
				)`, postgresQuoteIdentifier(postgresTagsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					path_id BIGINT NOT NULL,
					position INT NOT NULL,
					point_id BIGINT NOT NULL,
					PRIMARY KEY (path_id, position)
				)`, postgresQuoteIdentifier(postgresPathPointsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					group_id BIGINT NOT NULL,
					position INT NOT NULL,
					member_kind TEXT NOT NULL,
					member_id BIGINT NOT NULL,
					role TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (group_id, position)
				)`, postgresQuoteIdentifier(postgresGroupMembersTable)),
			fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", postgresQuoteIdentifier(postgresProvisionalSeq)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id int64) (*Entity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT version, latitude, longitude, provenance, last_synced, remote_meta, pending_edits
		FROM %s WHERE kind = $1 AND id = $2`, postgresQuoteIdentifier(postgresEntitiesTable))
	var (
		version      int64
		latitude     sql.NullFloat64
		longitude    sql.NullFloat64
		provenance   string
		lastSynced   sql.NullTime
		remoteMeta   sql.NullString
		pendingEdits sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, string(kind), id).Scan(
		&version, &latitude, &longitude, &provenance, &lastSynced, &remoteMeta, &pendingEdits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e := &Entity{
		Kind:       kind,
		ID:         id,
		Version:    version,
		Latitude:   latitude.Float64,
		Longitude:  longitude.Float64,
		Provenance: Provenance(provenance),
	}
	if lastSynced.Valid {
		e.LastSynchronized = lastSynced.Time.UTC()
	}
	if remoteMeta.Valid && remoteMeta.String != "" {
		_ = json.Unmarshal([]byte(remoteMeta.String), &e.RemoteMeta)
	}
	if pendingEdits.Valid && pendingEdits.String != "" {
		_ = json.Unmarshal([]byte(pendingEdits.String), &e.PendingEdits)
	}
	if err := s.loadTags(ctx, e); err != nil {
		return nil, err
	}
	if err := s.loadEdges(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) loadTags(ctx context.Context, e *Entity) error {
	query := fmt.Sprintf(
		"SELECT tag_key, tag_value FROM %s WHERE kind = $1 AND id = $2",
		postgresQuoteIdentifier(postgresTagsTable))
	rows, err := s.db.QueryContext(ctx, query, string(e.Kind), e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if e.Tags == nil {
			e.Tags = Tags{}
		}
		e.Tags[k] = v
	}
	return rows.Err()
}

func (s *PostgresStore) loadEdges(ctx context.Context, e *Entity) error {
	switch e.Kind {
	case KindPath:
		query := fmt.Sprintf(
			"SELECT point_id FROM %s WHERE path_id = $1 ORDER BY position ASC",
			postgresQuoteIdentifier(postgresPathPointsTable))
		rows, err := s.db.QueryContext(ctx, query, e.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pointID int64
			if err := rows.Scan(&pointID); err != nil {
				return err
			}
			e.PointIDs = append(e.PointIDs, pointID)
		}
		return rows.Err()
	case KindGroup:
		query := fmt.Sprintf(
			"SELECT member_kind, member_id, role FROM %s WHERE group_id = $1 ORDER BY position ASC",
			postgresQuoteIdentifier(postgresGroupMembersTable))
		rows, err := s.db.QueryContext(ctx, query, e.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Member
			var kind string
			if err := rows.Scan(&kind, &m.ID, &m.Role); err != nil {
				return err
			}
			m.Kind = Kind(kind)
			e.Members = append(e.Members, m)
		}
		return rows.Err()
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entity *Entity, stubs []*Entity) error {
	if entity == nil || !entity.Kind.Valid() || entity.ID == 0 {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, stub := range stubs {
		if stub == nil || !stub.Kind.Valid() || stub.ID == 0 {
			return ErrInvalidInput
		}
		if err := s.insertStubTx(ctx, tx, stub); err != nil {
			return err
		}
	}
	if err := s.upsertEntityTx(ctx, tx, entity); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) insertStubTx(ctx context.Context, tx *sql.Tx, stub *Entity) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (kind, id, version, provenance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO NOTHING`, postgresQuoteIdentifier(postgresEntitiesTable))
	_, err := tx.ExecContext(ctx, query, string(stub.Kind), stub.ID, stub.Version, string(stub.Provenance))
	return err
}

func (s *PostgresStore) upsertEntityTx(ctx context.Context, tx *sql.Tx, e *Entity) error {
	var latitude, longitude any
	if e.Kind == KindPoint {
		latitude, longitude = e.Latitude, e.Longitude
	}
	var lastSynced any
	if !e.LastSynchronized.IsZero() {
		lastSynced = e.LastSynchronized.UTC()
	}
	remoteMeta, err := json.Marshal(e.RemoteMeta)
	if err != nil {
		return err
	}
	pendingEdits, err := json.Marshal(e.PendingEdits)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (kind, id, version, latitude, longitude, provenance, last_synced, remote_meta, pending_edits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (kind, id) DO UPDATE SET
			version = EXCLUDED.version,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			provenance = EXCLUDED.provenance,
			last_synced = EXCLUDED.last_synced,
			remote_meta = EXCLUDED.remote_meta,
			pending_edits = EXCLUDED.pending_edits`, postgresQuoteIdentifier(postgresEntitiesTable))
	if _, err := tx.ExecContext(ctx, query,
		string(e.Kind), e.ID, e.Version, latitude, longitude,
		string(e.Provenance), lastSynced, string(remoteMeta), string(pendingEdits)); err != nil {
		return err
	}

	deleteTags := fmt.Sprintf("DELETE FROM %s WHERE kind = $1 AND id = $2", postgresQuoteIdentifier(postgresTagsTable))
	if _, err := tx.ExecContext(ctx, deleteTags, string(e.Kind), e.ID); err != nil {
		return err
	}
	insertTag := fmt.Sprintf(
		"INSERT INTO %s (kind, id, tag_key, tag_value) VALUES ($1, $2, $3, $4)",
		postgresQuoteIdentifier(postgresTagsTable))
	for k, v := range e.Tags {
		if _, err := tx.ExecContext(ctx, insertTag, string(e.Kind), e.ID, k, v); err != nil {
			return err
		}
	}

	switch e.Kind {
	case KindPath:
		deletePoints := fmt.Sprintf("DELETE FROM %s WHERE path_id = $1", postgresQuoteIdentifier(postgresPathPointsTable))
		if _, err := tx.ExecContext(ctx, deletePoints, e.ID); err != nil {
			return err
		}
		insertPoint := fmt.Sprintf(
			"INSERT INTO %s (path_id, position, point_id) VALUES ($1, $2, $3)",
			postgresQuoteIdentifier(postgresPathPointsTable))
		for i, pointID := range e.PointIDs {
			if _, err := tx.ExecContext(ctx, insertPoint, e.ID, i, pointID); err != nil {
				return err
			}
		}
	case KindGroup:
		deleteMembers := fmt.Sprintf("DELETE FROM %s WHERE group_id = $1", postgresQuoteIdentifier(postgresGroupMembersTable))
		if _, err := tx.ExecContext(ctx, deleteMembers, e.ID); err != nil {
			return err
		}
		insertMember := fmt.Sprintf(
			"INSERT INTO %s (group_id, position, member_kind, member_id, role) VALUES ($1, $2, $3, $4, $5)",
			postgresQuoteIdentifier(postgresGroupMembersTable))
		for i, m := range e.Members {
			if _, err := tx.ExecContext(ctx, insertMember, e.ID, i, string(m.Kind), m.ID, m.Role); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PostgresStore) QueryLocal(ctx context.Context, f Filter) ([]*Entity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if f.Around != nil {
		return s.queryMembers(ctx, f)
	}
	clauses := []string{"1=1"}
	args := []any{}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			args = append(args, string(k))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, fmt.Sprintf("e.kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.BBox != nil {
		args = append(args, f.BBox.MinLat, f.BBox.MaxLat, f.BBox.MinLon, f.BBox.MaxLon)
		clauses = append(clauses, fmt.Sprintf(
			"e.kind = 'point' AND e.latitude BETWEEN $%d AND $%d AND e.longitude BETWEEN $%d AND $%d",
			len(args)-3, len(args)-2, len(args)-1, len(args)))
	}
	for _, p := range f.Predicates {
		args = append(args, p.Key)
		keyIdx := len(args)
		if p.Op == PredicateEquals {
			args = append(args, p.Value)
			clauses = append(clauses, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s t WHERE t.kind = e.kind AND t.id = e.id AND t.tag_key = $%d AND t.tag_value = $%d)",
				postgresQuoteIdentifier(postgresTagsTable), keyIdx, len(args)))
		} else {
			clauses = append(clauses, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s t WHERE t.kind = e.kind AND t.id = e.id AND t.tag_key = $%d)",
				postgresQuoteIdentifier(postgresTagsTable), keyIdx))
		}
	}
	query := fmt.Sprintf(
		"SELECT e.kind, e.id FROM %s e WHERE %s ORDER BY e.kind, e.id",
		postgresQuoteIdentifier(postgresEntitiesTable), strings.Join(clauses, " AND "))
	return s.collect(ctx, query, args...)
}

func (s *PostgresStore) queryMembers(ctx context.Context, f Filter) ([]*Entity, error) {
	var query string
	switch f.Around.Kind {
	case KindPath:
		query = fmt.Sprintf(`
			SELECT e.kind, e.id FROM %s p
			JOIN %s e ON e.kind = 'point' AND e.id = p.point_id
			WHERE p.path_id = $1 ORDER BY p.position ASC`,
			postgresQuoteIdentifier(postgresPathPointsTable),
			postgresQuoteIdentifier(postgresEntitiesTable))
	case KindGroup:
		query = fmt.Sprintf(`
			SELECT e.kind, e.id FROM %s m
			JOIN %s e ON e.kind = m.member_kind AND e.id = m.member_id
			WHERE m.group_id = $1 ORDER BY m.position ASC`,
			postgresQuoteIdentifier(postgresGroupMembersTable),
			postgresQuoteIdentifier(postgresEntitiesTable))
	default:
		return nil, fmt.Errorf("%w: traversal must start at a path or group", ErrInvalidFilter)
	}
	entities, err := s.collect(ctx, query, f.Around.ID)
	if err != nil {
		return nil, err
	}
	if len(f.Kinds) == 0 {
		return entities, nil
	}
	filtered := entities[:0]
	for _, e := range entities {
		if f.wantsKind(e.Kind) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *PostgresStore) collect(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	type ref struct {
		kind Kind
		id   int64
	}
	refs := make([]ref, 0)
	for rows.Next() {
		var kind string
		var id int64
		if err := rows.Scan(&kind, &id); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref{kind: Kind(kind), id: id})
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return nil, closeErr
	}
	out := make([]*Entity, 0, len(refs))
	for _, r := range refs {
		e, err := s.Get(ctx, r.kind, r.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *PostgresStore) NextProvisionalID(ctx context.Context) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT -nextval('%s')", strings.ReplaceAll(postgresProvisionalSeq, "'", "''"))
	var id int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
