package osmbridge

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("OSMBRIDGE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set OSMBRIDGE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationCleanup(t *testing.T, dsn string, ids []int64) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("cleanup open failed: %v", err)
	}
	defer db.Close()
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}
	in := strings.Join(placeholders, ",")
	for _, stmt := range []string{
		fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", postgresQuoteIdentifier(postgresEntitiesTable), in),
		fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", postgresQuoteIdentifier(postgresTagsTable), in),
		fmt.Sprintf("DELETE FROM %s WHERE path_id IN (%s)", postgresQuoteIdentifier(postgresPathPointsTable), in),
		fmt.Sprintf("DELETE FROM %s WHERE group_id IN (%s)", postgresQuoteIdentifier(postgresGroupMembersTable), in),
	} {
		if _, err := db.Exec(stmt, args...); err != nil {
			t.Logf("cleanup statement failed: %v", err)
		}
	}
}

func TestPostgresIntegrationEntityRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ids := []int64{910001, 910002, 910003, 910007}
	t.Cleanup(func() { postgresIntegrationCleanup(t, dsn, ids) })

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	point := &Entity{
		Kind: KindPoint, ID: 910001, Version: 2, Latitude: 48.2, Longitude: 16.3,
		Tags:             Tags{"amenity": "cafe", "name": "corner"},
		Provenance:       ProvenanceSynced,
		LastSynchronized: time.Now().UTC().Truncate(time.Microsecond),
		RemoteMeta:       RemoteMeta{Changeset: 5, UserName: "mapper", Visible: true},
	}
	if err := store.Upsert(ctx, point, nil); err != nil {
		t.Fatalf("upsert point failed: %v", err)
	}

	got, err := store.Get(ctx, KindPoint, 910001)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Version != 2 || got.Latitude != 48.2 || got.Tags["name"] != "corner" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.RemoteMeta.UserName != "mapper" {
		t.Fatalf("remote meta not persisted: %+v", got.RemoteMeta)
	}
	if !got.LastSynchronized.Equal(point.LastSynchronized) {
		t.Fatalf("sync timestamp mismatch: %s vs %s", got.LastSynchronized, point.LastSynchronized)
	}
}

func TestPostgresIntegrationPathEdgeOrderAndStubs(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ids := []int64{920001, 920002, 920003, 920007}
	t.Cleanup(func() { postgresIntegrationCleanup(t, dsn, ids) })

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	path := &Entity{
		Kind: KindPath, ID: 920007, Version: 1,
		PointIDs:   []int64{920003, 920001, 920002},
		Provenance: ProvenanceSynced,
	}
	stubs := []*Entity{
		Stub(KindPoint, 920001), Stub(KindPoint, 920002), Stub(KindPoint, 920003),
	}
	if err := store.Upsert(ctx, path, stubs); err != nil {
		t.Fatalf("upsert path failed: %v", err)
	}

	got, err := store.Get(ctx, KindPath, 920007)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	want := []int64{920003, 920001, 920002}
	if len(got.PointIDs) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(got.PointIDs))
	}
	for i := range want {
		if got.PointIDs[i] != want[i] {
			t.Fatalf("point order not preserved: %v", got.PointIDs)
		}
	}

	members, err := store.QueryLocal(ctx, Filter{Around: &Traversal{Kind: KindPath, ID: 920007}})
	if err != nil {
		t.Fatalf("traversal query failed: %v", err)
	}
	if len(members) != 3 || members[0].ID != 920003 {
		t.Fatalf("traversal did not honor edge order: %+v", members)
	}
	for _, m := range members {
		if m.Provenance != ProvenanceLocalOnly {
			t.Fatalf("stub member has unexpected provenance: %+v", m)
		}
	}
}

func TestPostgresIntegrationProvisionalIDs(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	first, err := store.NextProvisionalID(ctx)
	if err != nil {
		t.Fatalf("provisional id failed: %v", err)
	}
	second, err := store.NextProvisionalID(ctx)
	if err != nil {
		t.Fatalf("provisional id failed: %v", err)
	}
	if first >= 0 || second >= 0 {
		t.Fatalf("provisional ids must be negative: %d %d", first, second)
	}
	if first == second {
		t.Fatalf("provisional ids must be unique: %d", first)
	}
}
