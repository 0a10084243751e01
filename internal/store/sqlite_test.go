package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)

	for _, table := range []string{"turns", "seen_messages", "alert_cooldowns", "schema_version"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))
	require.NoError(t, RunMigrations(db, testLogger()))

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}

func TestRunMigrations_ToleratesPreappliedColumn(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	require.NoError(t, applyMigration(db, migrations[0], logger))
	_, err := db.Exec("ALTER TABLE turns ADD COLUMN transport TEXT DEFAULT ''")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(db, logger))
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	version, err := GetSchemaVersion(testDB(t))
	require.NoError(t, err)
	require.Zero(t, version)
}

func TestTurns_AppendAndWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		require.NoError(t, s.AppendTurn(ctx, domain.ConversationTurn{
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			Channel:   "+15550001111",
			Transport: domain.TransportCloud,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendTurn(ctx, domain.ConversationTurn{Role: domain.RoleUser, Content: "other", Channel: "+1999"}))

	turns, err := s.RecentTurns(ctx, "+15550001111", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "turn 2", turns[0].Content)
	require.Equal(t, "turn 4", turns[2].Content)
	require.Equal(t, domain.RoleUser, turns[2].Role)
	require.Equal(t, domain.TransportCloud, turns[0].Transport)
	require.True(t, turns[0].Timestamp.Equal(base.Add(2*time.Minute)))

	n, err := s.CountTurns(ctx, "+15550001111")
	require.NoError(t, err)
	require.Equal(t, 5, n, "full log is retained")
}

func TestSeen_BoundedRetention(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkSeen(ctx, []string{"a", "b", "c"}, 4))
	require.NoError(t, s.MarkSeen(ctx, []string{"c", "d", "e"}, 4))

	ids, err := s.LoadSeen(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d", "e"}, ids)

	ids, err = s.LoadSeen(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"d", "e"}, ids)
}

func TestSeen_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.MarkSeen(ctx, []string{"SM1"}, 10))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer s.Close()
	ids, err := s.LoadSeen(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"SM1"}, ids)
}

func TestCooldowns_Upsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	first := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	require.NoError(t, s.SaveCooldown(ctx, "market.drop", first))
	require.NoError(t, s.SaveCooldown(ctx, "market.drop", second))
	require.NoError(t, s.SaveCooldown(ctx, "goal.due", first))

	got, err := s.LoadCooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got["market.drop"].Equal(second))
	require.True(t, got["goal.due"].Equal(first))
}
