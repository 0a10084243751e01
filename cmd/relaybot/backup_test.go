package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func init() {
	logger = slog.Default()
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	set := backupSet{
		entryConfig:  filepath.Join(src, "config.json"),
		entryDB:      filepath.Join(src, "relaybot.db"),
		entrySession: filepath.Join(src, "session.json"),
	}
	require.NoError(t, os.WriteFile(set[entryConfig], []byte(`{"general":{}}`), 0o600))
	require.NoError(t, os.WriteFile(set[entryDB], []byte("sqlite bytes"), 0o600))
	// session file intentionally absent

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	written, err := writeBackup(archive, set)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{entryConfig, entryDB}, written)

	dst := t.TempDir()
	target := backupSet{
		entryConfig:  filepath.Join(dst, "conf", "config.json"),
		entryDB:      filepath.Join(dst, "data", "relaybot.db"),
		entrySession: filepath.Join(dst, "session.json"),
	}
	restored, err := restoreBackup(archive, target, false)
	require.NoError(t, err)
	require.Len(t, restored, 2)

	got, err := os.ReadFile(target[entryDB])
	require.NoError(t, err)
	require.Equal(t, "sqlite bytes", string(got))
	_, err = os.Stat(target[entrySession])
	require.True(t, os.IsNotExist(err))
}

func TestRestoreRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0o600))
	set := backupSet{entryConfig: cfgPath}

	archive := filepath.Join(dir, "b.tar.gz")
	_, err := writeBackup(archive, set)
	require.NoError(t, err)

	_, err = restoreBackup(archive, set, false)
	require.ErrorContains(t, err, "use --force")

	restored, err := restoreBackup(archive, set, true)
	require.NoError(t, err)
	require.Equal(t, []string{cfgPath}, restored)
}

func TestBackupNothingToArchive(t *testing.T) {
	dir := t.TempDir()
	_, err := writeBackup(filepath.Join(dir, "b.tar.gz"), backupSet{entryConfig: filepath.Join(dir, "missing.json")})
	require.ErrorContains(t, err, "nothing to back up")
}
