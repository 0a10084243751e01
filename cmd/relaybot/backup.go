package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/config"

	"github.com/spf13/cobra"
)

// Archive entry names. Paths on disk come from the config at restore time.
const (
	entryConfig  = "config.json"
	entryDB      = "relaybot.db"
	entrySession = "device-session.json"
)

// backupSet maps archive entry names to files on disk.
type backupSet map[string]string

func backupSetFor(cfgPath string, cfg *config.Config) backupSet {
	set := backupSet{entryConfig: cfgPath}
	if cfg == nil {
		return set
	}
	set[entryDB] = cfg.Store.DBPath
	set[entryDB+"-wal"] = cfg.Store.DBPath + "-wal"
	set[entryDB+"-shm"] = cfg.Store.DBPath + "-shm"
	if s := cfg.Transports.DeviceLinked.SessionFile; s != "" {
		set[entrySession] = s
	}
	return set
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, database and device session",
		Long: `Creates a .tar.gz archive with the config file, the SQLite database
(conversation log, seen ids, alert cooldowns) and the device-linked session,
so a restored install resumes without re-pairing or re-firing alerts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("relaybot-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			written, err := writeBackup(outputPath, backupSetFor(cfgPath, cfg))
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Printf("Backup created: %s\n", outputPath)
			for _, e := range written {
				fmt.Printf("  - %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.relaybot/backups/relaybot-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore from an archive created by 'relaybot backup'",
		Long:  "Stop the gateway first. Existing files are only overwritten with --force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			// A missing or broken config is fine here, the archive carries one.
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
				cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
				cfg.Transports.DeviceLinked.SessionFile = config.ExpandPath(cfg.Transports.DeviceLinked.SessionFile)
			}

			restored, err := restoreBackup(args[0], backupSetFor(cfgPath, cfg), force)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored %d file(s) from %s\n", len(restored), args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// writeBackup archives every file of set that exists and returns the entry
// names written.
func writeBackup(outputPath string, set backupSet) ([]string, error) {
	var entries []string
	for name, path := range set {
		if _, err := os.Stat(path); err == nil {
			entries = append(entries, name)
		}
	}
	if len(entries) == 0 {
		return nil, errors.New("nothing to back up")
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, name := range entries {
		if err := addFileToTar(tw, name, set[name]); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return entries, out.Close()
}

func addFileToTar(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// restoreBackup extracts the entries of archivePath known to set. Unknown
// entries are skipped.
func restoreBackup(archivePath string, set backupSet, force bool) ([]string, error) {
	if !force {
		for _, path := range set {
			if _, err := os.Stat(path); err == nil && !strings.HasSuffix(path, "-wal") && !strings.HasSuffix(path, "-shm") {
				return nil, fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, err
		}
		target, ok := set[filepath.Base(hdr.Name)]
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return restored, err
		}
		if err := writeFileFrom(target, tr); err != nil {
			return restored, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFileFrom(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
