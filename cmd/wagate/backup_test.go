package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"wagate/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "config.json"), `{"server":{}}`)
	writeFile(t, filepath.Join(src, "wagate.db"), "db")
	writeFile(t, filepath.Join(src, "wagate.db-wal"), "wal")
	writeFile(t, filepath.Join(src, "auth", "ch1", "session.db"), "creds")

	// the profiles root does not exist and is skipped
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	n, _, err := createTarGz(archive, map[string]string{
		archiveConfig:   filepath.Join(src, "config.json"),
		archiveDB:       filepath.Join(src, "wagate.db"),
		archiveAuth:     filepath.Join(src, "auth"),
		archiveProfiles: filepath.Join(src, "profiles"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("archived %d files, want 4", n)
	}

	dst := t.TempDir()
	restored, err := extractTarGz(archive, map[string]string{
		archiveConfig: filepath.Join(dst, "cfg", "wagate.json"),
		archiveDB:     filepath.Join(dst, "data", "channels.db"),
		archiveAuth:   filepath.Join(dst, "auth"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if restored != 4 {
		t.Errorf("restored %d files, want 4", restored)
	}

	checks := map[string]string{
		filepath.Join(dst, "cfg", "wagate.json"):        `{"server":{}}`,
		filepath.Join(dst, "data", "channels.db"):       "db",
		filepath.Join(dst, "data", "channels.db-wal"):   "wal",
		filepath.Join(dst, "auth", "ch1", "session.db"): "creds",
	}
	for path, want := range checks {
		if got := readFile(t, path); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.tar.gz")
	writeFile(t, path, "plain text")
	if _, err := extractTarGz(path, map[string]string{}); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestRender(t *testing.T) {
	got := render("ExecStart={{EXEC}} serve --config {{CONFIG}}", map[string]string{
		"EXEC":   "/usr/local/bin/wagate",
		"CONFIG": "/etc/wagate.yaml",
	})
	want := "ExecStart=/usr/local/bin/wagate serve --config /etc/wagate.yaml"
	if got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	l, closeLog, err := newLogger(config.GeneralConfig{
		LogLevel:  "debug",
		LogFormat: "json",
		LogFile:   filepath.Join(t.TempDir(), "logs", "wagate.log"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer closeLog()
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}
