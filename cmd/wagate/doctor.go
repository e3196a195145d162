package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"wagate/internal/config"
	"wagate/internal/connector"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wagate installation",
		Long: `Verifies that wagate's configuration, database, provider directories and
remote provider endpoints are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wagate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wagate init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Database writable
			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Store.DBPath)
				passed++
			}

			// 4. Providers
			p := cfg.Providers
			if p.Baileys.Enabled {
				if err := checkWritableDir(p.Baileys.AuthDir); err != nil {
					printFail("Provider: baileys", err.Error())
					failed++
				} else {
					printPass("Provider: baileys", "auth dir "+p.Baileys.AuthDir)
					passed++
				}
			}
			if p.Evolution.Enabled {
				if err := checkEvolution(cmd.Context(), p.Evolution); err != nil {
					printWarn("Provider: evolution", err.Error())
					warned++
				} else {
					printPass("Provider: evolution", p.Evolution.APIBase)
					passed++
				}
				if p.Evolution.WebhookURL == "" {
					printWarn("Evolution webhook", "webhookUrl not set; status changes arrive by polling only")
					warned++
				}
			}
			if p.WebJS.Enabled {
				if err := checkWritableDir(p.WebJS.ProfileDir); err != nil {
					printFail("Provider: webjs", err.Error())
					failed++
				} else if path := chromePath(p.WebJS.ExecPath); path == "" {
					printWarn("Provider: webjs", "no Chrome/Chromium found on PATH; set providers.webjs.execPath")
					warned++
				} else {
					printPass("Provider: webjs", path)
					passed++
				}
			}

			// 5. Port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("HTTP port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				passed++
			}

			// 6. Secrets
			if cfg.Server.APIKey == "" {
				printWarn("Admin API", "server.apiKey is empty; the API is unauthenticated")
				warned++
			}
			if cfg.Webhook.Secret == "" && cfg.Webhook.APIKey == "" {
				printWarn("Webhooks", "no webhook secret or apiKey; anyone can post provider events")
				warned++
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wagate.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwagate should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wagate is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// checkEvolution lists instances to prove the base URL and API key work.
func checkEvolution(ctx context.Context, ec config.EvolutionConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ec.APIBase, "/")+"/instance/fetchInstances", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", ec.APIKey)
	resp, err := connector.SharedHTTPClient(10 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("API key rejected (HTTP %d)", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}
	return nil
}

func chromePath(configured string) string {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured
		}
		return ""
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
