package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"wagate/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.wagate.serve"
	systemdUnit  = "wagate.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'wagate serve' as a user daemon (launchd/systemd)",
		Long:  "Generates and installs a service file that runs the gateway in the background and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			vars := map[string]string{
				"EXEC":    execPath,
				"CONFIG":  cfgPath,
				"LABEL":   launchdLabel,
				"LOG":     filepath.Join(config.DefaultConfigDir(), "logs", "wagate.log"),
				"ERR_LOG": filepath.Join(config.DefaultConfigDir(), "logs", "wagate-error.log"),
				// leave the registry room to stop every session before SIGKILL
				"STOP_TIMEOUT": strconv.Itoa(cfg.Server.ShutdownTimeoutSec + 5),
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(vars)
			case "linux":
				return installSystemd(vars)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the wagate daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := daemonFilePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

func daemonFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	}
	return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
}

// render substitutes {{KEY}} placeholders.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func writeDaemonFile(contents string) (string, error) {
	path, err := daemonFilePath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func installLaunchd(vars map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(vars["LOG"]), 0o755); err != nil {
		return err
	}
	path, err := writeDaemonFile(render(launchdTemplate, vars))
	if err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(vars map[string]string) error {
	path, err := writeDaemonFile(render(systemdTemplate, vars))
	if err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start wagate\n")
	fmt.Printf("To enable: systemctl --user enable wagate\n")
	fmt.Printf("To follow: journalctl --user -u wagate -f\n")
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>ExitTimeOut</key>
    <integer>{{STOP_TIMEOUT}}</integer>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=wagate WhatsApp session gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec={{STOP_TIMEOUT}}

[Install]
WantedBy=default.target`
