package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Archive layout: config/<file>, db/<file>, auth/<channel>/..., profiles/<channel>/...
const (
	archiveConfig   = "config"
	archiveDB       = "db"
	archiveAuth     = "auth"
	archiveProfiles = "profiles"
)

func backupCmd() *cobra.Command {
	var (
		outputPath   string
		withProfiles bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up channel records, pairing credentials and config",
		Long: `Creates a compressed .tar.gz archive with the config file, the channel
database and the socket provider's pairing credentials, so paired devices
survive a host move. Browser profiles are large and only included with
--profiles. Stop 'wagate serve' first for a consistent snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wagate-backup-%s.tar.gz", ts))
			}

			roots := map[string]string{
				archiveConfig: cfgPath,
				archiveDB:     cfg.Store.DBPath,
				archiveAuth:   cfg.Providers.Baileys.AuthDir,
			}
			if withProfiles {
				roots[archiveProfiles] = cfg.Providers.WebJS.ProfileDir
			}

			n, size, err := createTarGz(outputPath, roots)
			if err != nil {
				os.Remove(outputPath)
				return fmt.Errorf("backup failed: %w", err)
			}
			if n == 0 {
				os.Remove(outputPath)
				return fmt.Errorf("nothing to back up (db: %s, config: %s)", cfg.Store.DBPath, cfgPath)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d (%s)\n", n, humanSize(size))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/wagate-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&withProfiles, "profiles", false, "include browser provider profiles")
	return cmd
}

func restoreCmd() *cobra.Command {
	var (
		inputPath string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore wagate data from a backup archive",
		Long: `Restores the config, channel database and pairing credentials from a
.tar.gz archive created by 'wagate backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: wagate restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			targets := map[string]string{
				archiveConfig:   cfgPath,
				archiveDB:       cfg.Store.DBPath,
				archiveAuth:     cfg.Providers.Baileys.AuthDir,
				archiveProfiles: cfg.Providers.WebJS.ProfileDir,
			}

			// Safety: warn before overwriting
			if !force {
				for _, p := range []string{cfg.Store.DBPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", cfg.Store.DBPath)
						fmt.Printf("  Config:   %s\n", cfgPath)
						fmt.Printf("  Auth:     %s\n", cfg.Providers.Baileys.AuthDir)
						fmt.Printf("Use --force to skip this warning.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", restored)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createTarGz archives each root under its prefix. A root may be a file
// (stored with its SQLite -wal/-shm siblings) or a directory; missing roots
// are skipped.
func createTarGz(outputPath string, roots map[string]string) (int, int64, error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return 0, 0, err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	var (
		count int
		total int64
	)
	add := func(prefix, path, name string) error {
		size, err := addFileToTar(tarWriter, path, prefix+"/"+filepath.ToSlash(name))
		if err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
		count++
		total += size
		return nil
	}

	for prefix, root := range roots {
		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return count, total, err
		}

		if !info.IsDir() {
			if err := add(prefix, root, filepath.Base(root)); err != nil {
				return count, total, err
			}
			for _, suffix := range []string{"-wal", "-shm"} {
				if _, err := os.Stat(root + suffix); err == nil {
					if err := add(prefix, root+suffix, filepath.Base(root)+suffix); err != nil {
						return count, total, err
					}
				}
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !d.Type().IsRegular() {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return add(prefix, path, rel)
		})
		if err != nil {
			return count, total, err
		}
	}

	return count, total, nil
}

func addFileToTar(tw *tar.Writer, filePath, name string) (int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}

	return io.Copy(tw, file)
}

// extractTarGz writes each entry below the target of its prefix. File
// targets (config, db) take the entry's base name suffix into account so
// -wal/-shm land next to the database.
func extractTarGz(archivePath string, targets map[string]string) (int, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return 0, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	restored := 0

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		prefix, rel, ok := strings.Cut(header.Name, "/")
		if !ok {
			continue
		}
		target, known := targets[prefix]
		if !known || target == "" {
			continue
		}

		var targetPath string
		switch prefix {
		case archiveConfig:
			targetPath = target
		case archiveDB:
			targetPath = target
			for _, suffix := range []string{"-wal", "-shm"} {
				if strings.HasSuffix(rel, suffix) {
					targetPath = target + suffix
				}
			}
		default:
			targetPath = filepath.Join(target, filepath.FromSlash(rel))
			if !strings.HasPrefix(targetPath, filepath.Clean(target)+string(os.PathSeparator)) {
				return restored, fmt.Errorf("illegal path in archive: %s", header.Name)
			}
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return restored, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return restored, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return restored, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored++
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
