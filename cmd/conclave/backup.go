package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/store"
)

// Archive sections. The database snapshot lives under store/, session
// workspaces under runs/.
const (
	sectionStore = "store"
	sectionRuns  = "runs"
	snapshotName = "conclave.db"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "conclave-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, snapshotName)
	if _, err := db.DB().Exec("VACUUM INTO ?", snapshot); err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	files, err := writeBackup(f, snapshot, cfg.Run.OutputDir)
	if err != nil {
		os.Remove(outputPath)
		return err
	}

	info, err := f.Stat()
	if err == nil {
		fmt.Printf("Backup complete: %s (%d files, %s)\n", outputPath, files, formatSize(info.Size()))
	}
	return nil
}

// writeBackup streams the store snapshot and the runs directory into a
// zstd-compressed tar. A missing runs directory is skipped.
func writeBackup(w io.Writer, snapshot, runsDir string) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	files := 0
	if err := addFile(tw, snapshot, path.Join(sectionStore, snapshotName)); err != nil {
		return 0, fmt.Errorf("archive store: %w", err)
	}
	files++

	n, err := addDir(tw, runsDir, sectionRuns)
	if err != nil {
		return 0, fmt.Errorf("archive runs: %w", err)
	}
	files += n

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd writer: %w", err)
	}
	return files, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
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

func addDir(tw *tar.Writer, root, prefix string) (int, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		slog.Info("runs directory missing, skipping", "path", root)
		return 0, nil
	}

	files := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		case d.Type().IsRegular():
			files++
			return addFile(tw, p, name)
		default:
			return nil
		}
	})
	return files, err
}

func runRestore(args []string) error {
	var inputPath string
	var overwrite bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave restore -f <input.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	files, err := readBackup(f, cfg.Store, cfg.Run.OutputDir, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

// readBackup extracts an archive written by writeBackup. The store is
// replaced only when overwrite is set or no database exists yet.
func readBackup(r io.Reader, sc config.StoreConfig, runsDir string, overwrite bool) (int, error) {
	if !overwrite {
		if _, err := os.Stat(sc.Path); err == nil {
			return 0, fmt.Errorf("store %s already exists, add -overwrite to replace it", sc.Path)
		}
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitBackupPath(hdr.Name)
		var dest string
		switch {
		case section == sectionStore && rel == snapshotName:
			dest = sc.Path
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(sc.Path + suffix)
			}
		case section == sectionRuns && rel == "":
			continue
		case section == sectionRuns:
			if !filepath.IsLocal(filepath.FromSlash(rel)) {
				return files, fmt.Errorf("archive entry %s escapes the runs directory", hdr.Name)
			}
			dest = filepath.Join(runsDir, filepath.FromSlash(rel))
		default:
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return files, fmt.Errorf("create %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, dest, hdr.ModTime); err != nil {
				return files, fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			files++
		}
	}
	return files, nil
}

func extractFile(r io.Reader, dest string, mtime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, mtime, mtime)
}

// splitBackupPath splits an archive entry into its section and the path
// inside that section.
func splitBackupPath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}
	section, rel, _ = strings.Cut(name, "/")
	if section != sectionStore && section != sectionRuns {
		return "", ""
	}
	return section, strings.TrimSuffix(rel, "/")
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
