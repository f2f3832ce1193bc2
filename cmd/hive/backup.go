package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
)

// Archive layout: every entry lives under one of these top-level sections.
const (
	sectionPrefix    = "hive-"
	sectionDB        = "hive-db"
	sectionWorkspace = "hive-workspaces"
	dbEntryName      = "hive.db"
)

func runBackup(cfg *config.Config, args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hive backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	tmp, err := os.MkdirTemp("", "hive-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	// A live gateway may hold the database open; VACUUM INTO gives a
	// consistent copy regardless.
	snapshot := filepath.Join(tmp, dbEntryName)
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	err = db.Snapshot(snapshot)
	db.Close()
	if err != nil {
		return err
	}

	if err := writeArchive(outputPath, snapshot, cfg.Runtime.WorkspaceDir); err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %s\n", formatSize(size))
	return nil
}

func writeArchive(outputPath, dbPath, workspaceDir string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	if err := addFile(tw, path.Join(sectionDB, dbEntryName), dbPath); err != nil {
		return fmt.Errorf("archive database: %w", err)
	}

	if workspaceDir != "" {
		if _, err := os.Stat(workspaceDir); err == nil {
			slog.Info("backing up workspaces", "dir", workspaceDir)
			if err := addTree(tw, sectionWorkspace, workspaceDir); err != nil {
				return fmt.Errorf("archive workspaces: %w", err)
			}
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, name, src string) error {
	info, err := os.Stat(src)
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
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// addTree writes root's regular files and directories under prefix.
// Symlinks and special files are skipped.
func addTree(tw *tar.Writer, prefix, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
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
			return addFile(tw, name, p)
		}
		return nil
	})
}

func runRestore(cfg *config.Config, args []string) error {
	var inputPath string
	overwrite := false

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
		fmt.Fprintf(os.Stderr, "Usage: hive restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	sections, err := scanArchiveSections(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		fmt.Println("Archive contains nothing to restore.")
		return nil
	}

	if !overwrite {
		if _, err := os.Stat(cfg.Store.Path); err == nil {
			return fmt.Errorf("database %s already exists, add -overwrite to replace it", cfg.Store.Path)
		}
	}

	n, err := extractArchive(inputPath, cfg.Store.Path, cfg.Runtime.WorkspaceDir)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", n)
	return nil
}

func extractArchive(inputPath, dbPath, workspaceDir string) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitArchivePath(hdr.Name)
		var dest string
		switch section {
		case sectionDB:
			if rel != dbEntryName {
				continue
			}
			dest = dbPath
			// Stale WAL files would be replayed over the restored copy
			os.Remove(dbPath + "-wal")
			os.Remove(dbPath + "-shm")
		case sectionWorkspace:
			if workspaceDir == "" {
				continue
			}
			if rel == "./" {
				continue
			}
			if !filepath.IsLocal(filepath.FromSlash(strings.TrimSuffix(rel, "/"))) {
				return restored, fmt.Errorf("unsafe path in archive: %s", hdr.Name)
			}
			dest = filepath.Join(workspaceDir, filepath.FromSlash(rel))
		default:
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return restored, err
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return restored, fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
			restored++
		}
	}
	return restored, nil
}

func writeFile(dest string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scanArchiveSections reads tar headers to collect the top-level sections
// without extracting file data.
func scanArchiveSections(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		section, _ := splitArchivePath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			names = append(names, section)
		}
	}
	return names, nil
}

// splitArchivePath splits "hive-workspaces/a1/notes.md" into
// ("hive-workspaces", "a1/notes.md"). Unknown prefixes yield empty strings.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if strings.HasPrefix(name, sectionPrefix) {
			return name, "./"
		}
		return "", ""
	}

	section = name[:idx]
	rel = name[idx+1:]
	if rel == "" {
		rel = "./"
	}
	if !strings.HasPrefix(section, sectionPrefix) {
		return "", ""
	}
	return section, rel
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
