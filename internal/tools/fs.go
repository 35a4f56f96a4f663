package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func (t *toolset) readFile(ctx context.Context, args map[string]any) (any, error) {
	path, _ := stringArg(args, "file_path")
	abs, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return textResult(string(b)), nil
}

func (t *toolset) writeFile(ctx context.Context, args map[string]any) (any, error) {
	path, _ := stringArg(args, "file_path")
	content, ok := stringArg(args, "content")
	if !ok {
		return nil, errors.New("missing content")
	}
	abs, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}
	// Write-then-rename so a reader never observes a partial file.
	tmp := fmt.Sprintf("%s.tmp%d", abs, os.Getpid())
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	t.log.Debug("file written", "path", path, "bytes", len(content))
	return WriteResult{Status: "success", Message: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

func (t *toolset) listFiles(ctx context.Context, args map[string]any) (any, error) {
	dir, _ := stringArg(args, "directory_path")
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	abs, err := t.resolve(dir)
	if err != nil {
		return nil, err
	}

	paths := []string{}
	if boolArg(args, "recursive") {
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if p == abs {
				return nil
			}
			name := d.Name()
			if d.IsDir() && (name == ".git" || name == ".ralph") {
				return filepath.SkipDir
			}
			rel, rerr := filepath.Rel(abs, p)
			if rerr != nil {
				return rerr
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				rel += "/"
			}
			paths = append(paths, rel)
			return nil
		})
	} else {
		var entries []os.DirEntry
		entries, err = os.ReadDir(abs)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			paths = append(paths, name)
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", dir)
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	sort.Strings(paths)
	b, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("encode listing: %w", err)
	}
	return textResult(string(b)), nil
}
