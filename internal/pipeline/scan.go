package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/IvanLi-CN/televy-backup/internal/index"
)

// scanEntry is one filesystem entry discovered by the walk, in stable
// traversal order (breadth-first, deterministic sibling sort) so that two
// runs over an unchanged tree visit files in exactly the same order.
type scanEntry struct {
	relPath string
	absPath string
	kind    index.FileKind
	size    int64
	mtimeMS int64
	mode    uint32
}

// walkBreadthFirst walks root breadth-first, sorting each directory's
// children lexically before descending, and invokes yield once per entry
// (files, dirs, and symlinks alike — the caller decides what to do with
// each kind). It stops and returns ctx.Err() as soon as ctx is cancelled
// between directories, so a cancelled backup stops scanning immediately.
func walkBreadthFirst(ctx context.Context, root string, yield func(scanEntry) error) error {
	type queued struct{ relDir, absDir string }
	queue := []queued{{relDir: "", absDir: root}}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir.absDir)
		if err != nil {
			return fmt.Errorf("pipeline: read dir %s: %w", dir.absDir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, de := range entries {
			absPath := filepath.Join(dir.absDir, de.Name())
			relPath := filepath.Join(dir.relDir, de.Name())

			info, err := os.Lstat(absPath)
			if err != nil {
				return fmt.Errorf("pipeline: stat %s: %w", absPath, err)
			}

			kind := index.KindFile
			switch {
			case info.Mode()&os.ModeSymlink != 0:
				kind = index.KindSymlink
			case info.IsDir():
				kind = index.KindDir
			}

			entry := scanEntry{
				relPath: relPath,
				absPath: absPath,
				kind:    kind,
				size:    info.Size(),
				mtimeMS: info.ModTime().UnixMilli(),
				mode:    uint32(info.Mode().Perm()),
			}
			if err := yield(entry); err != nil {
				return err
			}

			if kind == index.KindDir {
				queue = append(queue, queued{relDir: relPath, absDir: absPath})
			}
		}
	}
	return nil
}
