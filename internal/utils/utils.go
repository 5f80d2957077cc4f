package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Unique returns a slice with only unique strings
func Unique(s []string) []string {
	unique := make(map[string]bool, len(s))
	us := make([]string, 0, len(s))
	for _, elem := range s {
		if len(elem) != 0 {
			if !unique[elem] {
				us = append(us, elem)
				unique[elem] = true
			}
		}
	}

	return us
}

// UniquePaths returns the unique absolute forms of paths, so that different
// spellings of one file collapse to a single entry.
func UniquePaths(paths []string) []string {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		if len(p) == 0 {
			continue
		}
		a, err := filepath.Abs(p)
		if err != nil {
			a = filepath.Clean(p)
		}
		abs = append(abs, a)
	}
	return Unique(abs)
}

// Cp copies a file from src to dst keeping its permissions
func Cp(src, dst string) error {
	from, err := os.Open(src)
	if err != nil {
		return err
	}
	defer from.Close()

	fi, err := from.Stat()
	if err != nil {
		return err
	}

	to, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err = io.Copy(to, from); err != nil {
		to.Close()
		return fmt.Errorf("failed to copy %s to %s: %v", src, dst, err)
	}

	return to.Close()
}

// ForEach calls fn for every path with at most jobs calls in flight. It
// stops starting new calls after the first error, which it returns.
func ForEach(ctx context.Context, paths []string, jobs int, fn func(path string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(path)
		})
	}
	return g.Wait()
}
