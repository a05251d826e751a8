// Package gitsync keeps a local checkout of the content repository in sync:
// clone on first use, pull on every subsequent sync.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	git "github.com/go-git/go-git/v5"
)

// Service manages the content checkout under baseDir. Syncs serialize on a
// single lock; the registry loader reads the checkout between syncs.
type Service struct {
	baseDir string
	mu      sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir}
}

// Dir returns the checkout path the registry loader should read.
func (s *Service) Dir() string {
	return filepath.Join(s.baseDir, "content")
}

// Ensure clones url into the checkout if absent, otherwise pulls. Returns
// the checkout path.
func (s *Service) Ensure(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Dir()
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		if err := s.pull(ctx, path); err != nil {
			return "", err
		}
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat checkout: %w", err)
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create checkout dir: %w", err)
	}
	if _, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{URL: url}); err != nil {
		return "", fmt.Errorf("clone content repo: %w", err)
	}
	return path, nil
}

func (s *Service) pull(ctx context.Context, path string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open checkout: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	err = worktree.PullContext(ctx, &git.PullOptions{})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull content repo: %w", err)
	}
	return nil
}
