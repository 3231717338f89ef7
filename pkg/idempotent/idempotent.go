// Package idempotent guards at-least-once sources against reprocessing the same item.
package idempotent

import "context"

// Repository remembers processed keys for a dedup window.
type Repository interface {
	// Add inserts key and reports whether it was absent. The check and the
	// insert are atomic.
	Add(ctx context.Context, key string) (bool, error)
	Contains(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Scoped namespaces every key of repo under prefix.
func Scoped(repo Repository, prefix string) Repository {
	return &scoped{repo: repo, prefix: prefix + ":"}
}

type scoped struct {
	repo   Repository
	prefix string
}

func (s *scoped) Add(ctx context.Context, key string) (bool, error) {
	return s.repo.Add(ctx, s.prefix+key)
}

func (s *scoped) Contains(ctx context.Context, key string) (bool, error) {
	return s.repo.Contains(ctx, s.prefix+key)
}

func (s *scoped) Remove(ctx context.Context, key string) error {
	return s.repo.Remove(ctx, s.prefix+key)
}

// Clear removes only the keys under the prefix when the backend supports it.
func (s *scoped) Clear(ctx context.Context) error {
	if pc, ok := s.repo.(prefixClearer); ok {
		return pc.ClearPrefix(ctx, s.prefix)
	}
	return s.repo.Clear(ctx)
}

type prefixClearer interface {
	ClearPrefix(ctx context.Context, prefix string) error
}
