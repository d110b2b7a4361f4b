package snapshot

import (
	"context"
	"errors"
	"fmt"
)

// DefaultRemote is used when no remote name is given.
const DefaultRemote = "origin"

// SetRemote points the named remote at url, creating it when missing, and
// records the URL in the project config.
func (e *Engine) SetRemote(ctx context.Context, url, name string) error {
	if url == "" {
		return errors.New("remote url is required")
	}
	if name == "" {
		name = DefaultRemote
	}

	return e.withLock(ctx, func() error {
		cfg, err := e.ensureInitialized(ctx)
		if err != nil {
			return err
		}

		dir := e.layout.ProjectDir()
		_, exists, err := e.git.RemoteURL(ctx, dir, name)
		if err != nil {
			return backendError("get remote", err)
		}
		if exists {
			err = e.git.SetRemoteURL(ctx, dir, name, url)
		} else {
			err = e.git.AddRemote(ctx, dir, name, url)
		}
		if err != nil {
			return backendError("configure remote", err)
		}

		updated := *cfg
		updated.RemoteURL = url
		if err := e.store.Save(&updated); err != nil {
			return err
		}
		e.logger.Info("remote configured", "remote", name, "url", url)
		return nil
	})
}

// Push pushes branch to the named remote. It reports false with the backend
// error when the push fails.
func (e *Engine) Push(ctx context.Context, name, branch string) (bool, error) {
	if name == "" {
		name = DefaultRemote
	}
	if branch == "" {
		branch = e.branch
	}

	err := e.withLock(ctx, func() error {
		if _, ok := e.Config(); !ok {
			return fmt.Errorf("project %s is not initialized", e.layout.Identity.Hash)
		}
		if err := e.git.Push(ctx, e.layout.ProjectDir(), name, branch); err != nil {
			return backendError("push", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	e.logger.Info("pushed", "remote", name, "branch", branch)
	return true, nil
}
