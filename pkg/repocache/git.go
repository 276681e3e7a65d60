package repocache

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/deployforge/deployforge/pkg/credstore"
)

// GitClient is the transport behind the repository cache. Extracted so tests
// can script clone and fetch outcomes without a network.
type GitClient interface {
	// Probe checks remote reachability without touching the local mirror.
	Probe(ctx context.Context, url string, secret *credstore.Secret) error

	// Clone creates a fresh mirror at path.
	Clone(ctx context.Context, url, branch, path string, secret *credstore.Secret) error

	// Fetch updates an existing mirror at path.
	Fetch(ctx context.Context, path string, secret *credstore.Secret) error
}

// goGitClient implements GitClient with go-git.
type goGitClient struct{}

// NewGitClient returns the production go-git backed client.
func NewGitClient() GitClient {
	return &goGitClient{}
}

func (c *goGitClient) Probe(ctx context.Context, url string, secret *credstore.Secret) error {
	auth, err := authMethod(secret)
	if err != nil {
		return err
	}

	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	if _, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth}); err != nil {
		return fmt.Errorf("remote %s unreachable: %w", url, err)
	}
	return nil
}

func (c *goGitClient) Clone(ctx context.Context, url, branch, path string, secret *credstore.Secret) error {
	auth, err := authMethod(secret)
	if err != nil {
		return err
	}

	opts := &git.CloneOptions{
		URL:  url,
		Auth: auth,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, path, false, opts); err != nil {
		return fmt.Errorf("clone of %s failed: %w", url, err)
	}
	return nil
}

func (c *goGitClient) Fetch(ctx context.Context, path string, secret *credstore.Secret) error {
	auth, err := authMethod(secret)
	if err != nil {
		return err
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("mirror at %s unusable: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("mirror at %s has no worktree: %w", path, err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{Auth: auth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch into %s failed: %w", path, err)
	}
	return nil
}

// authMethod maps a resolved secret onto a go-git transport auth method.
func authMethod(secret *credstore.Secret) (transport.AuthMethod, error) {
	if secret == nil {
		return nil, nil
	}
	if len(secret.PrivateKey) > 0 {
		keys, err := gitssh.NewPublicKeys("git", secret.PrivateKey, "")
		if err != nil {
			return nil, fmt.Errorf("invalid ssh key credential: %w", err)
		}
		return keys, nil
	}

	user := secret.Username
	if user == "" {
		// Token auth over HTTPS; the username is ignored by most hosts
		// but must be non-empty.
		user = "git"
	}
	return &githttp.BasicAuth{Username: user, Password: secret.Token}, nil
}
