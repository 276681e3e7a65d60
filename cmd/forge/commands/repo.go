package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployforge/deployforge/pkg/repocache"
)

func newRepoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage the template repository cache",
	}

	cmd.AddCommand(newRepoRegisterCommand())
	cmd.AddCommand(newRepoSyncCommand())
	cmd.AddCommand(newRepoListCommand())
	cmd.AddCommand(newRepoRemoveCommand())
	cmd.AddCommand(newRepoWatchCommand())

	return cmd
}

func newRepoRegisterCommand() *cobra.Command {
	var (
		branch        string
		cacheTTL      time.Duration
		credentialRef string
		autoSync      bool
		update        bool
		tags          []string
	)

	cmd := &cobra.Command{
		Use:   "register <url> <name>",
		Short: "Register a template repository",
		Long: `Register a git repository as a named template source.

The URL is probed before registration; unreachable repositories are
rejected. With --auto-sync the repository is cloned immediately.`,
		Example: `  # Register over HTTPS
  forge repo register https://git.example.com/platform/templates-web.git templates-web

  # Register over SSH with credentials and an immediate clone
  forge repo register git@git.example.com:platform/templates-db.git templates-db \
    --credential-ref env:FORGE_GIT_KEY --auto-sync`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			entry, err := rt.repos.Register(ctx, args[0], args[1], repocache.RegisterOptions{
				Branch:        branch,
				CacheTTL:      cacheTTL,
				CredentialRef: credentialRef,
				AutoSync:      autoSync,
				Update:        update,
				Tags:          tags,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entry)
			}
			fmt.Printf("Registered %s (%s, ttl %s)\n", entry.Name, entry.URL, entry.CacheTTL)
			return nil
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "branch to track (default: remote default branch)")
	cmd.Flags().DurationVar(&cacheTTL, "cache-ttl", repocache.DefaultCacheTTL, "sync freshness window (5m to 168h)")
	cmd.Flags().StringVar(&credentialRef, "credential-ref", "", "credential reference (env:NAME or file:/path)")
	cmd.Flags().BoolVar(&autoSync, "auto-sync", false, "clone immediately after registration")
	cmd.Flags().BoolVar(&update, "update", false, "overwrite an existing registration")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags for grouping repositories (repeatable)")

	return cmd
}

func newRepoSyncCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync <name>",
		Short: "Sync a repository's local mirror",
		Long: `Refresh the local mirror if its cache TTL has elapsed.

A fetch failure is an error; the previously synced mirror is kept and
stays resolvable. With --force the TTL is ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sync := rt.repos.Sync
			if force {
				sync = rt.repos.ForceSync
			}
			path, warnings, err := sync(ctx, args[0])
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			fmt.Println(path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "sync regardless of TTL and fail on fetch errors")

	return cmd
}

func newRepoListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			entries := rt.repos.List()
			if jsonOutput {
				return printJSON(entries)
			}

			if len(entries) == 0 {
				fmt.Println("No repositories registered")
				return nil
			}
			fmt.Printf("%-20s %-14s %-8s %-20s %s\n", "NAME", "STATUS", "TTL", "LAST SYNC", "URL")
			for _, e := range entries {
				lastSync := "never"
				if !e.LastSync.IsZero() {
					lastSync = e.LastSync.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s %-14s %-8s %-20s %s\n", e.Name, e.Status, e.CacheTTL, lastSync, e.URL)
			}
			return nil
		},
	}

	return cmd
}

func newRepoRemoveCommand() *cobra.Command {
	var deleteMirror bool

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a repository registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.repos.Remove(cmd.Context(), args[0], deleteMirror); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&deleteMirror, "delete-mirror", false, "also delete the local mirror")

	return cmd
}

func newRepoWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the registry file and reload on external edits",
		Long: `Watch the registry document and reload it when another process
edits it. Runs until interrupted; useful alongside a long-lived deploy
session when registrations are managed out of band.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			watcher, err := repocache.NewWatcher(rt.repos, rt.logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			fmt.Fprintf(os.Stderr, "Watching %s\n", rt.repos.RegistryPath())
			watcher.Run(ctx)
			return nil
		},
	}

	return cmd
}

// printJSON writes a value as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
