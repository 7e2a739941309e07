// Command davsync synchronizes local folders with a WebDAV server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/DougieWougie/davsync/internal/config"
	"github.com/DougieWougie/davsync/internal/logging"
	"github.com/DougieWougie/davsync/internal/remote"
	"github.com/DougieWougie/davsync/internal/scheduler"
	"github.com/DougieWougie/davsync/internal/store"
	davsync "github.com/DougieWougie/davsync/internal/sync"
	"github.com/DougieWougie/davsync/internal/watch"
)

func main() {
	app := &cli.App{
		Name:  "davsync",
		Usage: "synchronize local folders with a WebDAV server",
		Commands: []*cli.Command{
			syncCommand(),
			daemonCommand(),
			folderCommand(),
			fileCommand(),
			conflictsCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// engine bundles the wired-up components a server-touching command needs.
type engine struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	remote *remote.Client
	runner *davsync.Runner
	events chan davsync.Event
}

func (e *engine) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

// buildEngine loads config, opens the database, and wires the sync
// engine. withProgress attaches an event channel for the progress bar.
func buildEngine(withProgress bool) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	rem := remote.NewClient(cfg.ServerURL, cfg.Username, cfg.Password, cfg.HTTPTimeout)
	exec := davsync.NewExecutor(rem, logger)
	cm := davsync.NewConflictManager(st, exec, rem, logger)

	var events chan davsync.Event
	if withProgress {
		events = make(chan davsync.Event, 256)
	}

	metered := func() bool { return cfg.Metered }
	runner := davsync.NewRunner(st, rem, exec, cm, logger, cfg.AccountID, metered, events)

	return &engine{
		cfg:    cfg,
		logger: logger,
		store:  st,
		remote: rem,
		runner: runner,
		events: events,
	}, nil
}

// openStoreOnly is for commands that never touch the server.
func openStoreOnly() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	return cfg, st, nil
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one sync pass over all enabled folders",
		Action: func(c *cli.Context) error {
			eng, err := buildEngine(true)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.remote.Ping(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", eng.cfg.ServerURL, err)
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				renderProgress(eng.events)
			}()

			result, err := eng.runner.Run(ctx)
			close(eng.events)
			<-done

			fmt.Printf("Uploaded %d, downloaded %d, unchanged %d, conflicts %d, errors %d, deferred %d\n",
				result.Uploaded, result.Downloaded, result.Unchanged,
				result.Conflicts, result.Errors, result.Deferred)

			if err != nil {
				return err
			}

			if result.Conflicts > 0 {
				fmt.Println("Run 'davsync conflicts list' to review conflicts.")
			}

			return nil
		},
	}
}

// renderProgress draws one bar per folder from the engine's events.
func renderProgress(events <-chan davsync.Event) {
	var bar *pb.ProgressBar

	for ev := range events {
		switch ev.Type {
		case davsync.EventFolderStart:
			if bar != nil {
				bar.Finish()
			}

			if ev.Total > 0 {
				bar = pb.New(ev.Total).Set(pb.Bytes, false)
				bar.Start()
			}

		case davsync.EventFile:
			if bar != nil {
				bar.SetCurrent(int64(ev.Current))
			}

		case davsync.EventFolderDone:
			if bar != nil {
				bar.Finish()
				bar = nil
			}
		}
	}

	if bar != nil {
		bar.Finish()
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "run continuously: periodic syncs plus filesystem-triggered syncs",
		Action: func(c *cli.Context) error {
			eng, err := buildEngine(false)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			probe := scheduler.NewProbe(eng.cfg.ServerURL, eng.cfg.Metered)
			sched := scheduler.New(scheduler.Config{
				Interval:   eng.cfg.SyncInterval,
				MinBackoff: eng.cfg.MinBackoff,
				MaxBackoff: eng.cfg.MaxBackoff,
			}, func(ctx context.Context) error {
				_, err := eng.runner.Run(ctx)
				return err
			}, probe, eng.logger)

			folders, err := eng.store.EnabledFolders(eng.cfg.AccountID)
			if err != nil {
				return err
			}

			roots := make([]string, 0, len(folders))
			for _, f := range folders {
				roots = append(roots, f.LocalRoot)
			}

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return sched.Start(ctx)
			})

			if len(roots) > 0 {
				watcher, err := watch.New(roots, sched.TriggerNow, eng.logger)
				if err != nil {
					return err
				}

				g.Go(func() error {
					return watcher.Run(ctx)
				})
			}

			// First pass right away; the timer covers subsequent runs.
			sched.TriggerNow()

			eng.logger.Info("daemon started",
				slog.Duration("interval", eng.cfg.SyncInterval),
				slog.Int("watched_folders", len(roots)),
			)

			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}

			return nil
		},
	}
}

func folderCommand() *cli.Command {
	return &cli.Command{
		Name:  "folder",
		Usage: "manage synced folders",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "register a folder pair for syncing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "local", Required: true, Usage: "local directory to sync"},
					&cli.StringFlag{Name: "remote", Required: true, Usage: "remote directory path"},
					&cli.BoolFlag{Name: "download-only", Usage: "never push local changes"},
					&cli.BoolFlag{Name: "wifi-only", Usage: "defer while the connection is metered"},
				},
				Action: func(c *cli.Context) error {
					cfg, st, err := openStoreOnly()
					if err != nil {
						return err
					}
					defer st.Close()

					if cfg.AccountID == "" {
						return fmt.Errorf("DAVSYNC_ACCOUNT_ID could not be derived; set it explicitly")
					}

					local, err := os.Stat(c.String("local"))
					if err != nil {
						return fmt.Errorf("local path: %w", err)
					}

					if !local.IsDir() {
						return fmt.Errorf("local path %s is not a directory", c.String("local"))
					}

					f := &store.FolderConfig{
						AccountID:   cfg.AccountID,
						LocalRoot:   c.String("local"),
						RemoteRoot:  c.String("remote"),
						SyncEnabled: true,
						TwoWaySync:  !c.Bool("download-only"),
						WifiOnly:    c.Bool("wifi-only"),
					}

					if err := st.CreateFolder(f); err != nil {
						return err
					}

					fmt.Printf("Folder %d registered: %s <-> %s\n", f.ID, f.LocalRoot, f.RemoteRoot)

					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list registered folders",
				Action: func(c *cli.Context) error {
					cfg, st, err := openStoreOnly()
					if err != nil {
						return err
					}
					defer st.Close()

					folders, err := st.Folders(cfg.AccountID)
					if err != nil {
						return err
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tLOCAL\tREMOTE\tMODE\tENABLED\tLAST SCAN")

					for _, f := range folders {
						mode := "two-way"
						if !f.TwoWaySync {
							mode = "download-only"
						}

						last := "never"
						if f.LastLocalScan != nil {
							last = f.LastLocalScan.Format(time.RFC3339)
						}

						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
							f.ID, f.LocalRoot, f.RemoteRoot, mode, f.SyncEnabled, last)
					}

					return w.Flush()
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a folder and its sync records (files on disk are kept)",
				ArgsUsage: "<folder-id>",
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}

					_, st, err := openStoreOnly()
					if err != nil {
						return err
					}
					defer st.Close()

					if err := st.DeleteFolder(id); err != nil {
						return err
					}

					fmt.Printf("Folder %d removed.\n", id)

					return nil
				},
			},
		},
	}
}

func fileCommand() *cli.Command {
	return &cli.Command{
		Name:  "file",
		Usage: "manage individually synced files",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "track a single file outside any folder",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "local", Required: true, Usage: "local file path"},
					&cli.StringFlag{Name: "remote", Required: true, Usage: "remote file path"},
					&cli.BoolFlag{Name: "wifi-only", Usage: "defer while the connection is metered"},
				},
				Action: func(c *cli.Context) error {
					cfg, st, err := openStoreOnly()
					if err != nil {
						return err
					}
					defer st.Close()

					if cfg.AccountID == "" {
						return fmt.Errorf("DAVSYNC_ACCOUNT_ID could not be derived; set it explicitly")
					}

					rec := &store.IndividualFileRecord{
						AccountID:   cfg.AccountID,
						LocalPath:   c.String("local"),
						RemotePath:  c.String("remote"),
						FileName:    filepath.Base(c.String("local")),
						SyncEnabled: true,
						AutoSync:    true,
						WifiOnly:    c.Bool("wifi-only"),
					}

					if err := st.CreateIndividualFile(rec); err != nil {
						return err
					}

					fmt.Printf("File %d registered: %s <-> %s\n", rec.ID, rec.LocalPath, rec.RemotePath)

					return nil
				},
			},
		},
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "review and resolve sync conflicts",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list pending conflicts",
				Action: func(c *cli.Context) error {
					cfg, st, err := openStoreOnly()
					if err != nil {
						return err
					}
					defer st.Close()

					conflicts, err := st.PendingConflicts(cfg.AccountID)
					if err != nil {
						return err
					}

					if len(conflicts) == 0 {
						fmt.Println("No pending conflicts.")
						return nil
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tPATH\tLOCAL MODIFIED\tREMOTE MODIFIED\tDETECTED")

					for _, cf := range conflicts {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
							cf.ID, cf.LocalPath,
							formatTime(cf.LocalModified),
							formatTime(cf.RemoteModified),
							cf.DetectedAt.Format(time.RFC3339))
					}

					return w.Flush()
				},
			},
			{
				Name:      "resolve",
				Usage:     "resolve a conflict by keeping one or both versions",
				ArgsUsage: "<conflict-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "keep",
						Required: true,
						Usage:    "which version to keep: local, remote, or both",
					},
				},
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}

					var resolution store.Resolution

					switch c.String("keep") {
					case "local":
						resolution = store.ResolutionKeepLocal
					case "remote":
						resolution = store.ResolutionKeepRemote
					case "both":
						resolution = store.ResolutionKeepBoth
					default:
						return fmt.Errorf("--keep must be local, remote, or both, got %q", c.String("keep"))
					}

					eng, err := buildEngine(false)
					if err != nil {
						return err
					}
					defer eng.Close()

					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()

					exec := davsync.NewExecutor(eng.remote, eng.logger)
					cm := davsync.NewConflictManager(eng.store, exec, eng.remote, eng.logger)

					if err := cm.Resolve(ctx, id, resolution); err != nil {
						return err
					}

					fmt.Printf("Conflict %d resolved (%s).\n", id, c.String("keep"))

					return nil
				},
			},
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "summarize sync state per folder",
		Action: func(c *cli.Context) error {
			cfg, st, err := openStoreOnly()
			if err != nil {
				return err
			}
			defer st.Close()

			folders, err := st.Folders(cfg.AccountID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FOLDER\tSYNCED\tPENDING\tCONFLICT\tERROR\tLAST SCAN")

			for _, f := range folders {
				counts, err := st.CountByStatus(f.ID)
				if err != nil {
					return err
				}

				pending := counts[store.StatusPendingUpload] +
					counts[store.StatusPendingDownload] +
					counts[store.StatusSyncing]

				last := "never"
				if f.LastLocalScan != nil {
					last = f.LastLocalScan.Format(time.RFC3339)
				}

				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
					f.LocalRoot,
					counts[store.StatusSynced],
					pending,
					counts[store.StatusConflict],
					counts[store.StatusError],
					last)
			}

			if err := w.Flush(); err != nil {
				return err
			}

			conflicts, err := st.PendingConflicts(cfg.AccountID)
			if err != nil {
				return err
			}

			if len(conflicts) > 0 {
				fmt.Printf("\n%d pending conflict(s); run 'davsync conflicts list'.\n", len(conflicts))
			}

			return nil
		},
	}
}

func idArg(c *cli.Context) (int64, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("expected exactly one id argument")
	}

	var id int64
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q", c.Args().First())
	}

	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}

	return t.Format(time.RFC3339)
}
