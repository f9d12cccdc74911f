// tilecachectl administers a tilecache store offline: inspect usage,
// clear providers, resize the budget and move caches between machines.
// It opens the store directly, so stop the daemon first when both point
// at the same backend.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pioxmdr920415/tilecache/internal/fetch"
	"github.com/pioxmdr920415/tilecache/internal/provider"
	"github.com/pioxmdr920415/tilecache/internal/repository/store"
	"github.com/pioxmdr920415/tilecache/internal/usecase"
	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("tilecachectl: %v", err))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tilecachectl",
		Usage: "administer a tilecache store",
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "Show cache usage totals and the per-provider breakdown",
				Action: withManager(handleStats),
			},
			{
				Name:  "clear",
				Usage: "Drop cached tiles, everything or one provider's share",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "provider",
						Aliases: []string{"p"},
						Usage:   "only clear tiles of this provider",
					},
				},
				Action: withManager(handleClear),
			},
			{
				Name:      "set-max-bytes",
				Usage:     "Resize the byte budget, evicting immediately if needed",
				ArgsUsage: "<size, e.g. 500MB>",
				Action:    withManager(handleSetMaxBytes),
			},
			{
				Name:  "export",
				Usage: "Write every cached tile as a portable snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "snapshot file (default stdout)",
					},
				},
				Action: withManager(handleExport),
			},
			{
				Name:  "import",
				Usage: "Load a snapshot into the store, then re-enforce the budget",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "in",
						Aliases: []string{"i"},
						Usage:   "snapshot file (default stdin)",
					},
				},
				Action: withManager(handleImport),
			},
		},
	}
}

// withManager opens the configured store behind a full cache manager, so
// every mutation below goes through the same budget enforcement the
// daemon applies. The deferred shutdown runs a final budget pass.
func withManager(action func(*cli.Context, *usecase.Manager) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		l := logger.NewNoop()

		tileStore, err := store.New(cfg.Store, l)
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
		}

		manager, err := usecase.NewManager(tileStore, provider.NewRegistry(provider.Defaults()), fetch.NewHTTP(cfg.Fetch, l), l,
			usecase.WithMaxBytes(cfg.Cache.MaxBytes),
		)
		if err != nil {
			tileStore.Close()
			return fmt.Errorf("open cache: %w", err)
		}

		actionErr := action(c, manager)

		if err := manager.Shutdown(); err != nil && actionErr == nil {
			actionErr = fmt.Errorf("close cache: %w", err)
		}

		return actionErr
	}
}

func handleStats(c *cli.Context, manager *usecase.Manager) error {
	stats, err := manager.Stats()
	if err != nil {
		return err
	}

	usage := fmt.Sprintf("%s / %s",
		humanize.Bytes(uint64(stats.TotalBytes)),
		humanize.Bytes(uint64(stats.MaxBytes)),
	)
	if stats.MaxBytes > 0 && stats.TotalBytes*10 >= stats.MaxBytes*9 {
		usage = color.YellowString(usage)
	} else {
		usage = color.GreenString(usage)
	}

	fmt.Printf("%d tiles, %s\n", stats.TileCount, usage)

	if len(stats.PerProvider) == 0 {
		return nil
	}

	ids := make([]string, 0, len(stats.PerProvider))
	for id := range stats.PerProvider {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println()
	tabW := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tabW, "PROVIDER\tTILES\tSIZE")
	for _, id := range ids {
		ps := stats.PerProvider[id]
		fmt.Fprintf(tabW, "%s\t%d\t%s\n", id, ps.Count, humanize.Bytes(uint64(ps.Bytes)))
	}

	return tabW.Flush()
}

func handleClear(c *cli.Context, manager *usecase.Manager) error {
	if id := c.String("provider"); id != "" {
		if err := manager.ClearProvider(id); err != nil {
			return err
		}
		fmt.Printf("cleared %s\n", color.GreenString(id))
		return nil
	}

	if err := manager.ClearAll(); err != nil {
		return err
	}
	fmt.Println(color.GreenString("cache cleared"))
	return nil
}

func handleSetMaxBytes(c *cli.Context, manager *usecase.Manager) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one size argument, e.g. 500MB")
	}

	size, err := humanize.ParseBytes(c.Args().First())
	if err != nil {
		return fmt.Errorf("parse size %q: %w", c.Args().First(), err)
	}

	if err := manager.SetMaxBytes(int64(size)); err != nil {
		return err
	}

	fmt.Printf("budget set to %s\n", color.GreenString(humanize.Bytes(size)))
	return nil
}

func handleExport(c *cli.Context, manager *usecase.Manager) error {
	var w io.Writer = os.Stdout
	if out := c.String("out"); out != "" {
		fd, err := os.Create(out)
		if err != nil {
			return err
		}
		defer fd.Close()
		w = fd
	}

	n, err := store.Export(manager.Store(), w)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "exported %d tiles\n", n)
	return nil
}

func handleImport(c *cli.Context, manager *usecase.Manager) error {
	var r io.Reader = os.Stdin
	if in := c.String("in"); in != "" {
		fd, err := os.Open(in)
		if err != nil {
			return err
		}
		defer fd.Close()
		r = fd
	}

	// The deferred manager shutdown trims the store back under budget if
	// the snapshot was bigger than the configured limit.
	n, err := store.Import(manager.Store(), r, time.Now().UTC())
	if err != nil {
		return err
	}

	fmt.Printf("imported %d tiles\n", n)
	return nil
}
