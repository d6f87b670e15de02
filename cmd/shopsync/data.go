package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/tui"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "data",
	Short:   "Read or invalidate cached entities",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print an entity, fetching it from the API on a miss",
	Long: `Print an entity by key (cart:<id>, favorite:<id>, product:<id>, profile).
A fresh cached value is served as is; otherwise the API is queried and the
result cached. --local never contacts the API.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		var entry domain.CacheEntry
		if local {
			entry, err = a.svc.GetCached(args[0])
		} else {
			entry, err = a.svc.Fetch(cmd.Context(), args[0])
		}
		switch {
		case errors.Is(err, domain.ErrCacheMiss):
			return fmt.Errorf("%s is not cached", args[0])
		case errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("%s does not exist", args[0])
		case err != nil:
			return err
		}
		return printJSON(entry)
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List cached entities, optionally fuzzy-filtered by key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var query string
		if len(args) == 1 {
			query = args[0]
		}

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		results := a.svc.FindCached(query)
		if len(results) == 0 {
			fmt.Println("No cached entities.")
			return nil
		}
		now := time.Now()
		for _, r := range results {
			e := r.Entry
			state := string(e.Freshness)
			if e.Freshness == domain.Confirmed && e.Expired(now) {
				state += " (expired)"
			}
			fmt.Printf("%-24s %-22s %s old\n", e.Key, state, tui.FormatAge(now.Sub(e.StoredAt)))
		}
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <key>...",
	Short: "Drop cached entities so the next read refetches them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, key := range args {
			a.svc.InvalidateCached(key)
		}
		fmt.Printf("✓ Invalidated %d key(s)\n", len(args))
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict expired confirmed entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("✓ Swept %d expired entr(ies)\n", a.cache.SweepExpired())
		return nil
	},
}

var wipeCmd = &cobra.Command{
	Use:     "wipe",
	GroupID: "data",
	Short:   "Delete all local data (cache, queue, dead letters, sync state)",
	Long: `Wipe clears every local namespace, as on logout. Queued edits that have
not been delivered are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if n := a.queue.Size(); n > 0 && !yes {
			fmt.Printf("%d queued edit(s) have not been delivered. Wipe anyway? [y/N] ", n)
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}
		if err := a.svc.Wipe(); err != nil {
			return err
		}
		fmt.Println("✓ Local data wiped")
		return nil
	},
}

func init() {
	cacheGetCmd.Flags().Bool("local", false, "Only read the local cache")
	cacheCmd.AddCommand(cacheGetCmd, cacheListCmd, cacheInvalidateCmd, cacheSweepCmd)

	wipeCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(cacheCmd, wipeCmd)
}
