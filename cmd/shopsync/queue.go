package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "sync",
	Short:   "Queue a cart, favorite or profile edit",
	Long: `Queue an edit for delivery. The local cache reflects the edit immediately;
the queue drains on the next trigger, or right away if a daemon is running
and the device is online.

Examples:
  shopsync enqueue cart add 42 --qty 2
  shopsync enqueue cart remove 42
  shopsync enqueue favorite add 7
  shopsync enqueue profile name=Ada city=Paris`,
}

var enqueueCartCmd = &cobra.Command{
	Use:   "cart <add|remove|update> <item-id>",
	Short: "Queue a cart edit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		qty, _ := cmd.Flags().GetInt("qty")

		t, err := cartMutationType(args[0])
		if err != nil {
			return err
		}
		payload := domain.CartItemPayload{ItemID: args[1], Quantity: qty}
		if t == domain.RemoveFromCart {
			payload.Quantity = 0
		}
		return enqueue(cmd, func(a *app) (domain.QueuedMutation, error) {
			return a.svc.EnqueueCartMutation(t, payload)
		})
	},
}

var enqueueFavoriteCmd = &cobra.Command{
	Use:   "favorite <add|remove> <product-id>",
	Short: "Queue a favorite edit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t domain.MutationType
		switch args[0] {
		case "add":
			t = domain.AddToFavorites
		case "remove":
			t = domain.RemoveFromFavorites
		default:
			return fmt.Errorf("unknown favorite action %q (want add or remove)", args[0])
		}
		payload := domain.FavoritePayload{ProductID: args[1]}
		return enqueue(cmd, func(a *app) (domain.QueuedMutation, error) {
			return a.svc.EnqueueFavoriteMutation(t, payload)
		})
	},
}

var enqueueProfileCmd = &cobra.Command{
	Use:   "profile <field=value>...",
	Short: "Queue a profile update",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args)
		if err != nil {
			return err
		}
		return enqueue(cmd, func(a *app) (domain.QueuedMutation, error) {
			return a.svc.EnqueueProfileMutation(fields)
		})
	},
}

func enqueue(cmd *cobra.Command, fn func(a *app) (domain.QueuedMutation, error)) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := fn(a)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Queued %s for %s (#%d, %d pending)\n", m.Type, m.EntityKey, m.Seq, a.queue.Size())
	return nil
}

func cartMutationType(action string) (domain.MutationType, error) {
	switch action {
	case "add":
		return domain.AddToCart, nil
	case "remove":
		return domain.RemoveFromCart, nil
	case "update":
		return domain.UpdateCartQuantity, nil
	default:
		return "", fmt.Errorf("unknown cart action %q (want add, remove or update)", action)
	}
}

// parseFields turns key=value arguments into profile fields. Integer and
// boolean values keep their JSON type.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", arg)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			fields[k] = b
		} else {
			fields[k] = v
		}
	}
	return fields, nil
}

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dl"},
	GroupID: "sync",
	Short:   "Inspect or purge abandoned mutations",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered mutations, oldest first (closest match first with --filter)",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		filter, _ := cmd.Flags().GetString("filter")

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		letters := a.svc.FindDeadLetters(filter)
		if jsonOutput {
			return printJSON(letters)
		}
		if len(letters) == 0 {
			fmt.Println("No dead letters.")
			return nil
		}
		for _, dl := range letters {
			fmt.Printf("%s  %-22s %-16s %-14s %s\n",
				dl.DeadAt.Format(time.RFC3339), dl.Mutation.Type, dl.Mutation.EntityKey, dl.Code, dl.Reason)
		}
		return nil
	},
}

var deadLetterPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop dead letters older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetDuration("older-than")

		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		n := a.svc.PurgeDeadLetters(age)
		fmt.Printf("✓ Purged %d dead letter(s)\n", n)
		return nil
	},
}

func init() {
	enqueueCartCmd.Flags().Int("qty", 1, "Desired quantity (ignored for remove)")
	enqueueCmd.AddCommand(enqueueCartCmd, enqueueFavoriteCmd, enqueueProfileCmd)

	deadLetterListCmd.Flags().Bool("json", false, "Output as JSON")
	deadLetterListCmd.Flags().StringP("filter", "f", "", "Fuzzy filter on type, key, code or reason")
	deadLetterPurgeCmd.Flags().Duration("older-than", 7*24*time.Hour, "Minimum age of purged dead letters (0 purges all)")
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterPurgeCmd)

	rootCmd.AddCommand(enqueueCmd, deadLetterCmd)
}
