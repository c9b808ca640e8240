package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/fatih/color"
	"github.com/goodtune/iplog/internal/config"
	"github.com/goodtune/iplog/internal/history"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List every user with recorded history",
	Args:  cobra.NoArgs,
	RunE:  runUsers,
}

var addressesCmd = &cobra.Command{
	Use:   "addresses",
	Short: "List every recorded address",
	Args:  cobra.NoArgs,
	RunE:  runAddresses,
}

var ipsCmd = &cobra.Command{
	Use:               "ips USER",
	Short:             "Show the addresses a user connected from, oldest first",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeUsers,
	RunE:              runIPs,
}

var dupesCmd = &cobra.Command{
	Use:   "dupes",
	Short: "List addresses shared by two or more users",
	Args:  cobra.NoArgs,
	RunE:  runDupes,
}

var whoCmd = &cobra.Command{
	Use:               "who ADDRESS",
	Short:             "List the users seen at an address",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeAddresses,
	RunE:              runWho,
}

var removeCmd = &cobra.Command{
	Use:               "remove USER ADDRESS",
	Short:             "Remove an address from a user's history",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeUserAddress,
	RunE:              runRemove,
}

func init() {
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(addressesCmd)
	rootCmd.AddCommand(ipsCmd)
	rootCmd.AddCommand(dupesCmd)
	rootCmd.AddCommand(whoCmd)
	rootCmd.AddCommand(removeCmd)
}

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	userColor    = color.New(color.FgGreen)
	addressColor = color.New(color.FgYellow)
	warnColor    = color.New(color.FgRed, color.Bold)
)

func runUsers(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	users := a.store.Usernames()
	if len(users) == 0 {
		fmt.Println("No users found.")
		return nil
	}

	_, _ = headerColor.Printf("Users (%d):\n", len(users))
	for _, u := range users {
		_, _ = userColor.Printf("  %s\n", u)
	}
	return nil
}

func runAddresses(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	addresses := a.store.Addresses()
	if len(addresses) == 0 {
		fmt.Println("No IPs found.")
		return nil
	}

	_, _ = headerColor.Printf("IPs (%d):\n", len(addresses))
	for _, addr := range addresses {
		_, _ = addressColor.Printf("  %s\n", addr)
	}
	return nil
}

func runIPs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	username := args[0]
	entries, err := a.store.Entries(username)
	if errors.Is(err, history.ErrUserNotFound) {
		_, _ = warnColor.Println("User not found.")
		return nil
	}
	if err != nil {
		return err
	}

	_, _ = headerColor.Printf("IPs for %s:\n", username)
	for _, e := range entries {
		location := e.Location
		if location == "" {
			location = "unknown"
		}
		_, _ = addressColor.Printf("  %-15s", e.Address)
		fmt.Printf("  first seen %s  (%s)\n", e.FirstSeen, location)
	}
	return nil
}

func runDupes(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	dupes := a.store.Duplicates()
	if len(dupes) == 0 {
		fmt.Println("No duplicate IPs found.")
		return nil
	}

	_, _ = headerColor.Println("Duplicate IPs:")
	for _, addr := range slices.Sorted(maps.Keys(dupes)) {
		_, _ = addressColor.Printf("  %s", addr)
		fmt.Print(" -> ")
		for i, u := range dupes[addr] {
			if i > 0 {
				fmt.Print(", ")
			}
			_, _ = userColor.Print(u)
		}
		fmt.Println()
	}
	return nil
}

func runWho(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	address := args[0]
	users := a.store.UsersForAddress(address)
	if len(users) == 0 {
		_, _ = warnColor.Printf("No users found for IP %s\n", address)
		return nil
	}

	_, _ = headerColor.Printf("Users for IP %s:\n", address)
	for _, u := range users {
		stamp, err := a.store.FirstSeen(u, address)
		if err != nil {
			return err
		}
		_, _ = userColor.Printf("  %-16s", u)
		fmt.Printf("  first seen %s\n", stamp)
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	username, address := args[0], args[1]
	removed, err := a.store.RemoveAddress(cmd.Context(), username, address)
	if err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", address, username, err)
	}
	if !removed {
		_, _ = warnColor.Println("IP not found or not associated with user.")
		return nil
	}

	fmt.Printf("Removed IP %s from %s.\n", address, username)
	return nil
}

// withStore reads the history for shell completion. It never takes the
// document lock or writes, so a legacy document offers no completions
// instead of being migrated.
func withStore(fn func(*history.Store) []string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	docs, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer func() { _ = docs.Close() }()

	store := history.NewStore(docs, nil, zerolog.Nop())
	if err := store.LoadReadOnly(context.Background()); err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return fn(store), cobra.ShellCompDirectiveNoFileComp
}

func completeUsers(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return withStore(func(s *history.Store) []string {
		return s.Usernames()
	})
}

func completeAddresses(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return withStore(func(s *history.Store) []string {
		return s.Addresses()
	})
}

func completeUserAddress(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	switch len(args) {
	case 0:
		return completeUsers(cmd, args, toComplete)
	case 1:
		return withStore(func(s *history.Store) []string {
			addresses, _ := s.AddressesForUser(args[0])
			return addresses
		})
	default:
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
}
