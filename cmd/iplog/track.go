package main

import (
	"fmt"
	"net"

	"github.com/goodtune/iplog/internal/history"
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track USER ADDRESS",
	Short: "Record a connection from ADDRESS by USER now",
	Long: `Record a single live connection. This is the hook for server integrations
that report connections directly instead of through the log follower.`,
	Example: `  iplog track Steve 192.168.1.10`,
	Args:    cobra.ExactArgs(2),
	RunE:    runTrack,
}

func init() {
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	username, address := args[0], args[1]
	if ip := net.ParseIP(address); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IPv4 address: %s", address)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	outcome, err := a.store.Track(cmd.Context(), username, address)
	if err != nil {
		return fmt.Errorf("failed to track %s from %s: %w", username, address, err)
	}

	switch outcome {
	case history.OutcomeCreated:
		_, _ = userColor.Printf("New IP logged for %s: %s\n", username, address)
	default:
		fmt.Printf("%s already seen from %s\n", username, address)
	}
	return nil
}
