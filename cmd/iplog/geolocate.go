package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var geolocateCmd = &cobra.Command{
	Use:               "geolocate ADDRESS",
	Short:             "Resolve an address to a country",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeAddresses,
	RunE:              runGeolocate,
}

func init() {
	rootCmd.AddCommand(geolocateCmd)
}

func runGeolocate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	address := args[0]

	if location, ok := a.store.KnownLocation(address); ok {
		fmt.Printf("%s: %s (recorded)\n", address, location)
		return nil
	}

	location := a.resolver.Geolocate(cmd.Context(), address)
	if location == "" {
		_, _ = warnColor.Printf("Could not determine location for %s\n", address)
		return nil
	}
	fmt.Printf("%s: %s\n", address, location)
	return nil
}
