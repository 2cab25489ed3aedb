package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/stratus/internal/client"
)

var modulesCmd = &cobra.Command{
	Use:     "modules",
	Aliases: []string{"module", "m"},
	Short:   "Manage registered modules on a running server",
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered modules",
	RunE:  runModulesList,
}

var modulesRegisterCmd = &cobra.Command{
	Use:   "register <name> <location>",
	Short: "Register a module by name and wasm file location",
	Args:  cobra.ExactArgs(2),
	RunE:  runModulesRegister,
}

var modulesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a registered module",
	Args:  cobra.ExactArgs(1),
	RunE:  runModulesRemove,
}

var modulesStatsCmd = &cobra.Command{
	Use:   "stats <name>",
	Short: "Show a module's usage statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runModulesStats,
}

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesListCmd, modulesRegisterCmd, modulesRemoveCmd, modulesStatsCmd)
}

func runModulesList(cmd *cobra.Command, args []string) error {
	c := client.New(serverFlag)
	modules, err := c.ListModules(cmd.Context())
	if err != nil {
		return err
	}

	if len(modules) == 0 {
		fmt.Println("No modules registered.")
		return nil
	}

	fmt.Printf("%-20s %-40s %s\n", "NAME", "LOCATION", "REGISTERED")
	fmt.Println(strings.Repeat("─", 75))

	for _, m := range modules {
		location := m.Location
		if len(location) > 38 {
			location = ".." + location[len(location)-36:]
		}
		fmt.Printf("%-20s %-40s %s\n", m.Name, location, timeAgo(m.CreatedAt))
	}
	return nil
}

func runModulesRegister(cmd *cobra.Command, args []string) error {
	c := client.New(serverFlag)
	m, err := c.RegisterModule(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s -> %s\n", m.Name, m.Location)
	return nil
}

func runModulesRemove(cmd *cobra.Command, args []string) error {
	c := client.New(serverFlag)
	if err := c.RemoveModule(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func runModulesStats(cmd *cobra.Command, args []string) error {
	c := client.New(serverFlag)
	stats, err := c.ModuleStats(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Module:      %s\n", args[0])
	fmt.Printf("Invocations: %d\n", stats.InvocationCount)
	fmt.Printf("Total time:  %dms\n", stats.TotalTimeMs)
	if !stats.LastInvokedAt.IsZero() {
		fmt.Printf("Last run:    %s\n", stats.LastInvokedAt.Format(time.RFC3339))
	}
	return nil
}

// timeAgo renders a timestamp as a rough age.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
