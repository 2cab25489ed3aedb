package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/stratus/internal/client"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console against a running server",
	Long: `Open an interactive console for registering and invoking modules.

Examples:
  stratus console
  stratus console --server http://localhost:9090

Inside the console:
  invoke add 5,2
  register add ./testdata/add.wasm
  list
  stats add`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	c := client.New(serverFlag)

	fmt.Printf("Stratus console - %s\n", serverFlag)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	// Set up readline for input with history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mstratus>\033[0m ",
		HistoryFile:     "/tmp/stratus_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the in-flight request, not the console.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleSlash(input); quit {
				return nil
			}
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		runConsoleCommand(reqCtx, c, input)
		cancel()
		reqCancel = nil
	}
}

func handleSlash(input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  list                        - List registered modules")
		fmt.Println("  register <name> <location>  - Register a module")
		fmt.Println("  remove <name>               - Remove a module")
		fmt.Println("  invoke <name> [p1,p2,...]   - Invoke a module")
		fmt.Println("  stats <name>                - Show usage statistics")
		fmt.Println("  engine                      - Show pool and queue occupancy")
		fmt.Println("  /quit                       - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

func runConsoleCommand(ctx context.Context, c *client.Client, input string) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "list":
		modules, err := c.ListModules(ctx)
		if err != nil {
			consoleError(err)
			return
		}
		if len(modules) == 0 {
			fmt.Println("No modules registered.")
			return
		}
		for _, m := range modules {
			fmt.Printf("  %-20s %s\n", m.Name, m.Location)
		}

	case "register":
		if len(fields) != 3 {
			fmt.Println("usage: register <name> <location>")
			return
		}
		m, err := c.RegisterModule(ctx, fields[1], fields[2])
		if err != nil {
			consoleError(err)
			return
		}
		fmt.Printf("Registered %s -> %s\n", m.Name, m.Location)

	case "remove":
		if len(fields) != 2 {
			fmt.Println("usage: remove <name>")
			return
		}
		if err := c.RemoveModule(ctx, fields[1]); err != nil {
			consoleError(err)
			return
		}
		fmt.Printf("Removed %s\n", fields[1])

	case "invoke":
		if len(fields) < 2 || len(fields) > 3 {
			fmt.Println("usage: invoke <name> [p1,p2,...]")
			return
		}
		var params []float64
		if len(fields) == 3 {
			var err error
			params, err = parseParams(fields[2])
			if err != nil {
				fmt.Printf("bad parameters: %v\n", err)
				return
			}
		}
		res, err := c.Invoke(ctx, fields[1], params)
		if err != nil {
			consoleError(err)
			return
		}
		fmt.Printf("\033[32m=> %g\033[0m (%dms)\n", res.Value, res.ElapsedMs)

	case "stats":
		if len(fields) != 2 {
			fmt.Println("usage: stats <name>")
			return
		}
		stats, err := c.ModuleStats(ctx, fields[1])
		if err != nil {
			consoleError(err)
			return
		}
		fmt.Printf("%d invocations, %dms total\n", stats.InvocationCount, stats.TotalTimeMs)

	case "engine":
		snap, err := c.EngineStats(ctx)
		if err != nil {
			consoleError(err)
			return
		}
		fmt.Printf("pool %d, busy %d, queued %d\n", snap.PoolSize, snap.Busy, snap.Queued)

	default:
		fmt.Printf("Unknown command: %s (try /help)\n", fields[0])
	}
}

func parseParams(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	params := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", p)
		}
		params = append(params, v)
	}
	return params, nil
}

func consoleError(err error) {
	fmt.Printf("\033[31merror: %s\033[0m\n", err)
}
