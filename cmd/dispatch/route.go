package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/intent"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var routeInteractive bool

var routeCmd = &cobra.Command{
	Use:   "route [request text]",
	Short: "Show which intent a request maps to",
	Long: `Route request text through the intent rules and print the matched
intent and its captured parameters. Useful for debugging rule files.

With --interactive, reads one request per line from stdin and keeps
the rules file hot-reloaded, so edits to the rules take effect between
lines.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().BoolVarP(&routeInteractive, "interactive", "i", false, "Route lines from stdin with rules hot-reload")
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rulesPath := cfg.Intent.RulesFile
	if rulesPath == "" {
		rulesPath = config.DefaultRulesPath()
	}

	if routeInteractive {
		return routeLoop(rulesPath)
	}

	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("request text required (or use --interactive)")
	}

	router := intent.NewRouter()
	if err := router.LoadRulesFile(rulesPath); err != nil {
		return fmt.Errorf("load intent rules: %w", err)
	}

	printIntent(router.Route(text))
	return nil
}

// routeLoop reads requests line by line, reloading rules on file change.
func routeLoop(rulesPath string) error {
	router := intent.NewRouter()
	watcher, err := intent.WatchRules(router, rulesPath)
	if err != nil {
		return fmt.Errorf("watch intent rules: %w", err)
	}
	defer watcher.Close()

	fmt.Printf("routing with %d rule(s) from %s (Ctrl-D to exit)\n", router.RuleCount(), rulesPath)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		printIntent(router.Route(text))
	}
	return scanner.Err()
}

func printIntent(in models.Intent) {
	if in.Name == models.FallbackIntentName {
		fmt.Printf("%s %s\n", color.YellowString("?"), in.Name)
		return
	}

	fmt.Printf("%s %s\n", color.GreenString("→"), in.Name)
	if len(in.Parameters) > 0 {
		keys := make([]string, 0, len(in.Parameters))
		for k := range in.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s: %s\n", k, in.Parameters[k])
		}
	}
}
