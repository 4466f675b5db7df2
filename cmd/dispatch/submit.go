package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/graph"
	"github.com/ShayCichocki/dispatch/internal/intent"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var (
	submitPlanPath   string
	submitMaxRetries int
)

var submitCmd = &cobra.Command{
	Use:   "submit [request text]",
	Short: "Submit a job from a plan file",
	Long: `Build a job from a YAML plan file and enqueue it.

The plan file names the nodes, their action types, parameters, and
dependencies:

  intent: deploy
  nodes:
    - id: build
      action: shell
      params:
        command: make build
    - id: test
      action: shell
      depends_on: [build]
      params:
        command: make test

When request text is given, it is routed through the intent rules and
the matched intent (with its captured parameters) replaces the plan
file's intent name.`,
	Args: cobra.ArbitraryArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPlanPath, "plan", "p", "", "Path to the YAML plan file (required)")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", -1, "Retry ceiling for this job (default from config)")
	submitCmd.MarkFlagRequired("plan")
}

// planFile is the on-disk YAML shape of a submitted plan.
type planFile struct {
	Intent string     `yaml:"intent"`
	Nodes  []planNode `yaml:"nodes"`
}

type planNode struct {
	ID        string            `yaml:"id"`
	Action    string            `yaml:"action"`
	Params    map[string]string `yaml:"params"`
	DependsOn []string          `yaml:"depends_on"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	plan, err := loadPlan(submitPlanPath)
	if err != nil {
		return err
	}

	jobIntent := models.Intent{Name: plan.Intent}
	if jobIntent.Name == "" {
		jobIntent.Name = models.FallbackIntentName
	}
	if text := strings.TrimSpace(strings.Join(args, " ")); text != "" {
		jobIntent, err = routeText(cfg, text)
		if err != nil {
			return err
		}
	}

	g, err := buildPlanGraph(plan)
	if err != nil {
		return err
	}

	maxRetries := submitMaxRetries
	if maxRetries < 0 {
		maxRetries = cfg.Defaults.MaxRetries
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	id, err := q.Submit(jobIntent, g, maxRetries)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	fmt.Printf("%s job %s submitted (intent %q, %d nodes)\n",
		color.GreenString("✓"), id, jobIntent.Name, g.Size())
	return nil
}

// loadPlan reads and sanity-checks a plan file.
func loadPlan(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	plan := &planFile{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}
	if len(plan.Nodes) == 0 {
		return nil, fmt.Errorf("plan file %s has no nodes", path)
	}
	return plan, nil
}

// buildPlanGraph converts plan nodes into a finalized task graph.
func buildPlanGraph(plan *planFile) (*graph.TaskGraph, error) {
	todos := make([]*models.ToDo, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		action := models.ActionType(n.Action)
		if action == "" {
			action = models.ActionNoop
		}
		todos = append(todos, &models.ToDo{
			ID:         n.ID,
			ActionType: action,
			Parameters: n.Params,
			DependsOn:  n.DependsOn,
		})
	}

	g, err := graph.Build(todos)
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return g, nil
}

// routeText maps request text to an intent using the configured rules.
func routeText(cfg *config.Config, text string) (models.Intent, error) {
	router := intent.NewRouter()

	rulesPath := cfg.Intent.RulesFile
	if rulesPath == "" {
		rulesPath = config.DefaultRulesPath()
	}
	if _, err := os.Stat(rulesPath); err == nil {
		if err := router.LoadRulesFile(rulesPath); err != nil {
			return models.Intent{}, fmt.Errorf("load intent rules: %w", err)
		}
	}

	return router.Route(text), nil
}
