// Command geister runs the agent swarm: an HTTP gateway plus the telos
// executor, with maintenance subcommands for agents, templates, swarm
// provisioning and pods.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"geister/internal/config"
	"geister/internal/llm"
	"geister/internal/logging"
	"geister/internal/memory"
	"geister/internal/observability"
	"geister/internal/persona"
	"geister/internal/runpod"
	"geister/internal/server"
	"geister/internal/store"
	"geister/internal/swarm"
	"geister/internal/telos"
	"geister/internal/tools"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "geister",
		Short:         "LLM-backed agent swarm for the Realms ecosystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newExecutorCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newTemplatesCmd())
	root.AddCommand(newSwarmCmd())
	root.AddCommand(newPodCmd())
	return root
}

func loadConfig() (config.RuntimeConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.RuntimeConfig{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.RuntimeConfig, logger logging.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DatabasePath, err)
	}
	return st, nil
}

// runtime bundles the wired components shared by serve and executor run.
type runtime struct {
	store    *store.Store
	client   *llm.Client
	personas *persona.Catalogue
	memories *memory.Service
	metrics  *observability.MetricsCollector
	executor *telos.Executor
}

func buildRuntime(cfg config.RuntimeConfig) (*runtime, error) {
	st, err := openStore(cfg, logging.NewComponentLogger("Store"))
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetricsCollector()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	client := llm.NewClient(llm.Config{
		BaseURL:        cfg.OllamaURL,
		Model:          cfg.Model,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logging.NewComponentLogger("LLM"),
	})

	registry := tools.NewRegistry()
	if err := tools.RegisterRealmTools(registry, tools.ExecRunner{}, logging.NewComponentLogger("Tools"), 128, 30*time.Second); err != nil {
		st.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	personas := persona.NewCatalogue(cfg.PersonasDir, logging.NewComponentLogger("Persona"))
	memories := memory.NewService(st, logging.NewComponentLogger("Memory"))

	executor := telos.NewExecutor(st, memories, client, registry, metrics, logging.NewComponentLogger("Executor"), telos.Config{
		Interval:       cfg.PollInterval,
		Network:        cfg.Network,
		RealmFolder:    cfg.RealmFolder,
		MaxIterations:  cfg.MaxIterations,
		ReadTimeout:    cfg.ReadTimeout,
		SummaryTimeout: cfg.SummaryTimeout,
		MaxLogEntries:  cfg.MaxLogEntries,
		Personas:       personas,
	})

	return &runtime{
		store:    st,
		client:   client,
		personas: personas,
		memories: memories,
		metrics:  metrics,
		executor: executor,
	}, nil
}

func waitOllamaReady(ctx context.Context, rt *runtime, cfg config.RuntimeConfig, logger logging.Logger) {
	if rt.client.WaitReady(ctx, cfg.ReadyTimeout) {
		fmt.Println(green("Ollama is ready"))
		return
	}
	fmt.Println(yellow("Ollama is not reachable yet, continuing anyway"))
	logger.Warn("ollama at %s not ready after %s", cfg.OllamaURL, cfg.ReadyTimeout)
}

func newServeCmd() *cobra.Command {
	var noExecutor bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the telos executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewComponentLogger("Serve")

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			provisioner := swarm.NewProvisioner(rt.store, rt.personas, tools.ExecRunner{}, logging.NewComponentLogger("Swarm"))
			gateway := server.New(rt.store, rt.executor, rt.memories, rt.personas, provisioner, rt.metrics, logging.NewComponentLogger("Gateway"), server.Config{
				Host:  cfg.HTTPHost,
				Port:  cfg.HTTPPort,
				Debug: cfg.Verbose,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("%s model=%s network=%s ollama=%s\n", bold("geister"), cyan(cfg.Model), cyan(cfg.Network), cfg.OllamaURL)
			waitOllamaReady(ctx, rt, cfg, logger)

			if !noExecutor {
				rt.executor.Start()
			}
			errCh := gateway.Start()
			fmt.Printf("%s http://%s:%d\n", green("Gateway listening on"), cfg.HTTPHost, cfg.HTTPPort)

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("gateway: %w", err)
				}
			case <-ctx.Done():
				fmt.Println(yellow("Shutting down"))
			}

			rt.executor.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return gateway.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&noExecutor, "no-executor", false, "serve the gateway without starting the executor")
	return cmd
}

func newExecutorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Control the telos executor",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the telos poll loop headless, without the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewComponentLogger("Executor")

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("%s model=%s network=%s interval=%s\n", bold("executor"), cyan(cfg.Model), cyan(cfg.Network), cfg.PollInterval)
			waitOllamaReady(ctx, rt, cfg, logger)

			rt.executor.Start()
			<-ctx.Done()
			fmt.Println(yellow("Shutting down"))
			rt.executor.Stop()
			return nil
		},
	})
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect registered agents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents and their telos state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			agents, err := st.ListAgents(ctx)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println(yellow("No agents registered"))
				return nil
			}
			for _, a := range agents {
				state := "unassigned"
				progress := ""
				if t, err := st.GetTelosAssignment(ctx, a.ID); err == nil {
					state = t.State
					if steps, err := st.ResolveSteps(ctx, t); err == nil {
						progress = fmt.Sprintf(" step %d/%d", t.CurrentStep, len(steps))
					}
				}
				fmt.Printf("%s  %s  persona=%s  telos=%s%s\n",
					bold(a.ID), a.DisplayName, a.Persona, colorState(state), progress)
			}
			return nil
		},
	})
	return cmd
}

func colorState(state string) string {
	switch state {
	case store.TelosStateActive:
		return green(state)
	case store.TelosStateFailed:
		return red(state)
	case store.TelosStateCompleted:
		return cyan(state)
	default:
		return yellow(state)
	}
}

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect telos templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List telos templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			templates, err := st.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				fmt.Println(yellow("No templates defined"))
				return nil
			}
			for _, tpl := range templates {
				marker := " "
				if tpl.IsDefault {
					marker = green("*")
				}
				fmt.Printf("%s %s  %s  (%d steps)\n", marker, bold(tpl.ID), tpl.Name, len(tpl.Steps))
				for i, step := range tpl.Steps {
					fmt.Printf("    %d. %s\n", i, step)
				}
			}
			return nil
		},
	})
	return cmd
}

func newSwarmCmd() *cobra.Command {
	var (
		count      int
		startIndex int
		personaTag string
	)

	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Provision batches of agents",
	}
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create numbered agents with their own dfx identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			personas := persona.NewCatalogue(cfg.PersonasDir, nil)
			provisioner := swarm.NewProvisioner(st, personas, tools.ExecRunner{}, logging.NewComponentLogger("Swarm"))

			report := provisioner.Provision(cmd.Context(), count, startIndex, personaTag)
			fmt.Printf("%s created=%s skipped=%s failed=%s\n", bold("Done."),
				green(report.Created), yellow(report.Skipped), red(report.Failed))
			return nil
		},
	}
	generate.Flags().IntVar(&count, "count", 5, "number of agents to create")
	generate.Flags().IntVar(&startIndex, "start-index", 1, "first agent index")
	generate.Flags().StringVar(&personaTag, "persona", "compliant", "persona assigned to the new agents")
	cmd.AddCommand(generate)
	return cmd
}

func newPodCmd() *cobra.Command {
	var gpuCount int

	cmd := &cobra.Command{
		Use:   "pod [start|stop|status|terminate] <type>",
		Short: "Manage RunPod GPU pods backing the LLM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, podType := args[0], strings.ToLower(args[1])

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := runpod.NewManager(runpod.Config{
				APIKey: cfg.RunPodAPIKey,
				Logger: logging.NewComponentLogger("RunPod"),
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pod, err := manager.FindPodByType(ctx, podType)
			if err != nil {
				return err
			}

			switch action {
			case "status":
				status, err := manager.Status(ctx, pod.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s (%s): %s\n", bold(pod.Name), pod.ID, colorPodStatus(status))
				if status == runpod.StatusRunning {
					fmt.Printf("  proxy: %s\n", cyan(pod.ProxyURL()))
				}
			case "start":
				if err := manager.Start(ctx, pod.ID, gpuCount); err != nil {
					return err
				}
				fmt.Println(green("Pod running at ") + cyan(pod.ProxyURL()))
			case "stop":
				if err := manager.Stop(ctx, pod.ID); err != nil {
					return err
				}
				fmt.Println(green("Pod stopped"))
			case "terminate":
				if err := manager.Terminate(ctx, pod.ID); err != nil {
					return err
				}
				fmt.Println(green("Pod terminated"))
			default:
				return fmt.Errorf("unknown pod action %q", action)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&gpuCount, "gpu-count", 1, "GPUs to request when starting a pod")
	return cmd
}

func colorPodStatus(status string) string {
	switch status {
	case runpod.StatusRunning:
		return green(status)
	case runpod.StatusExited, runpod.StatusStopped:
		return yellow(status)
	default:
		return red(status)
	}
}
