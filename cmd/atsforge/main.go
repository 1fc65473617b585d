package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atsforge/internal/config"
	"atsforge/internal/db"
	"atsforge/internal/domain"
	"atsforge/internal/draft"
	"atsforge/internal/engine"
	"atsforge/internal/migrate"
	"atsforge/internal/repo"
	"atsforge/internal/rules"
	"atsforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "atsforge",
	Short: "atsforge CLI",
	Long: `atsforge generates Job Safety Analysis (ATS) documents by combining
deterministic safety-rule evaluation with a generative drafting service,
reconciled so that stop-work conclusions can never be silently downgraded.
The workspace holds atsforge.yml plus a local audit database; documents
themselves are never persisted.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ATSFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(seedsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func openEngine(ctx context.Context) (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg, drafterFor(cfg))
	return e, func() { conn.Close() }, nil
}

func drafterFor(cfg *config.Config) draft.Drafter {
	if cfg == nil || strings.TrimSpace(cfg.Drafting.BaseURL) == "" {
		return nil
	}
	timeout := time.Duration(cfg.Drafting.TimeoutSeconds) * time.Second
	return draft.NewClient(cfg.Drafting.BaseURL, cfg.Drafting.Model, timeout)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ATSFORGE_JWT_SECRET")}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("atsforge API listening on %s (base path %s)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func generateCmd() *cobra.Command {
	var file string
	var offline bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an ATS document from a JSON request file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRequest(file)
			if err != nil {
				return err
			}
			req.Offline = req.Offline || offline
			req.ActorID = viper.GetString("actor-id")
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			doc, err := e.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request JSON file (- for stdin)")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the drafting service; build from deterministic seeds")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func seedsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seeds",
		Short: "Preview deterministic seeds for a request file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRequest(file)
			if err != nil {
				return err
			}
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			seeds := e.ComputeSeeds(req)
			return printJSON(map[string]any{
				"triggers":            seeds.Triggers,
				"criteria":            rules.Criteria,
				"checklist_actions":   seeds.Checklist,
				"procedure_influence": seeds.Procedure.Influence(),
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readRequest(file string) (engine.GenerateRequest, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return engine.GenerateRequest{}, err
	}
	var req engine.GenerateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return engine.GenerateRequest{}, fmt.Errorf("invalid request json: %w", err)
	}
	return req, nil
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			plaintext := uuid.NewString()
			key := newAPIKey(actor, name, plaintext)
			if err := e.Repo.InsertAPIKey(cmd.Context(), nil, key); err != nil {
				return err
			}
			fmt.Printf("API key created for %s (store it now, it is not shown again):\n%s\n", actor, plaintext)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			keys, err := e.Repo.ListAPIKeys(cmd.Context(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(keys)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
			for _, k := range keys {
				t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
			}
			t.Render()
			return nil
		},
	}
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return e.Repo.DeleteAPIKey(cmd.Context(), args[0])
		},
	}
}

func logCmd() *cobra.Command {
	logs := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	logs.AddCommand(logTailCmd())
	logs.AddCommand(logGenerationsCmd())
	return logs
}

func logTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			latest, err := e.Repo.LatestEventID(cmd.Context())
			if err != nil {
				return err
			}
			after := latest - int64(limit)
			if after < 0 {
				after = 0
			}
			events, err := e.Repo.EventsAfter(cmd.Context(), limit, after)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "TS", "Type", "Actor", "Entity"})
			for _, evt := range events {
				t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ActorID, evt.EntityID})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func logGenerationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "Show recent generation records",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			items, err := e.Repo.ListGenerations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "TS", "Actor", "Decision", "Triggers", "Source"})
			for _, g := range items {
				t.AppendRow(table.Row{g.ID, g.TS, g.ActorID, g.Decision, g.TriggerCount, g.DraftSource})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default atsforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAPIKey(actor, name, plaintext string) domain.APIKey {
	return domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actor,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}
