package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"medtrack/internal/app"
	"medtrack/internal/config"
	"medtrack/internal/db"
	"medtrack/internal/domain"
	"medtrack/internal/engine"
	"medtrack/internal/logger"
	"medtrack/internal/migrate"
	"medtrack/internal/notify"
	"medtrack/internal/repo"
	"medtrack/internal/schedule"
	"medtrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mt",
	Short: "Medtrack CLI",
	Long: `Medtrack keeps a medication schedule honest.
- Workspace: a .medtrack directory holding the database; per-profile config lives in the DB.
- Medications: what you take, when (times like "08:00 AM" or "20:00"), for how long, and how many pills are left.
- Doses: each scheduled slot gets at most one history entry; recording the same slot again flips it in place.
- Reconcile: slots whose grace period has passed with no entry are recorded as missed ('mt reconcile', or continuously via 'mt remind').
- Supply: taking a dose decrements the pill count; 'mt med refill' resets it to the bottle size.
- Event log: diary of changes, view with 'mt log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("MEDTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("profile", "", "profile id (overrides the workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
}

func registerCommands() {
	rootCmd.AddCommand(medCmd())
	rootCmd.AddCommand(doseCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(remindCmd())
}

func medCmd() *cobra.Command {
	med := &cobra.Command{Use: "med", Short: "Manage medications"}
	med.AddCommand(medAddCmd())
	med.AddCommand(medListCmd())
	med.AddCommand(medShowCmd())
	med.AddCommand(medUpdateCmd())
	med.AddCommand(medDeleteCmd())
	med.AddCommand(medRefillCmd())
	return med
}

func medAddCmd() *cobra.Command {
	var (
		name, dosage, startDate, color        string
		times                                 []string
		durationDays, supply, total, refillAt int
		noReminders, refillReminder           bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a medication",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMedication(ctx, engine.MedicationCreateOptions{
					ProfileID:       e.Config.Profile.ID,
					Name:            name,
					Dosage:          dosage,
					Times:           times,
					StartDate:       startDate,
					DurationDays:    durationDays,
					Color:           color,
					ReminderEnabled: !noReminders,
					RefillReminder:  refillReminder,
					CurrentSupply:   supply,
					TotalSupply:     total,
					RefillAt:        refillAt,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "medication name")
	cmd.Flags().StringVar(&dosage, "dosage", "", "dosage, e.g. 100mg")
	cmd.Flags().StringSliceVar(&times, "time", nil, "scheduled time, repeatable (e.g. --time \"08:00 AM\" --time 20:00)")
	cmd.Flags().StringVar(&startDate, "start", "", "start date YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&durationDays, "days", domain.DurationIndefinite, "course length in days (-1 = indefinite)")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().BoolVar(&noReminders, "no-reminders", false, "disable reminders")
	cmd.Flags().BoolVar(&refillReminder, "refill-reminder", false, "enable daily refill checks")
	cmd.Flags().IntVar(&supply, "supply", 0, "pills on hand")
	cmd.Flags().IntVar(&total, "total-supply", 0, "bottle size")
	cmd.Flags().IntVar(&refillAt, "refill-at", 0, "low-supply threshold")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("time")
	return cmd
}

func medListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List medications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				meds := e.Medications(ctx)
				if viper.GetBool("json") {
					return printJSON(meds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Dosage", "Times", "Supply", "Start", "Days"})
				for _, m := range meds {
					days := fmt.Sprintf("%d", m.DurationDays)
					if m.DurationDays == domain.DurationIndefinite {
						days = "ongoing"
					}
					tw.AppendRow(table.Row{m.ID, m.Name, m.Dosage, strings.Join(m.Times, ", "),
						fmt.Sprintf("%d/%d", m.CurrentSupply, m.TotalSupply), m.StartDate, days})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func medShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a medication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMedication(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func medUpdateCmd() *cobra.Command {
	var (
		name, dosage, startDate, color string
		times                          []string
		durationDays, supply, total    int
		refillAt                       int
		reminders, refillReminder      bool
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a medication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.MedicationUpdateOptions{
					ID:      args[0],
					Times:   times,
					ActorID: viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("dosage") {
					opts.Dosage = &dosage
				}
				if cmd.Flags().Changed("start") {
					opts.StartDate = &startDate
				}
				if cmd.Flags().Changed("days") {
					opts.DurationDays = &durationDays
				}
				if cmd.Flags().Changed("color") {
					opts.Color = &color
				}
				if cmd.Flags().Changed("supply") {
					opts.CurrentSupply = &supply
				}
				if cmd.Flags().Changed("total-supply") {
					opts.TotalSupply = &total
				}
				if cmd.Flags().Changed("refill-at") {
					opts.RefillAt = &refillAt
				}
				if cmd.Flags().Changed("reminders") {
					opts.ReminderEnabled = &reminders
				}
				if cmd.Flags().Changed("refill-reminder") {
					opts.RefillReminder = &refillReminder
				}
				m, err := e.UpdateMedication(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "medication name")
	cmd.Flags().StringVar(&dosage, "dosage", "", "dosage")
	cmd.Flags().StringSliceVar(&times, "time", nil, "replacement schedule, repeatable")
	cmd.Flags().StringVar(&startDate, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().IntVar(&durationDays, "days", 0, "course length in days (-1 = indefinite)")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().IntVar(&supply, "supply", 0, "pills on hand")
	cmd.Flags().IntVar(&total, "total-supply", 0, "bottle size")
	cmd.Flags().IntVar(&refillAt, "refill-at", 0, "low-supply threshold")
	cmd.Flags().BoolVar(&reminders, "reminders", true, "enable reminders")
	cmd.Flags().BoolVar(&refillReminder, "refill-reminder", false, "enable daily refill checks")
	return cmd
}

func medDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a medication (dose history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMedication(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func medRefillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refill <id>",
		Short: "Record a refill (supply back to bottle size)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RefillMedication(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func doseCmd() *cobra.Command {
	dose := &cobra.Command{Use: "dose", Short: "Record and inspect doses"}
	dose.AddCommand(doseRecordCmd())
	dose.AddCommand(doseSkipCmd())
	dose.AddCommand(doseTodayCmd())
	dose.AddCommand(doseLogCmd())
	return dose
}

// parseScheduledAt accepts a full RFC3339 instant or a bare time label for
// today (e.g. "08:00 AM").
func parseScheduledAt(e engine.Engine, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("--at is required (RFC3339 or a time like \"08:00 AM\")")
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	ts, err := schedule.InstantForDay(raw, e.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("--at %q: %w", raw, err)
	}
	return ts, nil
}

func doseRecordCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "record <medication-id>",
		Short: "Record a taken dose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts, err := parseScheduledAt(e, at)
				if err != nil {
					return err
				}
				ev, err := e.RecordDose(ctx, args[0], true, ts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "scheduled slot (RFC3339 or a time like \"08:00 AM\" for today)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func doseSkipCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "skip <medication-id>",
		Short: "Record a skipped dose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts, err := parseScheduledAt(e, at)
				if err != nil {
					return err
				}
				ev, err := e.RecordDose(ctx, args[0], false, ts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "scheduled slot (RFC3339 or a time like \"08:00 AM\" for today)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func doseTodayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Today's schedule with recorded outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doses, err := e.TodaysDoses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doses)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Medication", "Dosage", "Status"})
				for _, d := range doses {
					status := "pending"
					if d.Recorded && d.Taken {
						status = "taken"
					} else if d.Recorded {
						status = "missed"
					}
					tw.AppendRow(table.Row{d.Label, d.Medication.Name, d.Medication.Dosage, status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func doseLogCmd() *cobra.Command {
	var n int
	var medicationID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Dose history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.DoseHistory(ctx, medicationID, n))
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().StringVar(&medicationID, "med", "", "filter by medication id")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Record missed doses past their grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.ReconcileMissedDoses(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Adherence over the trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Adherence(ctx, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Last %d days: %d scheduled, %d taken, %d missed, %d pending (%.0f%% adherence)\n",
					stats.Days, stats.Scheduled, stats.Taken, stats.Missed, stats.Pending, stats.Rate*100)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "window length in days")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				name := st.Profile.Name
				if name == "" {
					name = st.Profile.ID
				}
				fmt.Printf("Profile: %s\n", name)
				fmt.Printf("Medications: %d (%d active, %d low on supply)\n", st.Medications, st.Active, st.LowSupply)
				fmt.Printf("Dose history: %d entries\n", st.DoseEvents)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage profile config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter medtrack.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			existing, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%s already exists", config.Path(workspace))
			}
			profileID := viper.GetString("profile")
			if profileID == "" {
				profileID = "default"
			}
			path := config.Path(workspace)
			if err := os.WriteFile(path, []byte(config.GenerateDefault(profileID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show profile config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import profile config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			profileID := cfg.Profile.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if profileID == "" {
					profileID = e.Config.Profile.ID
				}
				if err := e.Repo.UpsertProfileConfig(ctx, profileID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: <workspace>/medtrack.yml)")
	return cmd
}

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{Use: "device", Short: "Manage API keys for companion devices"}
	dev.AddCommand(deviceAddCmd())
	dev.AddCommand(deviceListCmd())
	dev.AddCommand(deviceRemoveCmd())
	return dev
}

func deviceAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a device key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// the plaintext key is shown once and never stored
				fmt.Printf("device key (save it now, it will not be shown again): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "device name")
	return cmd
}

func deviceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List device keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func deviceRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a device key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Profile.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func resetCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe medications, dose history, and the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to wipe data without --confirm")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.WipeAll(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the wipe")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(false); err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProfileAndConfig(cmd.Context(), viper.GetString("profile"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("MEDTRACK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				authCfg.AllowLocal = true
				logger.L().Warn("MEDTRACK_JWT_SECRET unset; unauthenticated requests run as the local actor")
			}
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
			fmt.Printf("Serving Medtrack API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func remindCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Run the reminder daemon (dose reminders, refill checks, periodic reconciliation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(debug); err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProfileAndConfig(cmd.Context(), viper.GetString("profile"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			sched := notify.NewCronScheduler(notify.Config{
				RefillCheckAt: cfg.Reminders.RefillCheckAt,
				OnRefillCheck: func(t notify.Target) {
					m, err := r.GetMedication(context.Background(), t.ReminderTargetID())
					if err != nil {
						return
					}
					if m.RefillAt > 0 && m.CurrentSupply <= m.RefillAt {
						logger.L().Warn("supply running low",
							zap.String("medication", m.Name),
							zap.Int("remaining", m.CurrentSupply),
							zap.Int("threshold", m.RefillAt))
					}
				},
			})
			e.Notify = sched
			if cfg.Reminders.Enabled {
				if err := e.ScheduleAllReminders(cmd.Context()); err != nil {
					return err
				}
			}
			if _, err := sched.AddEvery(cfg.ReconcileInterval(), func() {
				sum, err := e.ReconcileMissedDoses(context.Background(), "reminder-daemon")
				if err != nil {
					logger.L().Error("reconcile failed", zap.Error(err))
					return
				}
				if sum.Missed > 0 {
					logger.L().Info("recorded missed doses", zap.Int("missed", sum.Missed))
				}
			}); err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()
			logger.L().Info("reminder daemon running",
				zap.String("refill_check_at", cfg.Reminders.RefillCheckAt),
				zap.Duration("reconcile_every", cfg.ReconcileInterval()))
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProfileAndConfig(ctx, viper.GetString("profile"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
