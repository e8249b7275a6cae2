package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/uroflow/uroflow/internal/config"
	"github.com/uroflow/uroflow/internal/domain/uroflow"
	"github.com/uroflow/uroflow/internal/platform/auth"
	"github.com/uroflow/uroflow/internal/platform/backend"
	"github.com/uroflow/uroflow/pkg/ident"
)

// cliEnv is what every signed-in command needs.
type cliEnv struct {
	cfg     *config.Config
	logger  zerolog.Logger
	client  *backend.Client
	manager *auth.Manager
}

func loadCLIEnv(cmd *cobra.Command) (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// Commands print to stdout; keep logs on stderr and quiet.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	client := newBackendClient(cfg, logger)

	path := cfg.CredentialsFile
	if path == "" {
		path = auth.DefaultCredentialsPath()
	}
	return &cliEnv{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		manager: auth.NewManager(client, auth.NewFileCredentialStore(path), []byte(cfg.SigningKey)),
	}, nil
}

// session restores the stored session onto ctx.
func (env *cliEnv) session(ctx context.Context) (context.Context, error) {
	s, err := env.manager.Restore()
	switch {
	case errors.Is(err, auth.ErrNotSignedIn):
		return nil, errors.New("not signed in, run: uroflow-server signin --email <email>")
	case errors.Is(err, auth.ErrSessionExpired):
		return nil, errors.New("session expired, sign in again")
	case err != nil:
		return nil, err
	}
	return auth.WithSession(ctx, s), nil
}

func signInCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in as a doctor and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("UROFLOW_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("--email and --password (or UROFLOW_PASSWORD) are required")
			}

			env, err := loadCLIEnv(cmd)
			if err != nil {
				return err
			}
			s, err := env.manager.SignIn(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if s.Role != auth.RoleDoctor {
				_ = env.manager.SignOut()
				return errors.New("the workspace is available to doctors only")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", s.UserID)
			return nil
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password")
	return cmd
}

func signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadCLIEnv(cmd)
			if err != nil {
				return err
			}
			if err := env.manager.SignOut(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func entriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List diagnostic entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadCLIEnv(cmd)
			if err != nil {
				return err
			}
			ctx, err := env.session(cmd.Context())
			if err != nil {
				return err
			}

			ws := uroflow.NewWorkspace("cli", uroflow.Dependencies{Entries: env.client, Logger: env.logger})
			list, err := ws.Entries(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-12s %-24s %-17s %s\n", "ID", "PATIENT", "CREATED", "VIDEO")
			for _, e := range list {
				video := "no"
				if e.HasVideo() {
					video = "yes"
				}
				fmt.Fprintf(out, "%-12s %-24s %-17s %s\n", e.ID, e.PatientName, e.CreatedAt.Local().Format("2006-01-02 15:04"), video)
			}
			return nil
		},
	}
}

func composeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose <entry-id>",
		Short: "Compose a uroflowmetry report for an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadCLIEnv(cmd)
			if err != nil {
				return err
			}
			ctx, err := env.session(cmd.Context())
			if err != nil {
				return err
			}
			store, pool, err := openReportStore(ctx, env.cfg, env.client)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}
			deps, err := newDependencies(ctx, env.cfg, env.logger, env.client, store, nil)
			if err != nil {
				return err
			}

			s, _ := env.manager.Current()
			ws := uroflow.NewWorkspace(s.UserID, deps)
			defer ws.Close()

			done, err := ws.Select(ctx, ident.ID(args[0]))
			if err != nil {
				return err
			}
			select {
			case <-done:
			case <-time.After(env.cfg.RequestTimeout):
				return errors.New("timed out loading the entry")
			}

			ops, err := formOpsFromFlags(cmd)
			if err != nil {
				return err
			}
			if len(ops) > 0 {
				if _, err := ws.UpdateForm(ops); err != nil {
					return err
				}
			}

			report, err := ws.Compose(ctx)
			if err != nil {
				return err
			}
			if report.Warning != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", report.Warning)
			}

			dir, _ := cmd.Flags().GetString("out")
			path := filepath.Join(dir, report.FileName)
			if err := os.WriteFile(path, []byte(report.Text), 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s).\n", path, report.Source)

			if save, _ := cmd.Flags().GetBool("save"); save {
				saved, err := ws.Save(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved report %s.\n", saved.ID)
			}
			return nil
		},
	}
	for _, f := range textFlags {
		cmd.Flags().String(f.flag, "", f.usage)
	}
	cmd.Flags().StringSlice("indication", nil, "Indication option (repeatable)")
	cmd.Flags().StringSlice("impression", nil, "Impression option (repeatable)")
	cmd.Flags().String("flow-curve", "", "Flow curve pattern option")
	cmd.Flags().String("stream", "", "Stream pattern option")
	cmd.Flags().String("initiation", "", "Initiation option")
	cmd.Flags().String("meatal", "", "Meatal abnormality option")
	cmd.Flags().Bool("straining", false, "Straining observed")
	cmd.Flags().String("out", ".", "Directory to write the report to")
	cmd.Flags().Bool("save", false, "Also store the report with the entry")
	return cmd
}

var textFlags = []struct {
	flag  string
	field uroflow.FormField
	usage string
}{
	{"name", uroflow.FieldName, "Patient name (defaults to the entry's patient)"},
	{"age", uroflow.FieldAge, "Patient age"},
	{"sex", uroflow.FieldSex, "Patient sex"},
	{"uhid", uroflow.FieldUHID, "Hospital UHID"},
	{"indication-other", uroflow.FieldIndicationOther, "Other indication, free text"},
	{"interpretation", uroflow.FieldInterpretation, "Combined interpretation"},
	{"recommendations", uroflow.FieldRecommendations, "Recommendations"},
}

var choiceFlags = []struct {
	flag  string
	field uroflow.FormField
}{
	{"flow-curve", uroflow.FieldFlowCurve},
	{"stream", uroflow.FieldStreamPattern},
	{"initiation", uroflow.FieldInitiation},
	{"meatal", uroflow.FieldMeatal},
}

// formOpsFromFlags turns the flags the user set into form edits.
func formOpsFromFlags(cmd *cobra.Command) ([]uroflow.FormOp, error) {
	flags := cmd.Flags()
	var ops []uroflow.FormOp
	for _, f := range textFlags {
		if flags.Changed(f.flag) {
			v, _ := flags.GetString(f.flag)
			ops = append(ops, uroflow.FormOp{Op: uroflow.OpSet, Field: f.field, Value: v})
		}
	}
	for _, f := range choiceFlags {
		if flags.Changed(f.flag) {
			v, _ := flags.GetString(f.flag)
			ops = append(ops, uroflow.FormOp{Op: uroflow.OpChoose, Field: f.field, Value: v})
		}
	}
	for flag, field := range map[string]uroflow.FormField{
		"indication": uroflow.FieldIndications,
		"impression": uroflow.FieldImpressions,
	} {
		values, err := flags.GetStringSlice(flag)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			ops = append(ops, uroflow.FormOp{Op: uroflow.OpToggle, Field: field, Value: v})
		}
	}
	if flags.Changed("straining") {
		v, _ := flags.GetBool("straining")
		ops = append(ops, uroflow.FormOp{Op: uroflow.OpStraining, Checked: v})
	}
	return ops, nil
}
