package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"campuscast/internal/access"
	"campuscast/internal/app"
	"campuscast/internal/audience"
	"campuscast/internal/config"
	"campuscast/internal/dispatch"
	"campuscast/internal/storage"
	"campuscast/internal/transport"
	logx "campuscast/pkg/logx"
)

const defaultConfigPath = "./campuscast.yaml"

type rootOpts struct {
	cfgPath string
	quiet   bool
}

func newRootCmd() *cobra.Command {
	o := &rootOpts{}
	root := &cobra.Command{
		Use:           "campuscast",
		Short:         "Personalized bulk messages for course platforms",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.cfgPath, "config", "c", defaultConfigPath, "config file (JSON or YAML)")
	root.PersistentFlags().BoolVarP(&o.quiet, "quiet", "q", false, "only log warnings and errors")

	root.AddCommand(
		newValidateCmd(o),
		newFieldsCmd(o),
		newDispatchCmd(o),
		newSchedulesCmd(o),
		newServeCmd(o),
		newSeedCmd(o),
	)
	return root
}

// loadConfig reads the config file. A missing default file means an empty config.
func (o *rootOpts) loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	b, err := os.ReadFile(o.cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
			return &config.Config{}, false, nil
		}
		return nil, false, err
	}
	cfg, err := config.Decode(o.cfgPath, b)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", o.cfgPath, err)
	}
	return cfg, true, nil
}

func (o *rootOpts) logger() logx.Logger {
	if o.quiet {
		return logx.NewConsole("WARN")
	}
	return logx.NewConsole("INFO")
}

// openApp builds a one-shot app; long-running serve uses app.New for reloads.
func (o *rootOpts) openApp(cmd *cobra.Command, extra ...app.Option) (*app.App, error) {
	cfg, _, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts := append([]app.Option{app.WithLogger(o.logger())}, extra...)
	return app.NewFromConfig(cfg, opts...)
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, app.StopAppStop)
}

func readTemplate(arg, file string) (string, error) {
	switch {
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	case file != "":
		b, err := os.ReadFile(file)
		return string(b), err
	case arg != "":
		return arg, nil
	default:
		return "", errors.New("template required (argument or --template-file)")
	}
}

func newValidateCmd(o *rootOpts) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate [template]",
		Short: "Check template syntax and report unknown tokens",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readTemplate(firstArg(args), file)
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			unknown, err := a.Validate(text)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(unknown) == 0 {
				fmt.Fprintln(out, "ok")
				return nil
			}
			fmt.Fprintf(out, "unknown tokens (render blank): %s\n", strings.Join(unknown, ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "template-file", "f", "", "read template from file (- for stdin)")
	return cmd
}

func newFieldsCmd(o *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List personalization tokens by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tTOKEN")
			for _, f := range a.Fields() {
				fmt.Fprintf(tw, "%s\t{%s}\n", f.Category, f.Name)
			}
			return tw.Flush()
		},
	}
}

type dispatchFlags struct {
	as        string
	target    string
	file      string
	course    string
	lesson    string
	transport string
	label     string
	minRole   string
	data      map[string]string
	dryRun    bool
}

func newDispatchCmd(o *rootOpts) *cobra.Command {
	f := &dispatchFlags{}
	cmd := &cobra.Command{
		Use:   "dispatch [template]",
		Short: "Send a personalized message to an audience",
		Example: `  campuscast dispatch --as u-admin --audience course:c-101 "Hi {firstName}, {courseName} starts {courseStartDate}"
  campuscast dispatch --as u-admin --audience ids:u1,u2 --dry-run -f reminder.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readTemplate(firstArg(args), f.file)
			if err != nil {
				return err
			}
			spec, err := audience.Parse(f.target)
			if err != nil {
				return err
			}
			var kind transport.Kind
			if f.transport != "" {
				if kind, err = transport.ParseKind(f.transport); err != nil {
					return err
				}
			}

			var dry *transport.Memory
			var extra []app.Option
			if f.dryRun {
				dry = transport.NewMemory()
				extra = append(extra, app.WithSender(dry))
			}
			a, err := o.openApp(cmd, extra...)
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.Dispatch(cmd.Context(), app.DispatchRequest{
				Label:       f.label,
				PrincipalID: f.as,
				Audience:    spec,
				Template:    text,
				CustomData:  f.data,
				CourseID:    f.course,
				LessonID:    f.lesson,
				Transport:   kind,
				MinRole:     access.Role(f.minRole),
			})
			printResult(cmd.OutOrStdout(), res)
			if dry != nil {
				for _, d := range dry.Sent() {
					fmt.Fprintf(cmd.OutOrStdout(), "--- %s\n%s\n", d.RecipientID, d.Text)
				}
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.as, "as", "", "principal id the send runs as")
	fl.StringVarP(&f.target, "audience", "a", "", "all | role:<role> | course:<id> | ids:<id>,<id>")
	fl.StringVarP(&f.file, "template-file", "f", "", "read template from file (- for stdin)")
	fl.StringVar(&f.course, "course", "", "course id for course tokens")
	fl.StringVar(&f.lesson, "lesson", "", "lesson id for lesson tokens")
	fl.StringVarP(&f.transport, "transport", "t", "", "log | email | sms (default dispatch.transport)")
	fl.StringVar(&f.label, "label", "", "job label for logs")
	fl.StringVar(&f.minRole, "min-role", "", "required role for this send (default access.dispatch_min_role)")
	fl.StringToStringVar(&f.data, "data", nil, "custom token values, key=value")
	fl.BoolVar(&f.dryRun, "dry-run", false, "render and record instead of sending")
	_ = cmd.MarkFlagRequired("audience")
	return cmd
}

func printResult(w io.Writer, res dispatch.Result) {
	if res.JobID == "" {
		return
	}
	fmt.Fprintf(w, "job %s: total=%d sent=%d failed=%d skipped=%d dropped=%d\n",
		res.JobID, res.Total, res.Sent, res.Failed, res.Skipped, res.Dropped)
	if len(res.DroppedIDs) > 0 {
		fmt.Fprintf(w, "unknown ids: %s\n", strings.Join(res.DroppedIDs, ", "))
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "failed %s (%s): %v\n", f.RecipientID, f.Reason, f.Err)
	}
	for _, wn := range res.Warnings {
		fmt.Fprintf(w, "warning %s: unresolved %s\n", wn.RecipientID, strings.Join(wn.Tokens, ", "))
	}
}

func newSchedulesCmd(o *rootOpts) *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List configured schedules, or run one now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if run != "" {
				res, err := a.TriggerSchedule(cmd.Context(), run)
				printResult(cmd.OutOrStdout(), res)
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSCHEDULE")
			for _, s := range a.Schedules() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Kind, s.Schedule)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "trigger the schedule with this id now")
	return cmd
}

func newServeCmd(o *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled dispatches and reload config on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(o.cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				closeApp(a)
				return err
			}

			reason := app.StopSIGINT
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return a.Err()
		},
	}
}

func newSeedCmd(o *rootOpts) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a directory snapshot into the sqlite store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
			case "sqlite", "sqlite3":
			default:
				return fmt.Errorf("seed needs storage.driver=sqlite, have %q", cfg.Storage.Driver)
			}
			busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
			if err != nil {
				return err
			}
			snap, err := storage.ReadSnapshot(from)
			if err != nil {
				return err
			}

			db, err := storage.OpenSQLite(cmd.Context(), storage.Config{Driver: "sqlite", Path: cfg.Storage.Path, BusyTimeout: busy}, o.logger())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Load(cmd.Context(), snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d recipients, %d courses, %d lessons, %d enrollments\n",
				len(snap.Recipients), len(snap.Courses), len(snap.Lessons), len(snap.Enrollments))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "snapshot file (JSON or YAML)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
