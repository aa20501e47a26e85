package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// options holds the flags shared by the converge and watch commands.
type options struct {
	kitchenPath string
	load        string
	dump        string
	overrides   []string
	inputs      []string
	verbose     bool
	quiet       bool
	envFile     string
	policies    []string
	journal     string
	metricsAddr string
	natsURL     string
	roles       []string
}

// level picks the log level: --verbose, --quiet, then LOG_LEVEL.
func (o *options) level() string {
	switch {
	case o.verbose:
		return "debug"
	case o.quiet:
		return "warn"
	}
	switch l := os.Getenv("LOG_LEVEL"); l {
	case "trace", "debug", "info", "warn", "error":
		return l
	}
	return "info"
}

// Execute runs the root command.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCommand(info, os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
}

func newRootCommand(info BuildInfo, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "kokki [role...]",
		Short: "kokki - configuration convergence for a single host",
		Long: `kokki converges the local machine to the state declared by recipes.

The kitchen file defines roles; each role named on the command line is called
with the kitchen, includes recipes from cookbooks and declares resources. The
declared resources are then converged in order, with notifications between
them, after mandatory parameters and policies have been checked.`,
		Example: `  # Converge the web role from ./kitchen.star
  kokki web

  # Use a directory of kitchen files and override a config value
  kokki -f kitchens/ -o nginx.port=8080 base web

  # Write the configured kitchen to stdout instead of converging
  kokki -d json:- web

  # Converge a previously dumped kitchen
  kokki -l binary:/var/lib/kokki/web.dump`,
		Args:          cobra.ArbitraryArgs,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil {
					return engine.NewUserError(engine.ErrCodeSourcePath,
						fmt.Sprintf("cannot load env file %s", opts.envFile), err)
				}
			}
			zerolog.SetGlobalLevel(telemetry.ParseLevel(opts.level()))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.roles = args
			a, err := newApp(cmd.Context(), opts, info, stdin, stdout, stderr)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))
			return a.converge(cmd.Context())
		},
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.kitchenPath, "file", "f", "kitchen.star", "kitchen file, or a directory of *.star files")
	flags.StringVarP(&opts.load, "load", "l", "", "load a dumped kitchen (fmt:path) instead of running roles")
	flags.StringVarP(&opts.dump, "dump", "d", "", "dump the configured kitchen to fmt:path and exit")
	flags.StringArrayVarP(&opts.overrides, "override", "o", nil, "config override key=value (repeatable)")
	flags.StringArrayVarP(&opts.inputs, "input", "i", nil, "input value key=value, seeded under input.* (repeatable)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "log warnings and errors only")
	flags.StringVar(&opts.envFile, "env-file", "", "load environment variables from a dotenv file")
	flags.StringArrayVar(&opts.policies, "policy", nil, "additional .rego policy file or directory (repeatable)")
	flags.StringVar(&opts.journal, "journal", defaultJournalPath(), `run journal database ("" disables)`)
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.StringVar(&opts.natsURL, "events-nats", "", "forward events to this NATS server")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	rootCmd.MarkFlagsMutuallyExclusive("load", "dump")

	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts, info, stdin, stdout, stderr))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

// defaultJournalPath is $KOKKI_JOURNAL, or journal.db under the user's
// state directory.
func defaultJournalPath() string {
	if p, ok := os.LookupEnv("KOKKI_JOURNAL"); ok {
		return p
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "kokki", "journal.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "kokki", "journal.db")
}

// PrintError reports err. User errors print only their message; anything
// else prints the whole chain.
func PrintError(w io.Writer, err error) {
	var e *engine.Error
	if errors.As(err, &e) && e.Kind == engine.ErrorKindUser {
		fmt.Fprintf(w, "kokki: %s\n", e.Message)
		return
	}
	fmt.Fprintf(w, "kokki: error: %v\n", err)
}
