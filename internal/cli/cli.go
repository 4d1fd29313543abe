package cli

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/racegate/internal/app"
)

// Version is reported by --version.
var Version = "0.1.0"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

type flags struct {
	script          string
	db              string
	output          string
	showResponse    bool
	healthcheckPort int
	logFormat       string
	logLevel        string
}

// errNoScript signals that usage was printed because no script was given.
var errNoScript = errors.New("no script path given")

// newRootCommand builds the racegate command. On success cfg receives the
// validated configuration.
func newRootCommand(cfg **app.Config) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "racegate [flags] SCRIPT_PATH",
		Short: "racegate - race-condition testing for HTTP/1.1 endpoints",
		Long: `racegate sends batches of near-identical requests whose final byte is held
back behind a named gate, then releases every gate at once so the requests
reach the server together.

SCRIPT_PATH is a single .hcl attack script or a directory of .hcl files.

Examples:
  racegate race.hcl                        # run and print a results table
  racegate -s attacks/ --output json       # merge a directory, print JSON
  racegate race.hcl --db results.db        # keep results in SQLite`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Debug("Arguments parsed successfully.")

			path := f.script
			if path == "" && len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				slog.Debug("No script path provided, printing usage and exiting.")
				cmd.Usage()
				return errNoScript
			}

			logFormat := strings.ToLower(f.logFormat)
			if logFormat != "text" && logFormat != "json" {
				return &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
			}

			logLevel := strings.ToLower(f.logLevel)
			switch logLevel {
			case "debug", "info", "warn", "error":
			default:
				return &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
			}

			c, err := app.NewConfig(app.Config{
				ScriptPath:      path,
				DBPath:          f.db,
				Output:          strings.ToLower(f.output),
				ShowResponse:    f.showResponse,
				HealthcheckPort: f.healthcheckPort,
				LogFormat:       logFormat,
				LogLevel:        logLevel,
			})
			if err != nil {
				return &ExitError{Code: 2, Message: err.Error()}
			}
			*cfg = c
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.script, "script", "s", "", "Path to the attack script file or directory.")
	fl.StringVar(&f.db, "db", "", "SQLite file to store results in. Empty keeps results in memory.")
	fl.StringVarP(&f.output, "output", "o", "text", "Report format. Options: 'text', 'json' or 'yaml'.")
	fl.BoolVar(&f.showResponse, "show-response", false, "Include raw responses in the report.")
	fl.IntVar(&f.healthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	fl.StringVar(&f.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	fl.StringVar(&f.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	return cmd
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	var cfg *app.Config
	cmd := newRootCommand(&cfg)
	cmd.SetArgs(args)
	cmd.SetOut(output)
	cmd.SetErr(output)

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errNoScript) {
			return nil, true, nil
		}
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return nil, false, exitErr
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	// Help and version are handled by cobra without running the command.
	if cfg == nil {
		return nil, true, nil
	}

	slog.Debug("CLI parser finished successfully.", "config", cfg)
	return cfg, false, nil
}
