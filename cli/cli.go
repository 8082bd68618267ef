// Package cli wires the packages into the sniproxy-ng command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/logx"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	trace      bool
	silent     bool
	instaflush bool
	syslog     bool
	logFormat  string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRootCmd builds the command tree reading from stdin and writing to
// stdout and stderr.
func NewRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "sniproxy-ng",
		Short:         "TLS SNI extraction, classification and proxying",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	pf.BoolVar(&o.trace, "trace", false, "Verbosity TRACE")
	pf.BoolVar(&o.silent, "silent", false, "Verbosity ERROR")
	pf.BoolVar(&o.instaflush, "instaflush", false, "Unbuffered logging")
	pf.BoolVar(&o.syslog, "syslog", false, "Log via syslog")
	pf.StringVar(&o.logFormat, "log-format", "", "log output: pretty or json")

	root.AddCommand(
		newExtractCmd(o),
		newGenCmd(o),
		newPcapCmd(o),
		newSniffCmd(o),
		newNfqueueCmd(o),
		newServeCmd(o),
	)
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCmd(os.Stdin, os.Stdout, os.Stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	_ = logx.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sniproxy-ng: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig builds the effective configuration: defaults, then the file,
// then whatever apply copies from explicitly set flags. Logging is set up
// from the result.
func (o *rootOptions) loadConfig(fs *pflag.FlagSet, apply func(*config.Config, *pflag.FlagSet)) (*config.Config, error) {
	cfg := config.DefaultConfig
	if o.configPath != "" {
		if err := config.Load(o.configPath, &cfg); err != nil {
			return nil, err
		}
	}
	if apply != nil {
		apply(&cfg, fs)
	}
	if o.logFormat != "" {
		cfg.Server.LogFormat = o.logFormat
	}
	cfg.Logging = config.Logging{
		Trace:      o.trace,
		Silent:     o.silent,
		Instaflush: o.instaflush,
		Syslog:     o.syslog,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := o.initLogging(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (o *rootOptions) initLogging(cfg *config.Config) error {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	format, err := logx.ParseFormat(cfg.Server.LogFormat)
	if err != nil {
		return err
	}
	logx.Init(o.stderr, lvl, cfg.Logging.Instaflush)
	logx.SetFormat(format)
	if cfg.Logging.Syslog {
		if err := logx.EnableSyslog("sniproxy-ng"); err != nil {
			// keep stderr logger and report the failure
			logx.Errorf("syslog enable failed: %v", err)
		}
	}
	return nil
}
