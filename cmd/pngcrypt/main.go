// pngcrypt inspects, cleans and RSA-encrypts PNG images from the command
// line. Image and bundle arguments accept a file path, "-" for
// stdin/stdout, or an s3://bucket/key object.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/kenneth/pngcrypt/internal/config"
	"github.com/kenneth/pngcrypt/internal/pipeline"
	"github.com/kenneth/pngcrypt/internal/store"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		printError(os.Stderr, "%v", err)
		os.Exit(1)
	}
}

// app holds what every command needs once flags and config are loaded.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    *store.Store
	pipeline *pipeline.Pipeline
	stdout   io.Writer
	stderr   io.Writer
}

// command describes one subcommand. setup registers the command's flags
// and returns the function that runs it with the positional arguments.
type command struct {
	args    string
	summary string
	nargs   int
	setup   func(fs *pflag.FlagSet) func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"metadata": {"<image>", "print every chunk and a per-type summary", 1, metadataCommand},
	"clean":    {"<image> <output>", "write a copy holding only the critical chunks", 2, cleanCommand},
	"keygen":   {"<bundle>", "generate an RSA keypair into a key bundle", 1, keygenCommand},
	"encrypt":  {"<image> <output>", "encrypt the pixel data of an image", 2, encryptCommand},
	"decrypt":  {"<image> <output>", "decrypt an image produced by encrypt", 2, decryptCommand},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("no command given")
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	case "--version", "version":
		fmt.Fprintf(stdout, "pngcrypt %s\n", version)
		return nil
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", name)
	}

	var (
		configPath string
		verbose    bool
	)
	fs := pflag.NewFlagSet("pngcrypt "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&configPath, "config", "c", "", "configuration file (default $"+config.EnvPrefix+"CONFIG or pngcrypt.yaml)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pngcrypt %s [flags] %s\n\n%s\n\nFlags:\n", name, cmd.args, cmd.summary)
		fs.PrintDefaults()
	}
	runCmd := cmd.setup(fs)

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != cmd.nargs {
		fs.Usage()
		return fmt.Errorf("%s expects %d argument(s), got %d", name, cmd.nargs, fs.NArg())
	}

	a, err := newApp(configPath, verbose, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	return runCmd(ctx, a, fs.Args())
}

func newApp(configPath string, verbose bool, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	if configPath == "" {
		configPath = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	if configPath == "" {
		configPath = "pngcrypt.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	// Progress goes through the colored printers, so info is quiet here.
	if level == logrus.InfoLevel {
		level = logrus.WarnLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store.New(cfg.Storage, nil, logger).WithStdio(stdin, stdout),
		pipeline: pipeline.New(pipeline.OptionsFromConfig(cfg), logger, nil, nil),
		stdout:   stdout,
		stderr:   stderr,
	}, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pngcrypt <command> [flags] <arguments>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-9s %-18s %s\n", name, cmd.args, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Locations are file paths, - for stdin/stdout, or s3://bucket/key.")
}
