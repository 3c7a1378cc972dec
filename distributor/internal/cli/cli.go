// Package cli wires the pipeline stages into the distributor command surface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mevdist/distributor/pkg/artifact"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain"
	"github.com/malbeclabs/mevdist/distributor/pkg/metrics"
	"github.com/malbeclabs/mevdist/distributor/pkg/notify"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitFailed = 2
)

// BuildInfo is set by the main package from LDFLAGS.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Build  BuildInfo
	Clock  clockwork.Clock

	// Env replaces the process environment when set.
	Env *Env
	// Store replaces the file/S3 artifact router when set.
	Store artifact.Store
	// NewClient replaces the JSON-RPC chain client when set.
	NewClient func(ctx context.Context, programID solana.PublicKey) (chain.Client, error)
}

type runFunc func(ctx context.Context, a *app) (*report.Report, error)

type command struct {
	name    string
	summary string
	// setup registers the command's flags and returns its runner.
	setup func(fs *flag.FlagSet) runFunc
}

var commands = []command{
	extractCommand,
	buildTreeCommand,
	uploadRootCommand,
	claimCommand,
	reclaimRentCommand,
	verifyProofCommand,
}

// app carries what every command needs.
type app struct {
	log       *slog.Logger
	env       Env
	opts      Options
	store     artifact.Store
	clock     clockwork.Clock
	programID string
	stdout    io.Writer
}

// Run executes the command named by args[0] and returns the process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(opts.Stderr)
		if len(args) == 0 {
			return ExitFatal
		}
		return ExitOK
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(opts.Stderr, "Error: unknown command %q\n\n", args[0])
		usage(opts.Stderr)
		return ExitFatal
	}

	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	verboseFlag := fs.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := fs.String("metrics-addr", "", "address to serve prometheus metrics on while the command runs")
	reportFlag := fs.String("report", "", "write the JSON report to this path instead of stdout")
	programIDFlag := fs.String("program-id", "", "distribution program id (or set MEVDIST_PROGRAM_ID env var)")
	runner := cmd.setup(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitFatal
	}

	log := logger.NewWithWriter(opts.Stderr, *verboseFlag)

	var env Env
	if opts.Env != nil {
		env = *opts.Env
	} else {
		var err error
		if env, err = LoadEnv(); err != nil {
			log.Error("failed to load configuration", "error", err)
			return ExitFatal
		}
	}
	if *programIDFlag != "" {
		env.ProgramID = *programIDFlag
	}

	if env.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         env.SentryDSN,
			Environment: env.SentryEnvironment,
			Release:     opts.Build.Version,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(opts.Build.Version, opts.Build.Commit, opts.Build.Date).Set(1)
		stop, err := serveMetrics(log, *metricsAddrFlag)
		if err != nil {
			log.Error("failed to start prometheus metrics server", "error", err)
			return ExitFatal
		}
		defer stop()
	}

	store := opts.Store
	if store == nil {
		store = &artifact.Router{S3Cfg: artifact.S3Config{Region: env.S3Region, Endpoint: env.S3Endpoint}}
	}
	a := &app{
		log:       log,
		env:       env,
		opts:      opts,
		store:     store,
		clock:     opts.Clock,
		programID: env.ProgramID,
		stdout:    opts.Stdout,
	}

	rep, err := runner(ctx, a)
	if err != nil {
		log.Error(cmd.name+" failed", "error", err)
		if env.SentryDSN != "" {
			sentry.CaptureException(err)
		}
		return ExitFatal
	}

	if err := a.writeReport(*reportFlag, rep); err != nil {
		log.Error("failed to write report", "error", err)
		return ExitFatal
	}
	log.Info(rep.Summary())

	if !rep.Passed {
		if env.SentryDSN != "" {
			sentry.CaptureMessage(rep.Summary())
		}
		if env.SlackWebhookURL != "" {
			a.notify(ctx, rep)
		}
	}
	return rep.ExitCode()
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: distributor <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	byName := make(map[string]string, len(commands))
	for _, c := range commands {
		names = append(names, c.name)
		byName[c.name] = c.summary
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-14s %s\n", n, byName[n])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'distributor <command> --help' for command flags.")
}

func serveMetrics(log *slog.Logger, addr string) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus metrics server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (a *app) writeReport(path string, rep *report.Report) error {
	if path == "" {
		return rep.WriteJSON(a.stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := rep.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *app) notify(ctx context.Context, rep *report.Report) {
	n, err := notify.New(notify.Config{Logger: a.log, WebhookURL: a.env.SlackWebhookURL})
	if err != nil {
		a.log.Warn("failed to create notifier", "error", err)
		return
	}
	if err := n.Report(ctx, rep); err != nil {
		a.log.Warn("failed to send failure notification", "error", err)
	}
}

func (a *app) requireProgramID() (solana.PublicKey, error) {
	if a.programID == "" {
		return solana.PublicKey{}, errors.New("--program-id or MEVDIST_PROGRAM_ID is required")
	}
	id, err := solana.PublicKeyFromBase58(a.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid program id %q: %w", a.programID, err)
	}
	return id, nil
}

func (a *app) rpc() *solanarpc.Client {
	return solanarpc.New(a.env.RPCURL)
}

func (a *app) chainClient(ctx context.Context, programID solana.PublicKey) (chain.Client, error) {
	if a.opts.NewClient != nil {
		return a.opts.NewClient(ctx, programID)
	}
	if a.env.KeypairPath == "" {
		return nil, errors.New("MEVDIST_KEYPAIR is required")
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(a.env.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair: %w", err)
	}
	return chain.NewSolanaClient(chain.SolanaClientConfig{
		Logger:            a.log,
		Clock:             a.clock,
		RPC:               a.rpc(),
		ProgramID:         programID,
		Signer:            signer,
		Commitment:        solanarpc.CommitmentType(a.env.Commitment),
		CallTimeout:       a.env.CallTimeout,
		ConfirmTimeout:    a.env.ConfirmTimeout,
		RequestsPerSecond: a.env.RequestsPerSecond,
		Burst:             a.env.Burst,
	})
}

// mergeReadFailures adds records dropped while reading an artifact to rep.
func mergeReadFailures(rep *report.Report, failures []report.Failure, now time.Time) *report.Report {
	if len(failures) == 0 {
		return rep
	}
	for _, f := range failures {
		rep.Fail("invalid_record", f)
	}
	return rep.Finish(now)
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
