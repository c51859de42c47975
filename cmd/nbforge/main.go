// Package main はノートブック変換サーバーのコマンドラインクライアントです。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yourusername/notebook-forge/internal/apiclient"
	"github.com/yourusername/notebook-forge/internal/config"
	"github.com/yourusername/notebook-forge/internal/conversion"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitAborted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	output   string
	list     bool
	deleteID string
	verbose  bool
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("nbforge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.output, "o", "", "Path to write the converted PDF (default: <notebook name>.pdf).")
	fs.BoolVar(&opts.list, "list", false, "List conversions on the server and exit.")
	fs.StringVar(&opts.deleteID, "delete", "", "Delete the conversion with the given id and exit.")
	fs.BoolVar(&opts.verbose, "v", false, "Enable debug logging.")
	fs.Usage = func() { writeHelp(stderr, fs) }

	if err := fs.Parse(argv[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailed
	}
	defer func() { _ = logger.Sync() }()

	client, err := apiclient.New(cfg.ServerURL,
		apiclient.WithTimeout(cfg.HTTPTimeout),
		apiclient.WithLogger(logger.Named("apiclient")),
	)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	if cfg.Username != "" {
		if err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
			fmt.Fprintf(stderr, "login failed: %v\n", err)
			return exitFailed
		}
	}

	switch {
	case opts.list:
		return runList(ctx, client, stdout, stderr)
	case opts.deleteID != "":
		return runDelete(ctx, client, conversion.JobID(strings.TrimSpace(opts.deleteID)), stdout, stderr)
	}

	rest := fs.Args()
	if len(rest) != 1 {
		writeHelp(stderr, fs)
		return exitUsage
	}
	return runConvert(ctx, client, cfg, logger, rest[0], opts.output, stdout, stderr)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func runConvert(ctx context.Context, client *apiclient.Client, cfg *config.ClientConfig, logger *zap.Logger, path, output string, stdout, stderr io.Writer) int {
	candidate, closer, err := conversion.OpenCandidate(path)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailed
	}
	defer closer.Close()

	poller := conversion.NewPoller(client, conversion.Options{
		Validator:              conversion.NewValidator(cfg.Extension, cfg.MaxFileSize),
		Interval:               cfg.PollInterval,
		MaxConsecutiveFailures: cfg.MaxPollFailures,
		Logger:                 logger.Named("poller"),
	})
	defer poller.Reset()

	done := make(chan conversion.Snapshot, 1)
	poller.OnUpdate(func(snap conversion.Snapshot) {
		printSnapshot(stdout, snap)
		if !snap.IsActive {
			select {
			case done <- snap:
			default:
			}
		}
	})

	if _, err := poller.Start(ctx, candidate); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", userMessage(err))
		return exitFailed
	}

	var final conversion.Snapshot
	select {
	case final = <-done:
	case <-ctx.Done():
		poller.Reset()
		fmt.Fprintln(stderr, "interrupted")
		return exitAborted
	}

	if final.Phase != conversion.PhaseCompleted {
		fmt.Fprintf(stderr, "conversion failed: %s\n", final.ErrorMessage)
		return exitFailed
	}
	if final.ResultLocation == "" {
		fmt.Fprintln(stderr, "conversion completed without a PDF location")
		return exitFailed
	}

	if output == "" {
		output = defaultOutput(candidate.Name)
	}
	if err := download(ctx, client, final.ResultLocation, output); err != nil {
		fmt.Fprintf(stderr, "download failed: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "saved %s\n", output)
	return exitOK
}

// userMessage は検証エラーと投入エラーから表示用の文言を取り出します。
func userMessage(err error) string {
	var valErr *conversion.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Message
	}
	var subErr *conversion.SubmissionError
	if errors.As(err, &subErr) {
		return subErr.Message
	}
	return err.Error()
}

func printSnapshot(w io.Writer, snap conversion.Snapshot) {
	switch snap.Phase {
	case conversion.PhaseFailed:
		fmt.Fprintf(w, "[%s] %-10s %3d%% %s\n", snap.JobID, snap.Phase, snap.Progress, snap.ErrorMessage)
	case conversion.PhaseCompleted:
		fmt.Fprintf(w, "[%s] %-10s %3d%% %s\n", snap.JobID, snap.Phase, snap.Progress, snap.ResultLocation)
	default:
		fmt.Fprintf(w, "[%s] %-10s %3d%%\n", snap.JobID, snap.Phase, snap.Progress)
	}
}

func defaultOutput(name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if stem == "" {
		stem = "notebook"
	}
	return stem + ".pdf"
}

// download は一時ファイルに書き込んでから出力先へリネームします。
func download(ctx context.Context, client *apiclient.Client, location, output string) error {
	dir := filepath.Dir(output)
	tmp, err := os.CreateTemp(dir, ".nbforge-*.pdf")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := client.Download(ctx, location, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, output)
}

func runList(ctx context.Context, client *apiclient.Client, stdout, stderr io.Writer) int {
	items, err := client.List(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailed
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFILE\tCREATED\tPDF")
	for _, item := range items {
		pdf := "-"
		if item.PDFURL != nil {
			pdf = *item.PDFURL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.Status, item.OriginalFilename, item.CreatedAt.Local().Format("2006-01-02 15:04"), pdf)
	}
	if err := tw.Flush(); err != nil {
		return exitFailed
	}
	return exitOK
}

func runDelete(ctx context.Context, client *apiclient.Client, id conversion.JobID, stdout, stderr io.Writer) int {
	if err := client.Delete(ctx, id); err != nil {
		var httpErr *apiclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.NotFound() {
			fmt.Fprintf(stderr, "conversion %s not found\n", id)
			return exitFailed
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "deleted %s\n", id)
	return exitOK
}

func writeHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  nbforge [flags] <notebook.ipynb>")
	fmt.Fprintln(w, "  nbforge -list")
	fmt.Fprintln(w, "  nbforge -delete <id>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  NBFORGE_SERVER_URL, NBFORGE_POLL_INTERVAL, NBFORGE_USERNAME, NBFORGE_PASSWORD")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}
