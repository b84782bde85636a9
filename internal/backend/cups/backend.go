package cups

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/kiosk/internal/config"
	"github.com/orrn/kiosk/internal/core"
)

var (
	ErrNoPrinter     = errors.New("no printer found")
	ErrNoRequestID   = errors.New("lp did not report a request id")
	ErrCommandFailed = errors.New("command failed")
)

const defaultCommandTimeout = 10 * time.Second

var colorModels = map[string]string{
	"monochrome": "Gray",
	"grayscale":  "Gray",
	"gray":       "Gray",
	"bw":         "Gray",
	"color":      "RGB",
	"colour":     "RGB",
}

var qualityLevels = map[string]string{
	"draft": "3",
	"high":  "5",
}

// Result is what a finished command printed. A non-zero exit is not an error
// at this level; callers decide what it means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes one command. It returns an error only when the command
// could not be run to completion.
type Runner func(ctx context.Context, name string, args ...string) (Result, error)

func ExecRunner(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

// Backend drives the local CUPS queue through its command line tools and
// detects the printer by USB vendor id.
type Backend struct {
	printer string
	vendors []string
	timeout time.Duration
	run     Runner
	log     *slog.Logger
}

func New(cfg config.PrinterConfig, run Runner, logger *slog.Logger) *Backend {
	if run == nil {
		run = ExecRunner
	}
	vendors := make([]string, 0, len(cfg.USBVendors))
	for _, v := range cfg.USBVendors {
		vendors = append(vendors, strings.ToLower(v))
	}
	return &Backend{
		printer: cfg.Name,
		vendors: vendors,
		timeout: defaultCommandTimeout,
		run:     run,
		log:     logger,
	}
}

func (b *Backend) command(ctx context.Context, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.run(cctx, name, args...)
}

// DefaultPrinter returns the configured printer, else the system default,
// else the first printer lpstat lists.
func (b *Backend) DefaultPrinter(ctx context.Context) (string, error) {
	if b.printer != "" {
		return b.printer, nil
	}

	res, err := b.command(ctx, "lpstat", "-d")
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		out := strings.TrimSpace(res.Stdout)
		if i := strings.LastIndex(out, ":"); i >= 0 && !strings.Contains(out, "no system default") {
			if name := strings.TrimSpace(out[i+1:]); name != "" {
				return name, nil
			}
		}
	}

	res, err = b.command(ctx, "lpstat", "-p")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "printer" {
			return fields[1], nil
		}
	}
	return "", ErrNoPrinter
}

func lpArgs(printer, filePath string, opts core.PrintOptions) []string {
	args := []string{"-d", printer}

	if model, ok := colorModels[strings.ToLower(opts.ColorMode)]; ok {
		args = append(args, "-o", "ColorModel="+model)
	}

	if opts.Duplex {
		args = append(args, "-o", "sides=two-sided-long-edge")
	} else {
		args = append(args, "-o", "sides=one-sided")
	}

	if opts.Copies > 1 {
		args = append(args, "-n", strconv.Itoa(opts.Copies))
	}

	if opts.PageRange != "" {
		args = append(args, "-P", opts.PageRange)
	}

	if strings.EqualFold(opts.Orientation, "landscape") {
		args = append(args, "-o", "landscape")
	}

	if opts.Media != "" {
		args = append(args, "-o", "media="+opts.Media)
	}

	if q, ok := qualityLevels[strings.ToLower(opts.Quality)]; ok {
		args = append(args, "-o", "print-quality="+q)
	}

	return append(args, filePath)
}

// parseRequestID extracts the job id from "request id is HP-123 (1 file(s))".
func parseRequestID(out string) string {
	_, rest, ok := strings.Cut(out, "request id is")
	if !ok {
		return ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (b *Backend) Submit(ctx context.Context, filePath string, opts core.PrintOptions) (string, error) {
	printer, err := b.DefaultPrinter(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err)
	}
	b.log.Info("using printer", "printer", printer)

	args := lpArgs(printer, filePath, opts)
	b.log.Info("print command", "command", "lp "+strings.Join(args, " "))

	res, err := b.command(ctx, "lp", args...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: lp exited %d: %s", core.ErrBackendUnavailable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	handle := parseRequestID(res.Stdout)
	if handle == "" {
		return "", fmt.Errorf("%w: %w", core.ErrBackendUnavailable, ErrNoRequestID)
	}
	return handle, nil
}

// Query reports whether handle is still queued and whether CUPS has flagged
// it as errored or aborted.
func (b *Backend) Query(ctx context.Context, handle string) (core.BackendJobStatus, error) {
	res, err := b.command(ctx, "lpstat", "-o", handle)
	if err != nil {
		return core.BackendJobStatus{}, err
	}

	out := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || out == "" {
		pending, err := b.command(ctx, "lpstat", "-W", "not-completed")
		if err != nil {
			return core.BackendJobStatus{}, err
		}
		return core.BackendJobStatus{InQueue: listsJob(pending.Stdout, handle)}, nil
	}

	lower := strings.ToLower(out)
	if strings.Contains(lower, "error") || strings.Contains(lower, "aborted") {
		return core.BackendJobStatus{InQueue: true, Failed: true, Detail: out}, nil
	}
	return core.BackendJobStatus{InQueue: true}, nil
}

func listsJob(out, handle string) bool {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == handle {
			return true
		}
	}
	return false
}

func (b *Backend) Cancel(ctx context.Context, handle string) error {
	res, err := b.command(ctx, "cancel", handle)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: cancel %s: %s", ErrCommandFailed, handle, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// PrinterPresent looks for a known printer vendor on the USB bus.
func (b *Backend) PrinterPresent(ctx context.Context) bool {
	res, err := b.command(ctx, "lsusb")
	if err != nil || res.ExitCode != 0 {
		b.log.Error("printer status not retrieved", "error", err, "exit_code", res.ExitCode)
		return false
	}

	for _, line := range strings.Split(strings.ToLower(res.Stdout), "\n") {
		for _, vendor := range b.vendors {
			if strings.Contains(line, "id "+vendor+":") {
				return true
			}
		}
	}
	return false
}

var _ core.PrintBackend = (*Backend)(nil)
