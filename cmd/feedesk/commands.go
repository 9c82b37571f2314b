package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/connectivity"
	csvimport "github.com/feedesk/backend/internal/infrastructure/import"
	"github.com/feedesk/backend/internal/interfaces/http/dto"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// command is one CLI verb. run returns the payload printed as the data of a
// success envelope.
type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, a *app, args []string) (any, error)
}

var commands = []command{
	{"status", "status", "Show connectivity and queue depth", runStatus},
	{"list", "list [-school id] [-student id] [-status unpaid|partial|paid]", "List installments", runList},
	{"create", "create -school id -student id -amount n -due YYYY-MM-DD", "Schedule an installment", runCreate},
	{"pay", "pay -id uuid -amount n [-date YYYY-MM-DD]", "Record a payment and issue a receipt number", runPay},
	{"import", "import [-sheet name] [-max-errors n] <file.csv|file.xlsx>", "Import installments from a file", runImport},
	{"export", "export -out file.xlsx [-school id] [-student id] [-status s]", "Export installments to a workbook", runExport},
	{"sync", "sync", "Replay queued writes against the authority", runSync},
	{"queue", "queue list | queue retry <write-id>", "Inspect or unblock queued writes", runQueue},
	{"review", "review ack <installment-id>", "Acknowledge a replaced receipt number", runReview},
	{"watch", "watch [-interval d]", "Probe the authority and drain on every reconnect", runWatch},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// usageError reports a malformed command line
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", fs.Name(), err)
	}
	return nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, usagef("invalid id %q", raw)
	}
	return id, nil
}

var validate = validator.New()

// validationUsage turns validator failures into one usage message
func validationUsage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("-%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return usagef("%s", strings.Join(parts, "; "))
}

func runStatus(ctx context.Context, a *app, _ []string) (any, error) {
	st, err := a.engine.Status(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponse(st), nil
}

func listFlags(fs *flag.FlagSet) *dto.InstallmentListRequest {
	req := &dto.InstallmentListRequest{}
	fs.StringVar(&req.SchoolID, "school", "", "school id")
	fs.StringVar(&req.StudentID, "student", "", "student id")
	fs.StringVar(&req.Status, "status", "", "unpaid, partial or paid")
	return req
}

func runList(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlagSet("list")
	req := listFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	res, err := a.engine.Data.Read(ctx, req.Query())
	if err != nil {
		return nil, err
	}
	return listResponse(res), nil
}

type createInput struct {
	School  string `validate:"required,max=64"`
	Student string `validate:"required,max=64"`
	Amount  string `validate:"required,numeric"`
	Due     string `validate:"required,datetime=2006-01-02"`
}

func runCreate(ctx context.Context, a *app, args []string) (any, error) {
	var in createInput
	fs := newFlagSet("create")
	fs.StringVar(&in.School, "school", "", "school id")
	fs.StringVar(&in.Student, "student", "", "student id")
	fs.StringVar(&in.Amount, "amount", "", "amount due")
	fs.StringVar(&in.Due, "due", "", "due date, YYYY-MM-DD")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, validationUsage(err)
	}

	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return nil, usagef("invalid amount %q", in.Amount)
	}
	due, err := time.Parse(csvimport.DateLayout, in.Due)
	if err != nil {
		return nil, usagef("invalid due date %q", in.Due)
	}

	inst, err := fee.NewInstallment(in.School, in.Student, amount, due)
	if err != nil {
		return nil, err
	}
	res, err := a.engine.Data.CreateInstallment(ctx, inst)
	if err != nil {
		return nil, err
	}
	return writeResultResponse(res), nil
}

type payInput struct {
	ID     string `validate:"required,uuid"`
	Amount string `validate:"required,numeric"`
	Date   string `validate:"omitempty,datetime=2006-01-02"`
}

func runPay(ctx context.Context, a *app, args []string) (any, error) {
	var in payInput
	fs := newFlagSet("pay")
	fs.StringVar(&in.ID, "id", "", "installment id")
	fs.StringVar(&in.Amount, "amount", "", "amount paid")
	fs.StringVar(&in.Date, "date", "", "payment date, YYYY-MM-DD (default today)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, validationUsage(err)
	}

	id, err := parseID(in.ID)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return nil, usagef("invalid amount %q", in.Amount)
	}
	paidAt := time.Now().UTC()
	if in.Date != "" {
		if paidAt, err = time.Parse(csvimport.DateLayout, in.Date); err != nil {
			return nil, usagef("invalid date %q", in.Date)
		}
	}

	res, err := a.engine.Data.RecordPayment(ctx, id, fee.Payment{Amount: amount, PaidAt: paidAt})
	if err != nil {
		return nil, err
	}
	return writeResultResponse(res), nil
}

func runImport(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlagSet("import")
	sheet := fs.String("sheet", "", "worksheet to read from a workbook (default: first)")
	maxErrors := fs.Int("max-errors", 100, "row errors kept in the report")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, usagef("import takes exactly one file")
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src csvimport.RowSource
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		src, err = csvimport.NewXLSXReader(f, *sheet)
	} else {
		src, err = csvimport.NewCSVParser(f)
	}
	if err != nil {
		return nil, shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("%s: %v", path, err))
	}

	batch, err := csvimport.NewDecoder(*maxErrors).Decode(src)
	if err != nil {
		return nil, shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("%s: %v", path, err))
	}
	report, err := a.engine.Importer.Import(ctx, batch)
	if err != nil {
		return nil, err
	}
	return importResponse(report), nil
}

type exportResult struct {
	File   string `json:"file"`
	Rows   int    `json:"rows"`
	Source string `json:"source"`
	Stale  bool   `json:"stale,omitempty"`
}

func runExport(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlagSet("export")
	req := listFlags(fs)
	out := fs.String("out", "", "workbook to write")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *out == "" {
		return nil, usagef("export requires -out")
	}

	res, err := a.engine.Data.Read(ctx, req.Query())
	if err != nil {
		return nil, err
	}

	f, err := os.Create(*out)
	if err != nil {
		return nil, err
	}
	if err := csvimport.WriteInstallmentsXLSX(f, exportRows(res.Data)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write %s: %w", *out, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return exportResult{File: *out, Rows: len(res.Data), Source: string(res.Source), Stale: res.Source.Stale()}, nil
}

func runSync(ctx context.Context, a *app, _ []string) (any, error) {
	report, err := a.engine.Sync(ctx)
	if err != nil {
		return nil, err
	}
	return drainResponse(report), nil
}

func runQueue(ctx context.Context, a *app, args []string) (any, error) {
	if len(args) == 0 {
		return nil, usagef("queue needs a subcommand: list or retry")
	}
	switch args[0] {
	case "list":
		pending, err := a.engine.Queue.Pending(ctx)
		if err != nil {
			return nil, err
		}
		blocked, err := a.engine.Queue.Blocked(ctx)
		if err != nil {
			return nil, err
		}
		return pendingWriteResponses(append(pending, blocked...)), nil

	case "retry":
		if len(args) != 2 {
			return nil, usagef("queue retry takes one write id")
		}
		id, err := parseID(args[1])
		if err != nil {
			return nil, err
		}
		if err := a.engine.Queue.Retry(ctx, id); err != nil {
			return nil, err
		}
		if !a.monitor.IsOnline() {
			st, err := a.engine.Status(ctx)
			if err != nil {
				return nil, err
			}
			return statusResponse(st), nil
		}
		return runSync(ctx, a, nil)
	}
	return nil, usagef("unknown queue subcommand %q", args[0])
}

func runReview(ctx context.Context, a *app, args []string) (any, error) {
	if len(args) != 2 || args[0] != "ack" {
		return nil, usagef("usage: review ack <installment-id>")
	}
	id, err := parseID(args[1])
	if err != nil {
		return nil, err
	}
	return a.engine.Data.AcknowledgeReview(ctx, id)
}

// defaultWatchInterval is used when neither -interval nor
// network.probe_interval is set
const defaultWatchInterval = 30 * time.Second

func runWatch(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlagSet("watch")
	interval := fs.Duration("interval", a.cfg.Network.ProbeInterval, "probe interval")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if *interval <= 0 {
		*interval = defaultWatchInterval
	}

	// the first probe already ran; a device that starts online drains now
	if a.monitor.IsOnline() {
		if _, err := a.engine.Sync(ctx); err != nil {
			return nil, err
		}
	}

	a.prober = connectivity.NewProber(a.monitor, a.remote, *interval, a.cfg.Remote.Timeout, a.log.Named("probe"))
	a.prober.Start(ctx)
	a.log.Info("watching authority", zap.Duration("interval", *interval))

	<-ctx.Done()
	a.prober.Stop()

	// the session context is gone; report with a fresh one
	st, err := a.engine.Status(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return statusResponse(st), nil
}
