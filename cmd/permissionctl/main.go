// Command permissionctl drives permission requests from the command line and
// runs the background delivery, replay and retry loops.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/readmodel"
)

type Globals struct {
	Config   string `help:"Path to a YAML config file." type:"path" short:"c"`
	LogLevel string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
}

type cli struct {
	Globals `embed:""`

	Serve   serveCmd   `cmd:"" help:"Run delivery, replay and retry loops until interrupted."`
	Create  createCmd  `cmd:"" help:"Create a permission request."`
	Apply   applyCmd   `cmd:"" help:"Apply a lifecycle operation to a permission request."`
	Sweep   sweepCmd   `cmd:"" help:"Run one retry sweep over UNABLE_TO_SEND requests."`
	Replay  replayCmd  `cmd:"" help:"Replay undelivered events once."`
	History historyCmd `cmd:"" help:"Print the event history of a permission request."`
	Status  statusCmd  `cmd:"" help:"Print the read model snapshot of a permission request."`
	Rebuild rebuildCmd `cmd:"" help:"Rebuild the read model from the event log."`
}

type appContext struct {
	ctx     context.Context
	globals *Globals
}

func (a appContext) runtime() (*runtime, error) {
	cfg, err := loadConfig(a.ctx, a.globals.Config)
	if err != nil {
		return nil, err
	}
	return newRuntime(a.ctx, cfg, newLogger(a.globals.LogLevel), nil)
}

type serveCmd struct {
	MetricsAddr string `help:"Override the metrics listen address."`
}

func (c *serveCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(app.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := rt.sender.Attach(ctx, rt.bus, rt.ledger, rt.replayer); err != nil {
		return err
	}

	var srv *http.Server
	if rt.registry != nil {
		addr := rt.cfg.Metrics.Address
		if c.MetricsAddr != "" {
			addr = c.MetricsAddr
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rt.replayer.Health())
		})
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	replayDone := make(chan error, 1)
	go func() { replayDone <- rt.replayer.Run(ctx) }()

	if rt.cfg.Retry.Enabled {
		if err := rt.retry.Start(ctx); err != nil {
			return err
		}
	}
	rt.logger.Info("permissionctl serving")

	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.retry.Stop(shutdown); err != nil {
		rt.logger.Warn("retry scheduler stop", "error", err)
	}
	if err := rt.replayer.Stop(shutdown); err != nil {
		rt.logger.Warn("replayer stop", "error", err)
	}
	if srv != nil {
		_ = srv.Shutdown(shutdown)
	}
	select {
	case err := <-replayDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-shutdown.Done():
	}
	return nil
}

type createCmd struct {
	ConnectionID string            `arg:"" help:"Connection id."`
	DataNeedID   string            `arg:"" help:"Data need id."`
	ID           string            `help:"Permission id, generated when empty."`
	Attr         map[string]string `help:"Extra attributes as key=value."`
}

func (c *createCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	attrs := make(map[string]any, len(c.Attr))
	for k, v := range c.Attr {
		attrs[k] = v
	}
	req, err := rt.engine.Create(app.ctx, c.ID, c.ConnectionID, c.DataNeedID, attrs)
	if err != nil {
		return err
	}
	return printJSON(req.Snapshot())
}

type applyCmd struct {
	PermissionID string            `arg:"" help:"Permission id."`
	Operation    string            `arg:"" help:"Operation name, e.g. validate, accept, reject, revoke."`
	Reason       string            `help:"Reason for reject, invalid, terminate and unfulfillable."`
	Error        string            `help:"Failure message for send and external termination outcomes."`
	Malformed    map[string]string `help:"Validation errors as field=message."`
	Start        time.Time         `help:"Validated period start (RFC3339)."`
	End          time.Time         `help:"Validated period end (RFC3339)."`
	Granularity  string            `help:"Validated granularity."`
}

func (c *applyCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	op := permission.Operation(c.Operation)
	ev, err := rt.engine.Apply(app.ctx, c.PermissionID, func(ctx context.Context, req permission.Request) (permission.Event, error) {
		return c.dispatch(ctx, op, req)
	})
	if err != nil {
		return err
	}
	return printJSON(ev)
}

func (c *applyCmd) dispatch(ctx context.Context, op permission.Operation, req permission.Request) (permission.Event, error) {
	var failure error
	if c.Error != "" {
		failure = errors.New(c.Error)
	}
	switch op {
	case permission.OpValidate:
		v := permission.Validation{Start: c.Start, End: c.End, Granularity: c.Granularity}
		for field, msg := range c.Malformed {
			v.Errors = append(v.Errors, permission.AttributeError{Field: field, Message: msg})
		}
		return req.Validate(ctx, v)
	case permission.OpSendToAdministrator:
		return req.SendToAdministrator(ctx, failure)
	case permission.OpReceivedAdministratorResponse:
		return req.ReceivedAdministratorResponse(ctx)
	case permission.OpAccept:
		return req.Accept(ctx)
	case permission.OpReject:
		return req.Reject(ctx, c.Reason)
	case permission.OpInvalid:
		return req.Invalid(ctx, c.Reason)
	case permission.OpTerminate:
		return req.Terminate(ctx, c.Reason)
	case permission.OpRevoke:
		return req.Revoke(ctx)
	case permission.OpFulfill:
		return req.Fulfill(ctx)
	case permission.OpTimeOut:
		return req.TimeOut(ctx)
	case permission.OpTimeLimit:
		return req.TimeLimit(ctx)
	case permission.OpUnfulfillable:
		return req.Unfulfillable(ctx, c.Reason)
	case permission.OpRequireExternalTermination:
		return req.RequireExternalTermination(ctx)
	case permission.OpExternalTermination:
		return req.ExternalTermination(ctx, failure)
	case permission.OpRetryExternalTermination:
		return req.RetryExternalTermination(ctx)
	}
	return permission.Event{}, fmt.Errorf("unknown operation %q", op)
}

type sweepCmd struct{}

func (c *sweepCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()
	report, err := rt.retry.Sweep(app.ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type replayCmd struct{}

func (c *replayCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if _, err := rt.sender.Attach(app.ctx, nil, rt.ledger, rt.replayer); err != nil {
		return err
	}
	report, err := rt.replayer.RunOnce(app.ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type historyCmd struct {
	PermissionID string `arg:"" help:"Permission id."`
}

func (c *historyCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()
	events, err := rt.engine.History(app.ctx, c.PermissionID)
	if err != nil {
		return err
	}
	return printJSON(events)
}

type statusCmd struct {
	PermissionID string `arg:"" help:"Permission id."`
	FromLog      bool   `help:"Fold the event log instead of reading the read model."`
}

func (c *statusCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if c.FromLog {
		req, err := rt.engine.Get(app.ctx, c.PermissionID)
		if err != nil {
			return err
		}
		return printJSON(req.Snapshot())
	}
	snap, err := rt.readMdl.Get(app.ctx, c.PermissionID)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

type rebuildCmd struct {
	BatchSize int `help:"Events read per batch." default:"500"`
}

func (c *rebuildCmd) Run(app appContext) error {
	rt, err := app.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()
	n, err := readmodel.Rebuild(app.ctx, rt.events, rt.readMdl, c.BatchSize)
	if err != nil {
		return err
	}
	return printJSON(map[string]int{"snapshots": n})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var root cli
	kctx := kong.Parse(&root,
		kong.Name("permissionctl"),
		kong.Description("Manage permission requests and their event log."),
		kong.UsageOnError(),
	)
	err := kctx.Run(appContext{ctx: context.Background(), globals: &root.Globals})
	if err != nil {
		code := permission.ErrorCode(err)
		if code != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", code, strings.TrimSpace(err.Error()))
		}
	}
	kctx.FatalIfErrorf(err)
}
