// Command jobs-lambda runs one background job per invocation. It is meant to
// be driven by an EventBridge schedule whose detail (or direct payload) is
// {"job": "expiration_sweep"} or {"job": "settlement_reconciliation"}.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/clinic-booking/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking/internal/config"
	"github.com/wolfman30/clinic-booking/internal/expiration"
	"github.com/wolfman30/clinic-booking/internal/reconcile"
	"github.com/wolfman30/clinic-booking/internal/worker/scheduler"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

type jobRequest struct {
	Job string `json:"job"`
}

type jobResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type jobTrigger interface {
	Trigger(ctx context.Context, name string) error
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("jobs-lambda")

	ctx := context.Background()
	var opts bootstrap.Options
	if mainconfig.AWSEnabled(cfg) {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		opts.AWS = &awsCfg
	}
	app, err := bootstrap.Build(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, raw json.RawMessage) (jobResponse, error) {
		resp, err := handle(ctx, app.Scheduler, raw, logger)
		// Notifications are sent asynchronously; flush them before the
		// execution environment freezes.
		app.Dispatcher.Wait()
		return resp, err
	})
}

func handle(ctx context.Context, jobs jobTrigger, raw json.RawMessage, logger *logging.Logger) (jobResponse, error) {
	name, err := jobName(raw)
	if err != nil {
		return jobResponse{Status: "invalid", Error: err.Error()}, err
	}
	switch name {
	case expiration.JobName, reconcile.JobName:
	default:
		err := fmt.Errorf("unknown job %q", name)
		return jobResponse{Job: name, Status: "invalid", Error: err.Error()}, err
	}

	err = jobs.Trigger(ctx, name)
	switch {
	case errors.Is(err, scheduler.ErrJobRunning):
		logger.Info("job already running elsewhere", "job", name)
		return jobResponse{Job: name, Status: "skipped"}, nil
	case err != nil:
		logger.Error("job failed", "job", name, "error", err)
		return jobResponse{Job: name, Status: "failed", Error: err.Error()}, err
	}
	return jobResponse{Job: name, Status: "ok"}, nil
}

// jobName accepts either a bare {"job": ...} payload or an EventBridge event
// carrying it in detail.
func jobName(raw json.RawMessage) (string, error) {
	var direct jobRequest
	if err := json.Unmarshal(raw, &direct); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	if name := strings.TrimSpace(direct.Job); name != "" {
		return name, nil
	}

	var evt events.CloudWatchEvent
	if err := json.Unmarshal(raw, &evt); err == nil && len(evt.Detail) > 0 {
		var detail jobRequest
		if err := json.Unmarshal(evt.Detail, &detail); err != nil {
			return "", fmt.Errorf("decode event detail: %w", err)
		}
		if name := strings.TrimSpace(detail.Job); name != "" {
			return name, nil
		}
	}
	return "", errors.New("event has no job name")
}
