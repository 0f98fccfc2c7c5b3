// Command sweeper runs one scheduled sweep per Lambda invocation. The
// EventBridge rule passes the sweep name in the event's detail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/bootstrap"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

type sweepDetail struct {
	Sweep string `json:"sweep"`
}

// Result is returned to the scheduler for its execution history.
type Result struct {
	Sweep   string      `json:"sweep"`
	Skipped bool        `json:"skipped,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

type handler struct {
	svc *service.Service
}

func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) (Result, error) {
	var detail sweepDetail
	if len(event.Detail) > 0 {
		if err := json.Unmarshal(event.Detail, &detail); err != nil {
			return Result{}, fmt.Errorf("decoding event detail: %w", err)
		}
	}

	res := Result{Sweep: detail.Sweep}
	var err error
	switch detail.Sweep {
	case "health":
		err = h.svc.RunHealthSweep(ctx)
	case "notifications":
		res.Detail, err = h.svc.SendPendingNotifications(ctx)
	case "cleanup":
		res.Detail, err = h.svc.CleanupOldAlarms(ctx)
	case "raw":
		res.Detail, err = h.svc.DrainRaw(ctx)
	default:
		return res, fmt.Errorf("unknown sweep %q", detail.Sweep)
	}

	if errors.Is(err, domain.ErrLeaseHeld) {
		logger.Infof("%s sweep already running elsewhere", detail.Sweep)
		res.Skipped = true
		return res, nil
	}
	// readings buffered by the sweep must land before the invocation ends
	h.svc.Flush()
	return res, err
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	cfg.LogStdout = true
	if err := logger.Init(bootstrap.LoggerConfig(cfg)); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatal("Failed to initialize backends:", err)
	}
	defer app.Close()

	h := &handler{svc: app.Service}
	lambda.Start(h.handle)
}
