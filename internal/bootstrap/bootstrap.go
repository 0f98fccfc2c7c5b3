// Package bootstrap assembles the service from configuration. Both the
// server and the sweeper start through here.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/lease"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/notify"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/weather"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// App is a built service plus the connections it owns.
type App struct {
	Service  *service.Service
	backends *config.Backends
	geo      *weather.Service
}

// Build connects the backends selected by cfg and wires the service.
func Build(cfg *config.Config) (*App, error) {
	backends, err := config.Connect(cfg)
	if err != nil {
		return nil, err
	}

	var (
		store repository.Store
		index repository.ReadingIndex
	)
	switch cfg.DBType {
	case "memory":
		store = repository.NewMemoryStore()
		index = repository.NewMemoryIndex()
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		mongoStore, err := repository.NewMongoStore(ctx, backends.Mongo)
		cancel()
		if err != nil {
			backends.Close()
			return nil, fmt.Errorf("mongo store: %w", err)
		}
		store = mongoStore
		index = repository.NewInfluxIndex(backends.Influx)
	}

	var locker lease.Locker
	if cfg.LeaseTable != "" {
		locker = lease.NewDynamoLease(backends.AWS, cfg.LeaseTable)
		logger.Infof("Using DynamoDB lease table %s", cfg.LeaseTable)
	} else {
		locker = lease.NewLocal()
		logger.Warn("LEASE_TABLE not set, sweeps are only serialized within this process")
	}

	geo := weather.NewService(cfg.WeatherURL, cfg.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		logger.Warn("WEATHER_API_KEY not set, readings carry no weather")
	}

	svc := service.NewService(cfg, service.Deps{
		Store:   store,
		Index:   index,
		Sender:  notify.NewSESSender(backends.AWS, cfg.EmailSender),
		Locker:  locker,
		Weather: geo,
	})

	return &App{Service: svc, backends: backends, geo: geo}, nil
}

// Close flushes the service and releases every connection.
func (a *App) Close() {
	_ = a.Service.Close()
	a.geo.Close()
	a.backends.Close()
}

// LoggerConfig maps the logging settings onto the logger.
func LoggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:     cfg.LogLevel,
		Directory: cfg.LogDir,
		MaxAge:    cfg.LogMaxAge,
		Stdout:    cfg.LogStdout,
	}
}
