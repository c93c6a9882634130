package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/config"
)

// New builds the sink described by cfg. Several drivers are stacked in the
// configured order.
func New(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (Sink, error) {
	sinks := make([]Sink, 0, len(cfg.Drivers))
	for _, driver := range cfg.Drivers {
		sink, err := newDriver(ctx, driver, cfg, logger)
		if err != nil {
			for _, s := range sinks {
				_ = Close(s)
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	switch len(sinks) {
	case 0:
		return nil, storeError(driverStack, "open", fmt.Errorf("no drivers configured"))
	case 1:
		return sinks[0], nil
	default:
		return NewStack(logger, sinks...), nil
	}
}

func newDriver(ctx context.Context, driver string, cfg config.StoreConfig, logger zerolog.Logger) (Sink, error) {
	switch driver {
	case config.DriverDuckDB:
		return OpenDuckDB(ctx, cfg.DSN, cfg.Table, cfg.AppTag, cfg.Timeout, logger)
	case config.DriverFile:
		return NewFile(cfg.FilePath, cfg.AppTag, logger), nil
	case config.DriverUpload:
		return NewUpload(cfg.UploadURL, cfg.UploadToken, cfg.AppTag, cfg.Timeout, logger), nil
	default:
		return nil, storeError(driver, "open", fmt.Errorf("unknown driver %q", driver))
	}
}
