package registry

import (
	"context"
	"time"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/configuration"
	"github.com/pkgvault/pkgvault/health"
	"github.com/pkgvault/pkgvault/health/checks"
	"github.com/pkgvault/pkgvault/internal/dcontext"
	"github.com/pkgvault/pkgvault/storage"
)

// defaultHealthInterval is used for any checker whose configuration omits
// an explicit interval.
const defaultHealthInterval = 10 * time.Second

// registerHealthChecks wires every configured health.Health section to the
// global health.Registry, polling each check on its own goroutine. Grounded
// on registry/handlers/health_test.go's TestFileHealthCheck/TestHTTPHealthCheck
// expectations: one health.Register per configured checker, driven by
// health.Poll against a checks.*Checker.
func registerHealthChecks(ctx context.Context, cfg *configuration.Configuration, backend *storage.Backend) {
	for _, fc := range cfg.Health.FileCheckers {
		interval := orDefault(fc.Interval, defaultHealthInterval)
		updater := thresholdUpdater(fc.Threshold)
		health.Register(fc.File, updater)
		go health.Poll(ctx, updater, checks.FileChecker(fc.File), interval)
	}

	for _, hc := range cfg.Health.HTTPCheckers {
		interval := orDefault(hc.Interval, defaultHealthInterval)
		statusCode := hc.StatusCode
		if statusCode == 0 {
			statusCode = 200
		}
		updater := thresholdUpdater(hc.Threshold)
		health.Register(hc.URI, updater)
		go health.Poll(ctx, updater, checks.HTTPChecker(hc.URI, statusCode, hc.Timeout, hc.Headers), interval)
	}

	for _, tc := range cfg.Health.TCPCheckers {
		interval := orDefault(tc.Interval, defaultHealthInterval)
		updater := thresholdUpdater(tc.Threshold)
		health.Register(tc.Addr, updater)
		go health.Poll(ctx, updater, checks.TCPChecker(tc.Addr, tc.Timeout), interval)
	}

	if cfg.Health.StorageDriver.Enabled {
		interval := orDefault(cfg.Health.StorageDriver.Interval, defaultHealthInterval)
		updater := thresholdUpdater(cfg.Health.StorageDriver.Threshold)
		health.Register("storagedriver", updater)
		go health.Poll(ctx, updater, health.CheckFunc(func(ctx context.Context) error {
			_, err := backend.ReadManifest(ctx, "-/storagedriver-healthcheck-/-")
			if err == nil || pkgvault.KindOf(err) == pkgvault.KindNotFound {
				return nil
			}
			return err
		}), interval)
	}

	dcontext.GetLogger(ctx).Info("health checks registered")
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func thresholdUpdater(threshold int) health.Updater {
	if threshold > 0 {
		return health.NewThresholdStatusUpdater(threshold)
	}
	return health.NewStatusUpdater()
}
