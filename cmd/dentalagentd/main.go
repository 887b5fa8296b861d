// Command dentalagentd runs the dental case watcher / PACS uploader as
// a standalone process, standing in for the out-of-scope service host
// with its own time.Ticker-driven loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dentscan/agent/internal/caselayout"
	"github.com/dentscan/agent/internal/dconfig"
	"github.com/dentscan/agent/internal/logsink"
	"github.com/dentscan/agent/internal/pacsclient"
	"github.com/dentscan/agent/internal/scandriver"
	"github.com/dentscan/agent/internal/uploader"
)

var (
	flagConfig           = flag.String("config", "dentalagentd.json", "path to the JSON configuration file")
	flagScanInterval     = flag.Duration("scan-interval", 5*time.Second, "today-scan tick interval")
	flagRecoveryInterval = flag.Duration("recovery-interval", 24*time.Hour, "yesterday-recovery tick interval")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stderr, "dentalagentd: ", log.LstdFlags)

	store := dconfig.NewStore(*flagConfig)
	cfg, err := store.Get()
	if err != nil {
		logger.Fatalf("loading config from %s: %v", *flagConfig, err)
	}

	sink := logsink.New(cfg.APIHost, cfg.APIPort, logger)
	logf := func(format string, args ...any) {
		logger.Printf(format, args...)
		sink.Log(sprintf(format, args...), "dentalagentd")
	}

	pacs := pacsclient.New(pacsclient.Config{
		BaseURL:      cfg.PACSBaseURL,
		TokenURL:     cfg.PACSTokenURL,
		ClientID:     cfg.PACSClientID,
		ClientSecret: cfg.PACSClientSecret,
	})
	if limiter := pacsclient.NewLimiter(cfg.PACSMaxUploadKBps); limiter != nil {
		pacs.SetRateLimiter(limiter)
	}

	orch := uploader.New(pacs)
	planner := caselayout.New(cfg.RootPath, cfg.StagingPath)
	driver := scandriver.New(planner, orch, pacs, cfg.InstitutionName, logf)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runLoop(ctx, driver, store, logf, *flagScanInterval, *flagRecoveryInterval)
}

// runLoop ticks RunToday at scanInterval and RunYesterday at
// recoveryInterval until ctx is canceled, reloading cfg.AutoStart on
// every scan tick so the operator can pause the agent without
// restarting it.
func runLoop(ctx context.Context, driver *scandriver.Driver, store *dconfig.Store, logf scandriver.Logf, scanInterval, recoveryInterval time.Duration) {
	scanTicker := time.NewTicker(scanInterval)
	defer scanTicker.Stop()
	recoveryTicker := time.NewTicker(recoveryInterval)
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logf("dentalagentd: shutting down")
			return
		case <-scanTicker.C:
			cfg, err := store.Get()
			if err != nil {
				logf("dentalagentd: config reload failed: %v", err)
				continue
			}
			if !cfg.AutoStart {
				continue
			}
			if err := driver.RunToday(ctx); err != nil {
				logf("dentalagentd: today scan failed: %v", err)
			}
		case <-recoveryTicker.C:
			if err := driver.RunYesterday(ctx); err != nil {
				logf("dentalagentd: yesterday recovery failed: %v", err)
			}
		}
	}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
