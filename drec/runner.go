package drec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type RunnerConfig struct {
	ConfigPaths []string
	// Sleep is the delay between processing two config files.
	Sleep    time.Duration
	LogLevel string
	// Stderr receives the console copy of the log (os.Stderr when nil).
	Stderr io.Writer
	// Fs is the local filesystem for downloads (afero.NewOsFs() when nil).
	Fs afero.Fs
	// NewSource builds the protocol client of a device (NewSource when nil).
	NewSource func(DeviceConfig) (RemoteFileSource, error)
}

// Runner processes a list of config files, one device session at a time unless the
// config allows parallel sessions.
type Runner struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// DeviceReport is the result of one device session.
type DeviceReport struct {
	Config string
	Device DeviceConfig
	Result SessionResult
	Err    error // set when the session could not be started
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, fmt.Errorf("at least one config file is required")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.NewSource == nil {
		cfg.NewSource = NewSource
	}
	return &Runner{
		cfg: cfg,
		log: NewLogger(zerolog.SyncWriter(cfg.Stderr), cfg.LogLevel).With().Str("component", "runner").Logger(),
	}, nil
}

// RunOnce processes every config file once. Errors of one config file do not stop
// the others; they are returned joined.
func (r *Runner) RunOnce(ctx context.Context) ([]DeviceReport, error) {
	var reports []DeviceReport
	var errs []error
	for i, path := range r.cfg.ConfigPaths {
		rep, err := r.runConfig(ctx, path)
		reports = append(reports, rep...)
		if err != nil {
			r.log.Error().Err(err).Str("config", path).Msg("config failed")
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		if ctx.Err() != nil {
			break
		}
		if i < len(r.cfg.ConfigPaths)-1 {
			if r.cfg.Sleep > 0 {
				r.log.Debug().Dur("delay", r.cfg.Sleep).Msg("timeout between config files")
			}
			if sleepCtx(ctx, r.cfg.Sleep) != nil {
				break
			}
		}
	}
	if ctx.Err() != nil {
		r.log.Info().Msg("exited gracefully after interrupt")
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) runConfig(ctx context.Context, path string) ([]DeviceReport, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	devices, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logPath := cfg.ExpandPath(cfg.General.LogPath, nil)
	logFile, err := OpenLogFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", logPath, err)
	}
	defer logFile.Close()
	log := NewLogger(zerolog.SyncWriter(io.MultiWriter(r.cfg.Stderr, logFile)), r.cfg.LogLevel).
		With().
		Str("substation", cfg.General.Substation).
		Logger()

	opts := SessionOptions{Fs: r.cfg.Fs, Logger: log}
	if cfg.General.LedgerPath != "" {
		ledgerPath := cfg.ExpandPath(cfg.General.LedgerPath, nil)
		ledger, err := OpenLedger(ledgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger %s: %w", ledgerPath, err)
		}
		defer ledger.Close()
		opts.Ledger = ledger
	}
	if cfg.General.SyslogAddr != "" {
		opts.Notifier = NewNotifier(NewSyslogClient(cfg.General.SyslogAddr))
	}

	reports := make([]DeviceReport, len(devices))
	started := make([]bool, len(devices))
	g := new(errgroup.Group)
	g.SetLimit(max(cfg.General.Parallel, 1))
	for i := range devices {
		if ctx.Err() != nil {
			break
		}
		i := i
		started[i] = true
		reports[i] = DeviceReport{Config: path, Device: devices[i]}
		g.Go(func() error {
			reports[i].Result, reports[i].Err = r.runDevice(ctx, devices[i], opts, log)
			return nil
		})
	}
	_ = g.Wait()

	out := reports[:0]
	for i, rep := range reports {
		if started[i] {
			out = append(out, rep)
		}
	}
	return out, nil
}

func (r *Runner) runDevice(ctx context.Context, dev DeviceConfig, opts SessionOptions, log zerolog.Logger) (SessionResult, error) {
	if ctx.Err() != nil {
		return SessionResult{Outcome: OutcomeCancelled}, nil
	}
	devLog := log.With().Str("device", dev.Name).Str("address", dev.Address).Logger()
	src, err := r.cfg.NewSource(dev)
	if err != nil {
		devLog.Error().Err(err).Str("protocol", string(dev.Protocol)).Msg("cannot create protocol client")
		return SessionResult{}, err
	}
	devLog.Debug().Str("path", dev.LocalDir).Msg("download path")
	return NewSession(dev, src, opts).Run(ctx), nil
}
