// Package command wires the daemon's single cli.App together: flag
// parsing, logger construction, and the master/budget/vehicle stack,
// following the teacher pack's App()-builds-a-cli.App shape.
package command

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/twcmaster/twcmaster/internal/budget"
	"github.com/twcmaster/twcmaster/internal/config"
	"github.com/twcmaster/twcmaster/internal/master"
	"github.com/twcmaster/twcmaster/internal/serialport"
	"github.com/twcmaster/twcmaster/internal/twclog"
	"github.com/twcmaster/twcmaster/internal/vehicle"
)

const usage = `
# run as the RS-485 master, impersonating a Tesla Wall Connector
sudo twcmasterd --serial-device /dev/ttyUSB0 --wiring-max-amps-all-twcs 40
`

func App() *cli.App {
	app := cli.NewApp()
	app.Name = "twcmasterd"
	app.Usage = "impersonate a Tesla Wall Connector master on an RS-485 bus"
	app.UsageText = usage

	cfg := &config.Config{}
	app.Flags = cfg.Flags()
	app.Action = func(*cli.Context) error {
		return runDaemon(cfg)
	}
	return app
}

func runDaemon(cfg *config.Config) error {
	if err := cfg.Resolve(); err != nil {
		return err
	}

	level, err := twclog.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := twclog.CreateLogger(level, cfg.LogFile)
	twclog.Logger = logger

	port, err := serialport.OpenRS485(cfg.SerialDevice, serialport.B9600)
	if err != nil {
		return err
	}
	defer port.Close()

	provider := buildBudgetProvider(cfg, logger.SugaredLogger)
	dispatcher := vehicle.NewRateLimitedDispatcher(&vehicle.NullClient{Log: logger.SugaredLogger}, logger.SugaredLogger)

	ctl := master.NewController(master.Config{
		MasterTWCID:          cfg.MasterTWCID,
		MasterSign:           cfg.MasterSign,
		WiringMaxAmpsPerTWC:  cfg.WiringMaxAmpsPerTWC,
		WiringMaxAmpsAllTWCs: cfg.WiringMaxAmpsAllTWCs,
		MinAmpsPerTWC:        cfg.MinAmpsPerTWC,
		PollInterval:         cfg.PollInterval,
	}, port, provider, dispatcher, master.WithLogger(logger.SugaredLogger))

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Infow("received shutdown signal")
		close(stop)
	}()

	logger.Infow("starting master loop", "device", cfg.SerialDevice, "twcid", cfg.MasterTWCID.String())
	return ctl.Run(stop)
}

// buildBudgetProvider picks the simplest provider that satisfies the
// configuration: a fixed --amps override takes priority, then a
// green-energy command polled by the schedule provider's own cadence,
// falling back to the configured aggregate wiring ceiling so the daemon
// still offers power with no budget flags set at all.
func buildBudgetProvider(cfg *config.Config, _ *zap.SugaredLogger) budget.Provider {
	if cfg.Amps > 0 {
		return budget.StaticProvider{Amps: cfg.Amps}
	}
	if cfg.GreenEnergyCommand == "" {
		return budget.StaticProvider{Amps: cfg.WiringMaxAmpsAllTWCs}
	}
	return budget.NewScheduleProvider(nil, greenEnergyFromCommand(cfg.GreenEnergyCommand))
}

// greenEnergyFromCommand runs the configured shell command and parses
// its trimmed stdout as a floating-point amps reading, the same
// "shell out, parse stdout" shape the original used for its external
// green-energy poll script.
func greenEnergyFromCommand(command string) budget.GreenEnergyFunc {
	return func() (float64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	}
}
