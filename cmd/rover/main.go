// Package main is the entry point of the rover. It loads the configuration,
// constructs the system, starts the link and telemetry, runs the configured
// mission and then serves telemetry until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"OmniRover/internal/clock"
	"OmniRover/internal/core"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
)

func main() {
	cfgPath := flag.String("c", "configs/rover.yml", "path to configuration file")
	stay := flag.Bool("stay", false, "keep serving telemetry after the mission ends")
	flag.Parse()

	util.SetupLogger("info", true)
	cfg, err := model.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *cfgPath).Msg("failed to load config")
	}
	// component loggers are derived at construction, so configure before building
	util.SetupLogger(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().Str("config", *cfgPath).Bool("sim_link", cfg.Link.Simulate).Bool("sim_drive", cfg.MotorBoard.Simulate).Msg("using config")

	sys, err := core.New(cfg, clock.Real{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create system")
	}

	if err := sys.StartAll(); err != nil {
		log.Fatal().Err(err).Msg("failed to start system")
	}
	defer func() {
		log.Info().Msg("shutting down system")
		sys.StopAll()
		log.Info().Msg("system stopped cleanly")
	}()

	// Ctrl+C or SIGTERM cancels the mission; the wheels stop on every exit path
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sys.RunMission(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Warn().Msg("mission interrupted")
		return
	case err != nil:
		log.Error().Err(err).Msg("mission failed")
	default:
		log.Info().Msg("mission finished")
	}

	if *stay {
		log.Info().Msg("serving telemetry, Ctrl+C to exit")
		<-ctx.Done()
	}
}
