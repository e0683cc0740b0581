// Link simulator: plays the vision co-processor on a serial device, and
// optionally the motor board on a second one. Use it with a socat pty pair
// to run the rover binary without hardware.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"OmniRover/internal/clock"
	"OmniRover/internal/core"
	"OmniRover/internal/device"
	"OmniRover/internal/drive"
	"OmniRover/internal/link"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
)

func main() {
	linkDev := flag.String("link", "/dev/ttyS10", "serial device the co-processor side of the link is on")
	baud := flag.Int("baud", 115200, "baud rate")
	chunk := flag.Int("chunk", 64, "chunk size in bytes")
	boardDev := flag.String("board", "", "serial device to emulate the motor board on (empty disables)")
	period := flag.Duration("period", 30*time.Millisecond, "time between detections")
	fid := flag.Int("fid", 3, "fiducial id shown to the camera")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	util.SetupLogger(*level, true)

	cfg := model.DefaultConfig()
	cfg.Link.ChunkSize = *chunk

	sim := drive.NewSimChassis(clock.Real{}, cfg.Drive.MaxVelocityTicks, cfg.Drive.EncoderLimit)
	world := core.NewSimWorld(sim, 12, -9, 0.1, *fid)

	if *boardDev != "" {
		dev, err := device.NewSerialDevice(*boardDev, *baud)
		if err != nil {
			log.Fatal().Err(err).Str("dev", *boardDev).Msg("open motor board port")
		}
		emu := device.NewBoardEmulator(dev, sim)
		emu.Start()
		defer emu.Stop()
		log.Info().Str("dev", *boardDev).Msg("emulating motor board")
	}

	tr, err := device.NewSerialTransactor(*linkDev, *baud, 500*time.Millisecond)
	if err != nil {
		log.Fatal().Err(err).Str("dev", *linkDev).Msg("open link port")
	}
	defer func() {
		if cerr := tr.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close link port")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("dev", *linkDev).Dur("period", *period).Int("fid", *fid).Msg("co-processor simulator running")
	if err := link.NewPeer(tr, cfg.Link, world.Scene, *period).Run(ctx); err != nil {
		log.Error().Err(err).Msg("peer stopped")
	}
}
