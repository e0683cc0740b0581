package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/clock"
	"OmniRover/internal/device"
	"OmniRover/internal/link"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
	"OmniRover/internal/vision"
)

const (
	handshakeInterval = 5 * time.Millisecond
	// EstablishedMessage is queued once the handshake completes.
	EstablishedMessage = "communication established"
)

// LinkService owns the link transactor and runs the framer in the
// background. In simulation it also runs the co-processor peer.
type LinkService struct {
	tr     device.Transactor
	framer *link.Framer
	peer   *link.Peer
	store  *vision.Store
	pub    link.Publisher
	clk    clock.Clock
	log    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
	errMu  sync.Mutex
}

func newLinkService(cfg model.LinkConfig, store *vision.Store, bank *vision.Bank, pub link.Publisher, clk clock.Clock, scene link.Scene) (*LinkService, error) {
	timeout := time.Duration(cfg.TransactionTimeoutMs) * time.Millisecond
	ls := &LinkService{store: store, pub: pub, clk: clk, log: util.Component("link")}

	if cfg.Simulate {
		pipe := device.NewPipeTransactor(cfg.ChunkSize, timeout)
		ls.tr = pipe
		ls.peer = link.NewPeer(pipe.PeerSide(), cfg, scene, 30*time.Millisecond)
	} else {
		tr, err := device.NewSerialTransactor(cfg.Device, cfg.Baud, timeout)
		if err != nil {
			return nil, fmt.Errorf("open link: %w", err)
		}
		ls.tr = tr
	}
	disp := link.NewDispatcher(store, pub)
	disp.SetBank(bank)
	ls.framer = link.NewFramer(ls.tr, cfg, disp.Handle)
	return ls, nil
}

// Start runs the framer (and the simulated peer) until Stop.
func (l *LinkService) Start() {
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.framer.Run(ctx); err != nil {
			l.log.Error().Err(err).Msg("framer stopped")
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			l.announce("down", -1, err)
		}
	}()
	if l.peer != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			_ = l.peer.Run(ctx)
		}()
	}
	l.log.Info().Bool("simulated", l.peer != nil).Msg("link started")
}

// Stop cancels the framer and closes the transactor.
func (l *LinkService) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	_ = l.tr.Close()
	l.wg.Wait()
	l.cancel = nil
	l.log.Info().Msg("link stopped")
}

// Err is the error the framer stopped with, if any.
func (l *LinkService) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Queue sends a command to the co-processor.
func (l *LinkService) Queue(cmd string) error {
	if err := l.Err(); err != nil {
		return fmt.Errorf("link down: %w", err)
	}
	l.framer.Queue(cmd)
	return nil
}

// Stats returns framer counters.
func (l *LinkService) Stats() link.Stats { return l.framer.Stats() }

// LastChunk is when the framer last completed a transaction.
func (l *LinkService) LastChunk() time.Time { return l.framer.LastChunk() }

// Peer returns the simulated co-processor, nil on hardware.
func (l *LinkService) Peer() *link.Peer { return l.peer }

// Handshake repeats the init token until the co-processor reports a
// pipeline or echoes the token, then announces the link.
func (l *LinkService) Handshake(ctx context.Context) error {
	for l.store.Snapshot().PipelineID() < 0 && l.store.Text() != link.InitToken {
		if err := l.Queue(link.InitToken); err != nil {
			return err
		}
		if err := l.clk.Sleep(ctx, handshakeInterval); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}
	l.log.Info().Msg(EstablishedMessage)
	if err := l.Queue(EstablishedMessage); err != nil {
		return err
	}
	l.announce("established", l.store.Snapshot().PipelineID(), nil)
	return nil
}

// SwitchPipeline requests pipeline n until the detections report it.
func (l *LinkService) SwitchPipeline(ctx context.Context, n int) error {
	if n < 0 {
		return errors.New("pipeline must not be negative")
	}
	cmd := "P" + strconv.Itoa(n)
	for l.store.Snapshot().PipelineID() != n {
		if err := l.Queue(cmd); err != nil {
			return err
		}
		if err := l.clk.Sleep(ctx, handshakeInterval); err != nil {
			return fmt.Errorf("switch pipeline %d: %w", n, err)
		}
	}
	l.log.Info().Int("pipeline", n).Msg("pipeline active")
	l.announce("pipeline", n, nil)
	return nil
}

func (l *LinkService) announce(state string, pipeline int, err error) {
	if l.pub == nil {
		return
	}
	ev := model.LinkEvent{State: state, Pipeline: pipeline}
	if err != nil {
		ev.Error = err.Error()
	}
	l.pub.Publish(model.EventLink, ev)
}
