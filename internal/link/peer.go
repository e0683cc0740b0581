package link

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/device"
	"OmniRover/internal/model"
	"OmniRover/internal/parser"
	"OmniRover/internal/util"
)

// InitToken is exchanged in both directions during the link handshake.
const InitToken = "INITIALIZATION_MESSAGE"

// Scene produces the detection the simulated camera sees for the active
// pipeline. Returning nil sends nothing that period.
type Scene func(pipeline int, now time.Time) *parser.Detection

// Peer plays the co-processor side of the link: it clocks transactions,
// streams detections from a Scene and answers the handshake and pipeline
// switch commands.
type Peer struct {
	tr        device.Transactor
	chunkSize int
	marker    string
	scene     Scene
	period    time.Duration
	idle      time.Duration
	pipeline  atomic.Int64
	commands  atomic.Uint64
	log       zerolog.Logger

	replies []string
}

// NewPeer creates a peer over tr that sends a detection every period.
func NewPeer(tr device.Transactor, cfg model.LinkConfig, scene Scene, period time.Duration) *Peer {
	p := &Peer{
		tr:        tr,
		chunkSize: cfg.ChunkSize,
		marker:    cfg.EndMarker,
		scene:     scene,
		period:    period,
		idle:      2 * time.Millisecond,
		log:       util.Component("peer"),
	}
	p.pipeline.Store(-1)
	return p
}

// Pipeline is the pipeline the peer currently runs, -1 before any switch.
func (p *Peer) Pipeline() int { return int(p.pipeline.Load()) }

// SetPipeline changes the active pipeline.
func (p *Peer) SetPipeline(n int) { p.pipeline.Store(int64(n)) }

// Commands counts non-ACK commands received.
func (p *Peer) Commands() uint64 { return p.commands.Load() }

// Run clocks the link until ctx is done or the transactor closes.
func (p *Peer) Run(ctx context.Context) error {
	rx := make([]byte, p.chunkSize)
	idle := make([]byte, p.chunkSize)
	next := time.Now()

	for ctx.Err() == nil {
		var chunks [][]byte
		switch {
		case len(p.replies) > 0:
			msg := parser.BuildMessage(parser.TypeText, []byte(p.replies[0]))
			p.replies = p.replies[1:]
			chunks = Chunk(msg, p.chunkSize, p.marker)
		case p.scene != nil && !time.Now().Before(next):
			next = time.Now().Add(p.period)
			if det := p.scene(p.Pipeline(), time.Now()); det != nil {
				det.PipelineID, det.HasPipelineID = p.Pipeline(), true
				payload, err := parser.EncodeDetection(det)
				if err != nil {
					p.log.Error().Err(err).Msg("encode detection")
					continue
				}
				chunks = Chunk(parser.BuildMessage(parser.TypeDetection, payload), p.chunkSize, p.marker)
			}
		}
		if chunks == nil {
			chunks = [][]byte{idle}
			time.Sleep(p.idle)
		}

		for _, c := range chunks {
			if err := p.tr.Transact(c, rx); err != nil {
				if errors.Is(err, device.ErrNotOpen) {
					return nil
				}
				p.log.Debug().Err(err).Msg("transaction failed")
				continue
			}
			p.handle(rx)
		}
	}
	return nil
}

func (p *Peer) handle(rx []byte) {
	cmd := rx
	if i := bytes.IndexByte(rx, 0); i >= 0 {
		cmd = rx[:i]
	}
	s := string(cmd)
	switch {
	case s == "" || s == Ack:
		return
	case s == InitToken:
		p.commands.Add(1)
		p.replies = append(p.replies, InitToken)
	case strings.HasPrefix(s, "P"):
		p.commands.Add(1)
		n, err := strconv.Atoi(s[1:])
		if err != nil {
			p.log.Warn().Str("cmd", s).Msg("bad pipeline command")
			return
		}
		p.SetPipeline(n)
		p.log.Info().Int("pipeline", n).Msg("pipeline switched")
	default:
		p.commands.Add(1)
		p.log.Info().Str("cmd", s).Msg("command")
	}
}
