// Package link runs the chunked co-processor link: it reassembles messages
// from fixed-size transactions, dispatches them into the vision store and
// carries one outbound command at a time.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/device"
	"OmniRover/internal/model"
	"OmniRover/internal/util"
)

// ErrAllocation is returned by Run when a message outgrows the configured
// accumulator cap. The framer cannot recover from it without a restart.
var ErrAllocation = errors.New("link accumulator exhausted")

// Ack is sent in every transaction after an outbound command went out.
const Ack = "ACK"

// MessageHandler receives each reconstructed message. The slice is only
// valid for the duration of the call.
type MessageHandler func(msg []byte)

// Stats are running counters of the framer.
type Stats struct {
	Transactions uint64 `json:"transactions"`
	Failures     uint64 `json:"failures"`
	Messages     uint64 `json:"messages"`
	Commands     uint64 `json:"commands"`
}

// Framer is the single consumer of the link Transactor.
type Framer struct {
	tr        device.Transactor
	chunkSize int
	marker    []byte
	maxBytes  int
	handle    MessageHandler
	log       zerolog.Logger

	mu      sync.Mutex
	pending string
	queued  bool

	transactions atomic.Uint64
	failures     atomic.Uint64
	messages     atomic.Uint64
	commands     atomic.Uint64
	lastChunk    atomic.Int64
}

// NewFramer builds a framer over tr. handle is called from the Run goroutine.
func NewFramer(tr device.Transactor, cfg model.LinkConfig, handle MessageHandler) *Framer {
	return &Framer{
		tr:        tr,
		chunkSize: cfg.ChunkSize,
		marker:    []byte(cfg.EndMarker),
		maxBytes:  cfg.MaxMessageBytes,
		handle:    handle,
		log:       util.Component("framer"),
	}
}

// Queue sets the outbound command. A command queued before the previous one
// was sent replaces it.
func (f *Framer) Queue(cmd string) {
	f.mu.Lock()
	if f.queued {
		f.log.Debug().Str("dropped", f.pending).Str("cmd", cmd).Msg("outbound command overwritten")
	}
	f.pending, f.queued = cmd, true
	f.mu.Unlock()
}

func (f *Framer) takeCommand() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.queued {
		return "", false
	}
	cmd := f.pending
	f.pending, f.queued = "", false
	return cmd, true
}

// Stats returns a copy of the counters.
func (f *Framer) Stats() Stats {
	return Stats{
		Transactions: f.transactions.Load(),
		Failures:     f.failures.Load(),
		Messages:     f.messages.Load(),
		Commands:     f.commands.Load(),
	}
}

// LastChunk is when the last transaction completed, zero if none has.
func (f *Framer) LastChunk() time.Time {
	n := f.lastChunk.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run performs transactions until ctx is done or the transactor is closed.
// Failed transactions are retried indefinitely; only ErrAllocation and a
// closed transactor end the loop with an error.
func (f *Framer) Run(ctx context.Context) error {
	tx := make([]byte, f.chunkSize)
	rx := make([]byte, f.chunkSize)
	acc := make([]byte, 0, 4*f.chunkSize)
	inFlight := false
	silent := false

	for {
		if ctx.Err() != nil {
			return nil
		}
		if cmd, ok := f.takeCommand(); ok {
			if len(cmd) > f.chunkSize-1 {
				f.log.Warn().Str("cmd", cmd).Int("max", f.chunkSize-1).Msg("outbound command truncated")
				cmd = cmd[:f.chunkSize-1]
			}
			clear(tx)
			copy(tx, cmd)
			inFlight = true
		}

		err := f.tr.Transact(tx, rx)
		if err != nil {
			f.failures.Add(1)
			if errors.Is(err, device.ErrNotOpen) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("link transactor closed: %w", err)
			}
			if errors.Is(err, device.ErrTimeout) && !silent {
				silent = true
				f.log.Warn().Msg("peer silent")
			} else if !errors.Is(err, device.ErrTimeout) {
				f.log.Debug().Err(err).Msg("transaction failed, retrying")
			}
			continue
		}
		f.transactions.Add(1)
		f.lastChunk.Store(time.Now().UnixNano())
		if silent {
			silent = false
			f.log.Info().Msg("peer responding again")
		}
		if inFlight {
			f.commands.Add(1)
			clear(tx)
			copy(tx, Ack)
			inFlight = false
		}

		data := rx
		if i := bytes.IndexByte(rx, 0); i >= 0 {
			data = rx[:i]
		}
		if bytes.HasPrefix(data, f.marker) {
			f.messages.Add(1)
			f.handle(acc)
			acc = acc[:0]
			continue
		}
		if len(acc)+len(data) > f.maxBytes {
			f.log.Error().Int("size", len(acc)+len(data)).Int("max", f.maxBytes).Msg("message too large, stopping link")
			return ErrAllocation
		}
		acc = append(acc, data...)
	}
}

// Chunk splits msg into chunkSize pieces followed by the end marker chunk,
// each zero padded to chunkSize.
func Chunk(msg []byte, chunkSize int, marker string) [][]byte {
	var out [][]byte
	for len(msg) > 0 {
		n := min(chunkSize, len(msg))
		c := make([]byte, chunkSize)
		copy(c, msg[:n])
		out = append(out, c)
		msg = msg[n:]
	}
	end := make([]byte, chunkSize)
	copy(end, marker)
	return append(out, end)
}
