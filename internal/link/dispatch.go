package link

import (
	"errors"

	"github.com/rs/zerolog"

	"OmniRover/internal/model"
	"OmniRover/internal/parser"
	"OmniRover/internal/util"
	"OmniRover/internal/vision"
)

// Publisher receives link telemetry.
type Publisher interface {
	Publish(kind string, data any)
}

// Dispatcher routes reconstructed messages by their type tag.
type Dispatcher struct {
	store *vision.Store
	bank  *vision.Bank
	pub   Publisher
	log   zerolog.Logger
}

// NewDispatcher writes into store and, if pub is non-nil, publishes events.
func NewDispatcher(store *vision.Store, pub Publisher) *Dispatcher {
	return &Dispatcher{store: store, pub: pub, log: util.Component("dispatch")}
}

// SetBank feeds every published snapshot to the smoothing filter of its
// pipeline.
func (d *Dispatcher) SetBank(b *vision.Bank) { d.bank = b }

// Handle is a MessageHandler. 'J' payloads replace the stored snapshot, 'M'
// payloads replace the stored text; anything else is logged and dropped.
func (d *Dispatcher) Handle(msg []byte) {
	typ, payload, err := parser.SplitMessage(msg)
	if err != nil {
		if errors.Is(err, parser.ErrEmptyMessage) {
			d.log.Debug().Msg("empty message")
		} else {
			d.log.Warn().Err(err).Msg("dropping message")
		}
		return
	}

	switch typ {
	case parser.TypeDetection:
		det, err := parser.DecodeDetection(payload)
		if err != nil {
			d.log.Error().Err(err).Str("payload", string(payload)).Msg("invalid JSON, dropping")
			return
		}
		snap := d.store.Publish(det)
		if d.bank != nil {
			d.bank.Feed(snap)
		}
		if d.pub != nil {
			d.pub.Publish(model.EventDetection, summarize(snap))
		}
	case parser.TypeText:
		text := string(payload)
		d.store.SetText(text)
		d.log.Debug().Str("text", text).Msg("text message")
		if d.pub != nil {
			d.pub.Publish(model.EventText, text)
		}
	}
}

func summarize(s *vision.Snapshot) model.DetectionSummary {
	sum := model.DetectionSummary{
		PipelineID: s.PipelineID(),
		Type:       s.PipelineType(),
		Valid:      s.Valid(),
	}
	for _, k := range []vision.Kind{vision.KindFiducial, vision.KindRetro} {
		if t := s.Target(k); t != nil {
			sum.Kind = k.String()
			sum.Tx, sum.Ty, sum.Ta = t.TX, t.TY, t.TA
			break
		}
	}
	return sum
}
