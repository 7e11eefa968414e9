package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// ControlFunc receives system-topic datagrams instead of room peers.
type ControlFunc func(ctx context.Context, instance string, dg model.Datagram)

type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	fwd     map[string]map[string]model.Wire
	control ControlFunc
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

// OnControl sets the consumer of system-topic datagrams.
// Without it such datagrams are dropped.
func (sw *Switch) OnControl(fn ControlFunc) {
	sw.mx.Lock()
	defer sw.mx.Unlock()
	sw.control = fn
}

func (sw *Switch) Disconnect(instance, endpoint string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("instance", instance).
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	inst, ok := sw.fwd[instance]
	if ok {
		delete(inst, endpoint)
		if len(inst) == 0 {
			delete(sw.fwd, instance)
		}
	}
	return nil
}

func (sw *Switch) Connect(ctx context.Context, instance string, endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("instance", instance).
			Str("endpoint", endpoint).
			Msg("endpoint connected")
		go sw.forwardDatagrams(ctx, instance, wire.RX)
	}()

	inst, ok := sw.fwd[instance]
	if !ok {
		inst = make(map[string]model.Wire)
	}
	inst[endpoint] = wire
	sw.fwd[instance] = inst
	return nil
}

func (sw *Switch) forwardDatagrams(ctx context.Context, instance string, rx <-chan model.Datagram) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case dg := <-rx:
			switch {
			case dg.SRC == "":
				sw.logger.Error().
					Str("instance", instance).
					Msg("datagram with empty src")
			case model.IsSystemTopic(dg.Topic):
				sw.mx.RLock()
				control := sw.control
				sw.mx.RUnlock()
				if control == nil {
					sw.logger.Debug().
						Str("instance", instance).
						Str("topic", dg.Topic).
						Msg("system datagram dropped, no control handler")
					continue
				}
				control(ctx, instance, dg)
			default:
				if !sw.forward(ctx, dg, instance) {
					sw.logger.Debug().
						Str("instance", instance).
						Str("src", dg.SRC).
						Str("topic", dg.Topic).
						Msg("incoming datagram was dropped, nowhere to forward")
				}
			}
		}
	}
}

// Broadcast sends datagram to every endpoint of the instance except its source.
func (sw *Switch) Broadcast(ctx context.Context, dg model.Datagram, instance string) error {
	dg.DST = "" // clear dst just in case
	if !sw.forward(ctx, dg, instance) {
		sw.logger.Debug().
			Str("instance", instance).
			Str("topic", dg.Topic).
			Str("src", dg.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, dg model.Datagram, instance string) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("instance", instance).
			Str("topic", dg.Topic).
			Str("src", dg.SRC).Logger()
	)

	sw.mx.RLock()
	inst := make(map[string]model.Wire, len(sw.fwd[instance]))
	for k, v := range sw.fwd[instance] {
		inst[k] = v
	}
	sw.mx.RUnlock()

	if dg.DST == "" {
		// broadcast datagram

		for dst, wire := range inst {
			if dst != dg.SRC {
				dgSent, canceled := send(ctx, dg, wire.TX, &logger)
				if canceled {
					break
				}
				if dgSent {
					sent = true
				}
			}
		}

	} else {
		// send to a particular endpoint

		wire, ok := inst[dg.DST]
		if !ok {
			logger.Debug().Str("dst", dg.DST).Msg("cannot forward, dst not found")
		} else {
			sent, _ = send(ctx, dg, wire.TX, &logger)
		}
	}
	return sent
}

func send(ctx context.Context, dg model.Datagram, tx chan<- model.Datagram, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dg.DST).Msg("dead endpoint")
	case tx <- dg:
		logger.Trace().Str("dst", dg.DST).Msg("datagram is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
