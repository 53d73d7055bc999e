package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	wsReconnectMin = 1 * time.Second
	wsReconnectMax = 30 * time.Second
)

// Supervisor keeps a gateway connected, reconnecting with exponential
// backoff after transport errors. It stops on context cancellation or when
// the gateway is disconnected by its owner.
type Supervisor struct {
	gw       *Gateway
	logger   logrus.FieldLogger
	minDelay time.Duration
	maxDelay time.Duration
	lost     chan error
}

// NewSupervisor takes over gw's transport error callback.
func NewSupervisor(gw *Gateway, logger logrus.FieldLogger) *Supervisor {
	s := &Supervisor{
		gw:       gw,
		logger:   logger.WithField("component", "stream-supervisor"),
		minDelay: wsReconnectMin,
		maxDelay: wsReconnectMax,
		lost:     make(chan error, 1),
	}
	gw.OnTransportError(func(err error) {
		select {
		case s.lost <- err:
		default:
		}
	})
	return s
}

func (s *Supervisor) Name() string { return "stream-gateway" }

// Run blocks until ctx is done or the gateway is disconnected.
func (s *Supervisor) Run(ctx context.Context) error {
	err := s.gw.Connect(ctx)
	halt := s.gw.haltSignal()
	delay := s.minDelay

	for {
		if err == nil {
			delay = s.minDelay
			select {
			case <-ctx.Done():
				s.gw.Disconnect()
				return nil
			case <-halt:
				return nil
			case lostErr := <-s.lost:
				s.logger.WithError(lostErr).Warn("Stream lost, reconnecting")
			}
		} else {
			if errors.Is(err, errHalted) || ctx.Err() != nil {
				return nil
			}
			s.logger.WithError(err).WithField("delay", delay).Warn("Stream connect failed, retrying")
		}

		select {
		case <-ctx.Done():
			s.gw.Disconnect()
			return nil
		case <-halt:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
		err = s.gw.reconnect(ctx)
	}
}
