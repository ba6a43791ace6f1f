package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sungrow-telemetry/internal/inverter"
)

// RegisterReader is the connection surface the poller needs. *Client
// implements it.
type RegisterReader interface {
	Connect() error
	Close() error
	ReadInputRegisters(address uint16, quantity uint16) ([]uint16, error)
}

// Poller reads all register groups in one cycle, one request per group.
// Consecutive failures grow an exponential backoff that is applied before
// the next attempt and reset after any success.
type Poller struct {
	reader RegisterReader
	groups []inverter.Group
	delay  time.Duration
	log    *zap.Logger

	retry   *backoff.ExponentialBackOff
	failing bool
}

func NewPoller(reader RegisterReader, delay, maxBackoff time.Duration, log *zap.Logger) *Poller {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Poller{
		reader: reader,
		groups: inverter.AllGroups(),
		delay:  delay,
		log:    log,
		retry:  retry,
	}
}

// Poll executes one cycle. An error on any group fails the whole cycle so
// partial data never reaches the normalizer.
func (p *Poller) Poll(ctx context.Context) (map[string][]uint16, error) {
	if p.failing {
		wait := p.retry.NextBackOff()
		p.log.Warn("modbus backoff before retry", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	raw, err := p.pollOnce(ctx)
	if err != nil {
		p.failing = true
		return nil, err
	}

	p.failing = false
	p.retry.Reset()
	return raw, nil
}

func (p *Poller) pollOnce(ctx context.Context) (map[string][]uint16, error) {
	if err := p.reader.Connect(); err != nil {
		return nil, err
	}

	result := make(map[string][]uint16)
	for i, g := range p.groups {
		if i > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.delay):
			}
		}

		words, err := p.reader.ReadInputRegisters(g.Start, g.Count)
		if err != nil {
			p.reader.Close()
			return nil, fmt.Errorf("failed to read group %q: %w", g.Name, err)
		}

		if err := inverter.SliceGroup(g, words, result); err != nil {
			p.reader.Close()
			return nil, err
		}
	}

	return result, nil
}
