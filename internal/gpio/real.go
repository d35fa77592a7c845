//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"

	"github.com/sweeney/motor-controller/internal/channel"
)

// Backend creates channels on one GPIO character device chip.
type Backend struct {
	*channel.Hub

	chipName string
	chip     *gpiocdev.Chip
}

// New opens the named chip (e.g. "gpiochip0").
func New(chipName string) (*Backend, error) {
	if chipName == "" {
		chipName = DefaultChip
	}
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}
	return &Backend{
		Hub:      channel.NewHub(),
		chipName: chipName,
		chip:     chip,
	}, nil
}

func (b *Backend) id(pin int) string {
	return fmt.Sprintf("%s:%d", b.chipName, pin)
}

// ConfigureBinary requests cfg.Pin in the configured mode. Event detection is
// armed at request time and fed into the channel's edge queue.
func (b *Backend) ConfigureBinary(cfg channel.BinaryConfig) (*channel.Handle[channel.BinaryChannel], error) {
	id := b.id(cfg.Pin)
	ch := newBinary(id, cfg.Mode, cfg.Event)

	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(Consumer)}
	switch cfg.Mode {
	case channel.ModeOutput:
		opts = append(opts, gpiocdev.AsOutput(0))
	case channel.ModeInput:
		opts = append(opts, gpiocdev.AsInput, biasOption(cfg.Pull))
	case channel.ModeEventDetect:
		edge, err := edgeOption(cfg.Event)
		if err != nil {
			return nil, &channel.ConfigError{Field: id + " event", Reason: err.Error()}
		}
		opts = append(opts,
			gpiocdev.AsInput,
			biasOption(cfg.Pull),
			edge,
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
				ch.onEvent(evt.Type == gpiocdev.LineEventRisingEdge)
			}),
		)
	default:
		return nil, &channel.ConfigError{Field: id + " mode", Reason: fmt.Sprintf("unknown mode %v", cfg.Mode)}
	}

	l, err := b.chip.RequestLine(cfg.Pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request pin %d: %w", cfg.Pin, err)
	}
	ch.line = &cdevLine{Line: l}

	h, err := b.AddBinary(id, ch)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return h, nil
}

// ConfigurePWM requests cfg.Pin as an output driven by software PWM.
func (b *Backend) ConfigurePWM(cfg channel.PWMConfig) (*channel.Handle[channel.PWMChannel], error) {
	id := b.id(cfg.Pin)
	l, err := b.chip.RequestLine(cfg.Pin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return nil, fmt.Errorf("request pwm pin %d: %w", cfg.Pin, err)
	}
	ch := newSoftPWM(id, &cdevLine{Line: l}, cfg.Range)

	h, err := b.AddPWM(id, ch)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return h, nil
}

// Close tears down every channel, then the chip.
func (b *Backend) Close() error {
	err := b.Hub.Close()
	if b.chip != nil {
		if cerr := b.chip.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close chip %s: %w", b.chipName, cerr))
		}
	}
	return err
}

func biasOption(p channel.Pull) gpiocdev.LineReqOption {
	switch p {
	case channel.PullUp:
		return gpiocdev.WithPullUp
	case channel.PullDown:
		return gpiocdev.WithPullDown
	}
	return gpiocdev.WithBiasDisabled
}

func edgeOption(e channel.EventDetectType) (gpiocdev.LineReqOption, error) {
	switch e {
	case channel.EventHigh, channel.EventRisingEdge:
		return gpiocdev.WithRisingEdge, nil
	case channel.EventLow, channel.EventFallingEdge:
		return gpiocdev.WithFallingEdge, nil
	case channel.EventBothEdges:
		return gpiocdev.WithBothEdges, nil
	}
	return nil, fmt.Errorf("event detect channel needs an event type, got %v", e)
}

// cdevLine returns lines to input with pull-down before releasing them, which
// matches the Pi boot defaults.
type cdevLine struct {
	*gpiocdev.Line
}

func (l *cdevLine) Close() error {
	var errs []error
	if err := l.Line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure: %w", err))
	}
	if err := l.Line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return multierr.Combine(errs...)
}
