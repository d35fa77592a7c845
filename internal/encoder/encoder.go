package encoder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/motor-controller/internal/channel"
)

// ErrEdgeDetectionEnded is reported by Err when the backend canceled or tore
// down edge detection under a running worker.
var ErrEdgeDetectionEnded = errors.New("encoder: edge detection ended")

// Config describes an encoder. A is required; B is set for quadrature
// encoders. Both must be EVENT_DETECT channels reporting both edges.
type Config struct {
	A          *channel.Handle[channel.BinaryChannel]
	B          *channel.Handle[channel.BinaryChannel]
	Resolution int
}

// Encoder owns its channel handles and publishes a Reading every sampling
// period while started.
type Encoder struct {
	a, b       *channel.Handle[channel.BinaryChannel]
	resolution int
	now        func() time.Time

	mu      sync.Mutex
	reading Reading
	err     error

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New takes ownership of the configured handles: they are transferred into
// the encoder and the caller's handles become empty.
func New(cfg Config) (*Encoder, error) {
	if !cfg.A.Valid() {
		return nil, &channel.ConfigError{Field: "encoder channel A", Reason: "required"}
	}
	if cfg.Resolution <= 0 {
		return nil, &channel.ConfigError{Field: "encoder resolution", Reason: fmt.Sprintf("%d: must be positive", cfg.Resolution)}
	}
	e := &Encoder{
		a:          cfg.A.Transfer(),
		resolution: cfg.Resolution,
		now:        time.Now,
	}
	if cfg.B.Valid() {
		e.b = cfg.B.Transfer()
	}
	e.reading = e.resetReading()
	return e, nil
}

// Quadrature reports whether the encoder has two channels.
func (e *Encoder) Quadrature() bool { return e.b != nil }

func (e *Encoder) resetReading() Reading {
	if e.Quadrature() {
		return Reading{Direction: Stop}
	}
	return Reading{Direction: Forward}
}

// Start validates the channels and starts the estimation worker sampling at
// frequency hertz. Starting a running encoder is a no-op.
func (e *Encoder) Start(frequency float64) error {
	if frequency <= 0 || frequency != frequency {
		return &channel.ConfigError{Field: "encoder sampling frequency", Reason: fmt.Sprintf("%v: must be positive", frequency)}
	}
	period := time.Duration(float64(time.Second) / frequency)
	if period <= 0 {
		return &channel.ConfigError{Field: "encoder sampling frequency", Reason: fmt.Sprintf("%v: too high", frequency)}
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel != nil {
		return nil
	}

	a, levelA, err := edgeChannel("A", e.a)
	if err != nil {
		return err
	}
	var b channel.BinaryChannel
	levelB := channel.Low
	if e.b != nil {
		if b, levelB, err = edgeChannel("B", e.b); err != nil {
			return err
		}
	}

	est := newEstimator(e.resolution, b != nil, e.now())
	est.seed(levelA, levelB)

	e.mu.Lock()
	e.err = nil
	e.reading = e.resetReading()
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.run(ctx, est, a, b, period)
		if err == nil {
			return nil
		}
		e.mu.Lock()
		e.err = err
		if errors.Is(err, ErrEdgeDetectionEnded) {
			e.reading = e.resetReading()
		}
		e.mu.Unlock()
		log.Printf("encoder: worker stopped: %v", err)
		if errors.Is(err, ErrEdgeDetectionEnded) {
			return nil
		}
		return err
	})
	e.cancel = cancel
	e.group = g
	return nil
}

// edgeChannel checks that h holds an open EVENT_DETECT channel and reads its
// current level.
func edgeChannel(name string, h *channel.Handle[channel.BinaryChannel]) (channel.BinaryChannel, channel.Signal, error) {
	ch, err := h.Channel()
	if err != nil {
		return nil, channel.Low, fmt.Errorf("encoder channel %s: %w", name, err)
	}
	if ch.IsClosed() {
		return nil, channel.Low, fmt.Errorf("encoder channel %s: %w", name, channel.ErrClosed)
	}
	if ch.Mode() != channel.ModeEventDetect {
		return nil, channel.Low, fmt.Errorf("encoder channel %s: %w", name, channel.ModeError("edge detection", ch.Mode()))
	}
	level, err := ch.Get()
	if err != nil {
		return nil, channel.Low, fmt.Errorf("encoder channel %s: %w", name, err)
	}
	return ch, level, nil
}

// run is the estimation worker. It blocks on whichever comes first: an edge
// on either channel, the sampling tick or cancellation.
func (e *Encoder) run(ctx context.Context, est *estimator, a, b channel.BinaryChannel, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	waitA := a.WaitForEdge()
	var waitB <-chan channel.Edge
	if b != nil {
		waitB = b.WaitForEdge()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case edge := <-waitA:
			if edge.Err != nil {
				return waitError(ctx, "A", edge.Err)
			}
			est.edgeA(edge.Level)
			waitA = a.WaitForEdge()

		case edge := <-waitB:
			if edge.Err != nil {
				return waitError(ctx, "B", edge.Err)
			}
			est.edgeB(edge.Level)
			waitB = b.WaitForEdge()

		case <-ticker.C:
			r := est.sample(e.now())
			e.mu.Lock()
			e.reading = r
			e.mu.Unlock()
		}
	}
}

// waitError classifies a failed edge wait. Our own cancellation is a clean
// exit. Backend cancellation or teardown ends the worker with
// ErrEdgeDetectionEnded.
func waitError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, channel.ErrCanceled) || errors.Is(err, channel.ErrClosed) {
		return fmt.Errorf("encoder channel %s: %w: %w", name, ErrEdgeDetectionEnded, err)
	}
	return fmt.Errorf("encoder channel %s: wait for edge: %w", name, err)
}

// Stop signals the worker, joins it, cancels outstanding edge waits and resets
// the published reading. It returns the hardware error that ended the worker,
// if any; ErrEdgeDetectionEnded is not returned. Stopping a stopped encoder is
// a no-op.
func (e *Encoder) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stop()
}

func (e *Encoder) stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	err := e.group.Wait()
	e.cancel = nil
	e.group = nil

	for _, h := range []*channel.Handle[channel.BinaryChannel]{e.a, e.b} {
		if ch, cerr := h.Channel(); cerr == nil && !ch.IsClosed() {
			ch.Cancel()
		}
	}

	e.mu.Lock()
	e.reading = e.resetReading()
	e.mu.Unlock()
	return err
}

// Close stops the encoder and releases its channels.
func (e *Encoder) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	err := e.stop()
	e.a.Release()
	e.b.Release()
	return err
}

// Running reports whether the worker was started and not stopped. A worker
// that ended on a hardware error still counts as running until Stop.
func (e *Encoder) Running() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.cancel != nil
}

// Err returns the error that ended the worker, or nil: a hardware error or
// ErrEdgeDetectionEnded.
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Reading returns the last published estimate.
func (e *Encoder) Reading() Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reading
}

// Speed returns the unsigned speed in revolutions per second.
func (e *Encoder) Speed() float64 { return e.Reading().Speed }

func (e *Encoder) Direction() Direction { return e.Reading().Direction }

func (e *Encoder) Count() uint64 { return e.Reading().Count }
