package gpio

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/motor-controller/internal/channel"
)

// softPWM toggles an output line from a goroutine. Parameter changes take
// effect at the end of the current period.
type softPWM struct {
	mu      sync.Mutex
	name    string
	out     line
	rng     float64
	period  time.Duration
	start   float64 // fraction of the period
	end     float64 // fraction of the period
	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
	closed  bool
}

func newSoftPWM(name string, out line, rng int) *softPWM {
	if rng <= 0 {
		rng = softPWMDefaultRange
	}
	return &softPWM{
		name:    name,
		out:     out,
		rng:     float64(rng),
		period:  hzToPeriod(softPWMDefaultFrequency),
		changed: make(chan struct{}, 1),
	}
}

func hzToPeriod(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

// Initialize starts the toggling goroutine. The line starts LOW.
func (p *softPWM) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	if p.running {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true
	go p.run(p.stop, p.done)
	return nil
}

func (p *softPWM) SetFrequency(hz float64) error {
	if hz <= 0 || hz != hz {
		return fmt.Errorf("pwm %s frequency %v: must be positive", p.name, hz)
	}
	if hzToPeriod(hz) < time.Microsecond {
		return fmt.Errorf("pwm %s frequency %v: too high for software pwm", p.name, hz)
	}
	return p.update(func() { p.period = hzToPeriod(hz) })
}

func (p *softPWM) SetDutyCycle(ratio float64) error {
	ratio = channel.ClampDuty(ratio)
	return p.update(func() {
		p.start = 0
		p.end = ratio
	})
}

func (p *softPWM) SetPulseWindow(start, end float64) error {
	if start < 0 || end > p.rng || start > end {
		return fmt.Errorf("pwm %s window [%v, %v]: must satisfy 0 <= start <= end <= %v", p.name, start, end, p.rng)
	}
	return p.update(func() {
		p.start = start / p.rng
		p.end = end / p.rng
	})
}

func (p *softPWM) MinValue() float64 { return 0 }

func (p *softPWM) MaxValue() float64 { return p.rng }

func (p *softPWM) update(apply func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return channel.ErrClosed
	}
	apply()
	select {
	case p.changed <- struct{}{}:
	default:
	}
	return nil
}

type pwmPhase struct {
	level int
	d     time.Duration
}

func (p *softPWM) phases() [3]pwmPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	lead := time.Duration(float64(p.period) * p.start)
	on := time.Duration(float64(p.period) * (p.end - p.start))
	return [3]pwmPhase{
		{0, lead},
		{1, on},
		{0, p.period - lead - on},
	}
}

func (p *softPWM) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	level := -1
	failed := false
	set := func(v int) {
		if v == level {
			return
		}
		if err := p.out.SetValue(v); err != nil {
			if !failed {
				log.Printf("gpio: pwm %s: %v", p.name, err)
				failed = true
			}
			return
		}
		failed = false
		level = v
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	set(0)
	phases := p.phases()
	for {
		for _, ph := range phases {
			if ph.d <= 0 {
				continue
			}
			set(ph.level)
			timer.Reset(ph.d)
			select {
			case <-stop:
				set(0)
				return
			case <-timer.C:
			}
		}
		select {
		case <-p.changed:
			phases = p.phases()
		case <-stop:
			set(0)
			return
		default:
		}
	}
}

// Close stops the goroutine, leaving the line LOW, and releases the line.
func (p *softPWM) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	running := p.running
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	if running {
		close(stop)
		<-done
	}
	if err := p.out.Close(); err != nil {
		return fmt.Errorf("close pwm %s: %w", p.name, err)
	}
	return nil
}

func (p *softPWM) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
