package motor

// pid is a textbook PID law with a fixed time step. It holds no lock; the
// Motor serializes access.
type pid struct {
	kp, ki, kd float64

	integral float64
	previous float64
}

// update returns the controller output for error e over a step of dt seconds.
func (p *pid) update(e, dt float64) float64 {
	p.integral += e * dt
	out := p.kp*e + p.ki*p.integral + p.kd*(e-p.previous)/dt
	p.previous = e
	return out
}

func (p *pid) reset() {
	p.integral = 0
	p.previous = 0
}

// dutyFor maps a controller output, in speed units, to a signed duty cycle.
// Zero output maps to minDuty, the smallest duty that turns the shaft.
func dutyFor(output, minDuty, maxSpeed float64) float64 {
	return output*(1-minDuty)/maxSpeed + minDuty
}
