// Package gpio provides the Linux GPIO character device backend.
// Binary channels are requested lines; PWM channels are software PWM running
// on an output line. The real implementation uses go-gpiocdev and is only
// available on Linux.
package gpio

// DefaultChip is the chip opened when none is configured.
const DefaultChip = "gpiochip0"

// Consumer labels every line this backend requests.
const Consumer = "motor-controller"

// softPWMDefaultRange is the number of window steps in one period when the
// configuration does not say.
const softPWMDefaultRange = 1000

// softPWMDefaultFrequency is used until SetFrequency is called.
const softPWMDefaultFrequency = 100.0

// line is the part of a requested GPIO line the channels use.
type line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}
