package ids

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// Snowflake layout (most significant bit first):
// [timestamp 41 bits][machine 10 bits][process 5 bits][sequence 8 bits]
const (
	timestampBits = 41
	machineBits   = 10
	processBits   = 5
	sequenceBits  = 8

	MaxMachineID = 1<<machineBits - 1
	MaxProcessID = 1<<processBits - 1
	maxSequence  = 1<<sequenceBits - 1
	maxTimestamp = 1<<timestampBits - 1

	processShift   = sequenceBits
	machineShift   = sequenceBits + processBits
	timestampShift = sequenceBits + processBits + machineBits
)

// DefaultEpoch is 2024-01-01T00:00:00Z in milliseconds
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

var (
	ErrMachineIDRange      = errors.New("snowflake: machine id out of range (0-1023)")
	ErrProcessIDRange      = errors.New("snowflake: process id out of range (0-31)")
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")
	ErrTimestampOverflow   = errors.New("snowflake: timestamp exceeds 41 bits")
	ErrInvalidSnowflake    = errors.New("snowflake: invalid text form")
)

// Snowflake is a 64-bit time-ordered identifier
type Snowflake uint64

// Timestamp returns the milliseconds since the generator epoch
func (s Snowflake) Timestamp() int64 {
	return int64(uint64(s) >> timestampShift)
}

// Time returns the wall-clock time the id was generated, given the generator epoch
func (s Snowflake) Time(epoch int64) time.Time {
	return time.UnixMilli(epoch + s.Timestamp())
}

func (s Snowflake) MachineID() uint16 {
	return uint16(uint64(s) >> machineShift & MaxMachineID)
}

func (s Snowflake) ProcessID() uint8 {
	return uint8(uint64(s) >> processShift & MaxProcessID)
}

func (s Snowflake) Sequence() uint8 {
	return uint8(uint64(s) & maxSequence)
}

// String returns the decimal form used in JSON bodies and logs
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

func (s Snowflake) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Snowflake) UnmarshalText(text []byte) error {
	v, err := ParseSnowflake(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSnowflake parses the decimal form produced by String
func ParseSnowflake(text string) (Snowflake, error) {
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, ErrInvalidSnowflake
	}
	return Snowflake(v), nil
}

// Generator hands out strictly increasing snowflakes for one machine/process pair.
// It is safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	epoch     int64
	machineID uint64
	processID uint64
	lastMs    int64
	sequence  uint64
	stalls    uint64

	now   func() int64 // milliseconds since Unix epoch
	sleep func(time.Duration)
}

// GeneratorOption customizes a Generator
type GeneratorOption func(*Generator)

// WithClock replaces the wall clock (milliseconds since Unix epoch)
func WithClock(now func() int64) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator validates the machine/process ids and returns a generator.
// Out-of-range ids indicate misconfiguration and are reported as errors.
func NewGenerator(epoch int64, machineID, processID int, opts ...GeneratorOption) (*Generator, error) {
	if machineID < 0 || machineID > MaxMachineID {
		return nil, ErrMachineIDRange
	}
	if processID < 0 || processID > MaxProcessID {
		return nil, ErrProcessIDRange
	}

	g := &Generator{
		epoch:     epoch,
		machineID: uint64(machineID),
		processID: uint64(processID),
		lastMs:    -1,
		now:       func() int64 { return time.Now().UnixMilli() },
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Epoch returns the custom epoch in milliseconds
func (g *Generator) Epoch() int64 {
	return g.epoch
}

// Stalls returns how many times the generator had to wait for the next
// millisecond because the sequence space was exhausted
func (g *Generator) Stalls() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stalls
}

// Next returns the next snowflake. A clock that moves backwards is reported as
// ErrClockMovedBackwards and no id is produced.
func (g *Generator) Next() (Snowflake, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now() - g.epoch
	if now < g.lastMs {
		return 0, ErrClockMovedBackwards
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond: wait for the clock to tick.
			g.stalls++
			for now <= g.lastMs {
				g.sleep(100 * time.Microsecond)
				now = g.now() - g.epoch
			}
		}
	} else {
		g.sequence = 0
	}

	if now > maxTimestamp {
		return 0, ErrTimestampOverflow
	}
	g.lastMs = now

	id := uint64(now)<<timestampShift |
		g.machineID<<machineShift |
		g.processID<<processShift |
		g.sequence
	return Snowflake(id), nil
}
