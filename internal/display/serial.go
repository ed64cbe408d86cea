package display

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"

	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"
)

// Serial drives a dash display over a UART. The protocol is one KEY=VALUE
// line per update:
//
//	MSG=<text>
//	SW=<position label>
//	SWR=<ohms>
//	POS=<position label>,<last valid label>
//	V=<volts>
//	EGG
//
// Updates are queued and written by a separate goroutine, so a stalled
// UART never holds up the caller. A key updated again before its line went
// out only sends the latest value.
type Serial struct {
	w      io.Writer
	closer io.Closer
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]string
	order   []string

	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Writer goroutine only
	failed bool
}

// OpenSerial opens the display UART, 8N1 at the given baud rate
func OpenSerial(port string, baud int, l *logger.Logger) (*Serial, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open display port %s: %w", port, err)
	}
	s := NewSerial(p, l)
	s.closer = p
	return s, nil
}

// NewSerial writes the display protocol to w
func NewSerial(w io.Writer, l *logger.Logger) *Serial {
	s := &Serial{
		w:       w,
		logger:  l,
		pending: make(map[string]string),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Close writes what is still queued and closes the port
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.stopped:
		case <-time.After(2 * time.Second):
			s.logger.Warnf("Timeout flushing display")
		}
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

func (s *Serial) send(key, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	s.mu.Lock()
	if _, ok := s.pending[key]; !ok {
		s.order = append(s.order, key)
	}
	s.pending[key] = line
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Serial) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes queued lines in the order their keys were first queued
func (s *Serial) flush() {
	s.mu.Lock()
	order, pending := s.order, s.pending
	s.order, s.pending = nil, make(map[string]string)
	s.mu.Unlock()

	for _, key := range order {
		s.write(pending[key])
	}
}

func (s *Serial) write(line string) {
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		// Only report the first failure of a run, the display may be unplugged
		if !s.failed {
			s.logger.Warnf("Display write failed: %v", err)
		}
		s.failed = true
		return
	}
	if s.failed {
		s.logger.Infof("Display write recovered")
		s.failed = false
	}
}

func (s *Serial) SetMainMessage(text string) {
	s.send("MSG", "MSG=%s", text)
}

func (s *Serial) SetSwitchPosition(p types.Position) {
	s.send("SW", "SW=%s", p.Label())
}

func (s *Serial) SetSwitchResistance(ohms float64) {
	if math.IsInf(ohms, 1) {
		s.send("SWR", "SWR=OPEN")
		return
	}
	s.send("SWR", "SWR=%.0f", ohms)
}

func (s *Serial) SetMotorPosition(p types.Position, lastValid types.Position) {
	s.send("POS", "POS=%s,%s", p.Label(), lastValid.Label())
}

func (s *Serial) SetMotorVoltage(volts float64) {
	s.send("V", "V=%.2f", volts)
}

func (s *Serial) ShowEasterEgg() {
	s.send("EGG", "EGG")
}
