// Package rig drives the Arduino sorting platform over a serial line.
// The device protocol is single ASCII command bytes downstream and
// newline-delimited, prefix-tagged status lines upstream.
package rig

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
	"github.com/tarm/serial"
)

// Command bytes understood by the platform firmware.
const (
	cmdVersion  = 'V'
	cmdRecycle  = 'R'
	cmdGarbage  = 'G'
	cmdReset    = 'N'
	cmdAck      = 'A'
	cmdShutdown = 'X'
)

// versionMarker must appear in the firmware's version response; it
// guards against connecting to an unrelated serial device.
const versionMarker = "WasteSorter"

// State of the sort cycle. A sort command is only accepted in Idle;
// AwaitingAck lasts until the firmware reports SORT_COMPLETE or the ack
// timeout expires; Cooldown enforces the minimum interval between sorts.
type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Message is a parsed line from the device.
type Message struct {
	Level string // "status", "info", "warning", "error"
	Text  string
}

type Config struct {
	// AckTimeout bounds how long a sort may stay unacknowledged before
	// the controller gives up and returns to Idle.
	AckTimeout time.Duration
	// Cooldown is the minimum interval between completed sorts.
	Cooldown time.Duration
}

type Controller struct {
	port   io.ReadWriteCloser
	config Config

	mu       sync.Mutex
	state    State
	lastSort time.Time
	now      func() time.Time

	messages     chan Message
	sortComplete chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// OpenSerial opens the platform's serial port via tarm/serial.
func OpenSerial(device string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	return port, nil
}

func NewController(port io.ReadWriteCloser, config Config) *Controller {
	if config.AckTimeout <= 0 {
		config.AckTimeout = 10 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Second
	}
	return &Controller{
		port:         port,
		config:       config,
		state:        StateIdle,
		now:          time.Now,
		messages:     make(chan Message, 32),
		sortComplete: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Handshake probes the device with a version request and verifies the
// response identifies the sorting platform firmware.
func (c *Controller) Handshake() (string, error) {
	if err := c.writeCommand(cmdVersion); err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	reader := bufio.NewReader(c.port)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("handshake: read version: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.Contains(line, versionMarker) {
		return "", fmt.Errorf("handshake: unexpected device identification %q", line)
	}
	return line, nil
}

// Start launches the monitor loop that reads device output. It returns
// immediately; lines arrive on Messages and completed sorts on
// SortComplete.
func (c *Controller) Start() {
	go c.monitor()
}

// Messages returns parsed device lines. Sends never block; a full
// buffer drops the oldest unconsumed diagnostics.
func (c *Controller) Messages() <-chan Message {
	return c.messages
}

// SortComplete signals each acknowledged sort cycle.
func (c *Controller) SortComplete() <-chan struct{} {
	return c.sortComplete
}

// State reports the current cycle state, folding expired timeouts back
// to Idle.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.normalizedState()
}

// normalizedState applies timeout transitions. Caller holds c.mu.
func (c *Controller) normalizedState() State {
	elapsed := c.now().Sub(c.lastSort)
	switch c.state {
	case StateAwaitingAck:
		if elapsed > c.config.AckTimeout {
			slog.Warn("sort acknowledgment timed out, returning to idle", "elapsed", elapsed)
			c.state = StateIdle
		}
	case StateCooldown:
		if elapsed > c.config.Cooldown {
			c.state = StateIdle
		}
	}
	return c.state
}

// Sort routes the current item to the given destination. It is only
// accepted while the cycle is Idle; the physical platform serializes
// sorts, so a busy cycle is reported to the caller rather than queued.
func (c *Controller) Sort(destination database.Destination) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.normalizedState(); state != StateIdle {
		return fmt.Errorf("sort rejected: platform is %s", state)
	}

	var command byte
	switch destination {
	case database.DestinationRecycling:
		command = cmdRecycle
	case database.DestinationGarbage:
		command = cmdGarbage
	default:
		return fmt.Errorf("sort rejected: unknown destination %q", destination)
	}

	if err := c.writeCommand(command); err != nil {
		return fmt.Errorf("sort: %w", err)
	}
	c.state = StateAwaitingAck
	c.lastSort = c.now()
	return nil
}

// Reset returns the platform to its neutral position and the cycle to Idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeCommand(cmdReset); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.state = StateIdle
	return nil
}

func (c *Controller) writeCommand(command byte) error {
	if _, err := c.port.Write([]byte{command}); err != nil {
		return fmt.Errorf("write command %q: %w", string(command), err)
	}
	return nil
}

func (c *Controller) monitor() {
	scanner := bufio.NewScanner(c.port)
	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}
		c.handleLine(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		slog.Error("serial monitor stopped", "error", err)
	}
}

func (c *Controller) handleLine(line string) {
	if line == "" {
		return
	}
	slog.Debug("device line", "line", line)

	switch {
	case strings.HasPrefix(line, "STATUS:"):
		c.publish(Message{Level: "status", Text: strings.TrimSpace(strings.TrimPrefix(line, "STATUS:"))})
	case strings.HasPrefix(line, "INFO:"):
		text := strings.TrimSpace(strings.TrimPrefix(line, "INFO:"))
		slog.Info("device info", "message", text)
		c.publish(Message{Level: "info", Text: text})
	case strings.HasPrefix(line, "WARNING:"):
		text := strings.TrimSpace(strings.TrimPrefix(line, "WARNING:"))
		slog.Warn("device warning", "message", text)
		c.publish(Message{Level: "warning", Text: text})
	case strings.HasPrefix(line, "ERROR:"):
		text := strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		slog.Error("device error", "message", text)
		c.publish(Message{Level: "error", Text: text})
	case strings.Contains(line, "SORT_COMPLETE"):
		c.completeSort()
	}
}

func (c *Controller) completeSort() {
	// Acknowledge receipt so the firmware can rearm.
	if err := c.writeCommand(cmdAck); err != nil {
		slog.Error("failed to acknowledge sort completion", "error", err)
	}

	c.mu.Lock()
	c.state = StateCooldown
	c.lastSort = c.now()
	c.mu.Unlock()

	select {
	case c.sortComplete <- struct{}{}:
	default:
	}
}

func (c *Controller) publish(message Message) {
	select {
	case c.messages <- message:
	default:
	}
}

// Close parks the platform and releases the port.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Best effort: return the platform to neutral before hanging up.
		_ = c.writeCommand(cmdReset)
		err = c.port.Close()
	})
	return err
}
