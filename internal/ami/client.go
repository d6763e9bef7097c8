package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acme/predictive-dialer/internal/config"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

// Client speaks the switch management protocol over a persistent TCP stream.
// Actions are strictly synchronous: one request/response exchange is in
// flight at a time, serialized by the client's mutex.
type Client struct {
	cfg config.AMIConfig

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	actionSeq uint64
}

// NewClient constructs a client from config. No connection is made until
// Connect is called.
func NewClient(cfg config.AMIConfig) *Client {
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = 100
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

// Connect opens the stream, consumes the server greeting and performs the
// login handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", apperrors.ErrConnection, addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	// The server opens with a single banner line before accepting actions.
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		c.teardownLocked()
		return fmt.Errorf("%w: set read deadline: %v", apperrors.ErrConnection, err)
	}
	if _, err := c.reader.ReadString('\n'); err != nil {
		c.teardownLocked()
		return fmt.Errorf("%w: read greeting: %v", apperrors.ErrConnection, err)
	}

	if err := c.loginLocked(); err != nil {
		c.teardownLocked()
		return err
	}

	c.connected = true
	return nil
}

// Connected reports whether the client holds a live, logged-in stream.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect sends a logoff action and closes the stream. Safe to call when
// not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.connected {
		// Best effort; the socket is closed regardless.
		_ = c.writeLocked(c.buildAction("Logoff", nil, nil))
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.connected = false
	return err
}

// OriginateRequest describes an outbound call to place through the switch.
type OriginateRequest struct {
	Channel   string
	Context   string
	Exten     string
	Priority  string
	CallerID  string
	Timeout   time.Duration
	Variables map[string]string
}

// Originate asks the switch to ring the channel and, once answered, route it
// into the dialplan context. Success reflects the switch's immediate
// acknowledgement only; the call outcome arrives later as events.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) error {
	priority := req.Priority
	if priority == "" {
		priority = "1"
	}
	timeoutMs := req.Timeout.Milliseconds()
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	headers := []kv{
		{"Channel", req.Channel},
		{"Context", req.Context},
		{"Exten", req.Exten},
		{"Priority", priority},
		{"Timeout", strconv.FormatInt(timeoutMs, 10)},
		{"CallerID", req.CallerID},
		{"Async", "true"},
	}

	resp, err := c.roundTrip(ctx, "Originate", headers, req.Variables)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("%w: channel %s: %s", apperrors.ErrOrigination, req.Channel, resp.Get("Message"))
	}
	return nil
}

// Hangup terminates the given channel.
func (c *Client) Hangup(ctx context.Context, channel string) error {
	resp, err := c.roundTrip(ctx, "Hangup", []kv{{"Channel", channel}}, nil)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("hangup %s: %s", channel, resp.Get("Message"))
	}
	return nil
}

// Status queries channel state. With an empty channel it reports every active
// channel; the switch answers with one event block per channel followed by a
// completion block.
func (c *Client) Status(ctx context.Context, channel string) ([]Event, error) {
	var headers []kv
	if channel != "" {
		headers = append(headers, kv{"Channel", channel})
	}
	return c.roundTripList(ctx, "Status", headers)
}

// ActiveChannels lists every channel currently up on the switch.
func (c *Client) ActiveChannels(ctx context.Context) ([]Event, error) {
	return c.Status(ctx, "")
}

// Agents lists agent states known to the switch.
func (c *Client) Agents(ctx context.Context) ([]Event, error) {
	return c.roundTripList(ctx, "Agents", nil)
}

// QueueAdd places an interface into an agent queue.
func (c *Client) QueueAdd(ctx context.Context, queue, iface string, penalty int) error {
	headers := []kv{
		{"Queue", queue},
		{"Interface", iface},
		{"Penalty", strconv.Itoa(penalty)},
	}
	resp, err := c.roundTrip(ctx, "QueueAdd", headers, nil)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("queue add %s to %s: %s", iface, queue, resp.Get("Message"))
	}
	return nil
}

// QueueRemove removes an interface from an agent queue.
func (c *Client) QueueRemove(ctx context.Context, queue, iface string) error {
	headers := []kv{
		{"Queue", queue},
		{"Interface", iface},
	}
	resp, err := c.roundTrip(ctx, "QueueRemove", headers, nil)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("queue remove %s from %s: %s", iface, queue, resp.Get("Message"))
	}
	return nil
}

type kv struct {
	key   string
	value string
}

func (c *Client) loginLocked() error {
	action := c.buildAction("Login", []kv{
		{"Username", c.cfg.Username},
		{"Secret", c.cfg.Secret},
	}, nil)

	if err := c.writeLocked(action); err != nil {
		return fmt.Errorf("%w: send login: %v", apperrors.ErrConnection, err)
	}
	resp, err := c.readBlockLocked()
	if err != nil {
		return fmt.Errorf("%w: read login response: %v", apperrors.ErrConnection, err)
	}
	if !resp.Success() {
		return fmt.Errorf("%w: %s", apperrors.ErrAuth, resp.Get("Message"))
	}
	return nil
}

// roundTrip sends one action and returns the first response block.
func (c *Client) roundTrip(ctx context.Context, name string, headers []kv, variables map[string]string) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("%w: not connected", apperrors.ErrConnection)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.writeLocked(c.buildAction(name, headers, variables)); err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("%w: send %s: %v", apperrors.ErrConnection, name, err)
	}

	resp, err := c.readBlockLocked()
	if err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("%w: read %s response: %v", apperrors.ErrConnection, name, err)
	}
	return resp, nil
}

// roundTripList sends a listing action and collects event blocks until the
// switch signals completion or the read budget runs out.
func (c *Client) roundTripList(ctx context.Context, name string, headers []kv) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("%w: not connected", apperrors.ErrConnection)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.writeLocked(c.buildAction(name, headers, nil)); err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("%w: send %s: %v", apperrors.ErrConnection, name, err)
	}

	var events []Event
	for i := 0; i < c.cfg.ReadAttempts; i++ {
		block, err := c.readBlockLocked()
		if err != nil {
			c.teardownLocked()
			return nil, fmt.Errorf("%w: read %s events: %v", apperrors.ErrConnection, name, err)
		}
		if len(block) == 0 {
			continue
		}
		eventName := block.Name()
		if strings.HasSuffix(eventName, "Complete") {
			break
		}
		if eventName == "" {
			// The action acknowledgement itself; an error response means no
			// event list will follow.
			if !block.Success() {
				return nil, fmt.Errorf("%s: %s", name, block.Get("Message"))
			}
			continue
		}
		events = append(events, block)
	}
	return events, nil
}

// readBlockLocked buffers lines until the blank-line terminator, with a
// bounded number of read attempts so a silent peer cannot hang the loop.
func (c *Client) readBlockLocked() (Event, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return nil, err
	}

	var lines []string
	for i := 0; i < c.cfg.ReadAttempts; i++ {
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			return parseBlock(lines), nil
		}
		lines = append(lines, line)
	}
	return nil, fmt.Errorf("block terminator not seen within %d reads", c.cfg.ReadAttempts)
}

func (c *Client) writeLocked(action string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(action))
	return err
}

// buildAction renders an action block. Variables are emitted in sorted key
// order so the wire format is deterministic.
func (c *Client) buildAction(name string, headers []kv, variables map[string]string) string {
	c.actionSeq++
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", name)
	fmt.Fprintf(&b, "ActionID: action_%d_%d\r\n", c.actionSeq, time.Now().Unix())
	for _, h := range headers {
		if h.value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.key, h.value)
	}
	if len(variables) > 0 {
		keys := make([]string, 0, len(variables))
		for k := range variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "Variable: %s=%s\r\n", k, variables[k])
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

func (c *Client) teardownLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
	c.connected = false
}
