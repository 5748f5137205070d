// Package serialapi implements zwave.Transport on a Z-Wave USB controller
// speaking the Serial API (500/700/800 series sticks).
package serialapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"zwave-go-home/internal/zwave"
)

const (
	ackTimeout      = 1600 * time.Millisecond
	maxRetries      = 3
	callbackTimeout = 10 * time.Second
	reportTimeout   = 5 * time.Second
	nodeInfoTimeout = 10 * time.Second
)

// SEND_DATA transmit options: ACK | AUTO_ROUTE | EXPLORE.
const txOptions uint8 = 0x01 | 0x04 | 0x20

// APPLICATION_UPDATE status values.
const (
	updateNodeInfoReceived uint8 = 0x84
	updateNodeInfoFailed   uint8 = 0x81
)

var errClosed = errors.New("serialapi: controller closed")

func txStatusName(s uint8) string {
	switch s {
	case 0x00:
		return "ok"
	case 0x01:
		return "no ack"
	case 0x02:
		return "fail"
	case 0x03:
		return "routing not idle"
	case 0x04:
		return "no route"
	default:
		return fmt.Sprintf("0x%02X", s)
	}
}

type reportKey struct {
	node, cc, cmd uint8
}

type nodeState struct {
	id             uint8
	commandClasses []uint8
	level          uint8
	colorMask      uint16
	color          [numComponents]uint8
}

// Controller is a zwave.Transport over a Serial API stick.
type Controller struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger
	subs   *zwave.Subscribers

	writeMu sync.Mutex
	ackCh   chan byte

	// One request/response exchange at a time.
	reqMu    sync.Mutex
	respMu   sync.Mutex
	respFunc uint8
	respCh   chan *frame

	// One SEND_DATA in flight.
	sendMu     sync.Mutex
	callbackID atomic.Uint32
	cbMu       sync.Mutex
	callbacks  map[uint8]chan uint8

	reportMu sync.Mutex
	reports  map[reportKey]chan []byte

	infoMu   sync.Mutex
	nodeInfo map[uint8]chan []uint8

	nodesMu sync.RWMutex
	nodes   map[uint8]*nodeState
	ownID   uint8

	// Notifications are published off the read loop so handlers may issue
	// commands without stalling ACK handling.
	events chan zwave.ValueChanged

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port and starts the read loop.
func Open(portName string, baudRate int, logger *slog.Logger) (*Controller, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialapi: open %s: %w", portName, err)
	}
	return New(port, logger), nil
}

// New runs a controller over an already open port.
func New(port io.ReadWriteCloser, logger *slog.Logger) *Controller {
	c := &Controller{
		port:      port,
		reader:    bufio.NewReader(port),
		logger:    logger,
		subs:      zwave.NewSubscribers(logger),
		ackCh:     make(chan byte, 4),
		callbacks: make(map[uint8]chan uint8),
		reports:   make(map[reportKey]chan []byte),
		nodeInfo:  make(map[uint8]chan []uint8),
		nodes:     make(map[uint8]*nodeState),
		events:    make(chan zwave.ValueChanged, 256),
		done:      make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.publishLoop()
	return c
}

func (c *Controller) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case n := <-c.events:
			c.subs.Publish(n)
		case <-c.done:
			return
		}
	}
}

// --- Transport: framing and ACK ---

func (c *Controller) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.port.Write(b)
	return err
}

// writeWithACK writes a data frame and waits for the stick's ACK, retrying on
// NAK, CAN or timeout.
func (c *Controller) writeWithACK(ctx context.Context, raw []byte) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Drop stale control bytes.
	drain:
		for {
			select {
			case <-c.ackCh:
			default:
				break drain
			}
		}

		if err := c.write(raw); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}

		timer := time.NewTimer(ackTimeout)
		select {
		case b := <-c.ackCh:
			timer.Stop()
			if b == ack {
				return nil
			}
			c.logger.Warn("frame rejected", "attempt", attempt+1, "ctrl", fmt.Sprintf("0x%02X", b))
			select {
			case <-time.After(100 * time.Millisecond * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-timer.C:
			c.logger.Warn("ACK timeout", "attempt", attempt+1)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.done:
			timer.Stop()
			return errClosed
		}
	}
	return fmt.Errorf("serialapi: no ACK after %d attempts", maxRetries+1)
}

// request sends a request frame and waits for the response with the same function id.
func (c *Controller) request(ctx context.Context, fn uint8, payload []byte) (*frame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ch := make(chan *frame, 1)
	c.respMu.Lock()
	c.respFunc = fn
	c.respCh = ch
	c.respMu.Unlock()
	defer func() {
		c.respMu.Lock()
		c.respCh = nil
		c.respMu.Unlock()
	}()

	if err := c.writeWithACK(ctx, encodeFrame(typeRequest, fn, payload)); err != nil {
		return nil, fmt.Errorf("%s: %w", funcName(fn), err)
	}
	c.logger.Debug("serialapi TX", "func", funcName(fn), "payload", fmt.Sprintf("%X", payload))

	select {
	case resp := <-ch:
		c.logger.Debug("serialapi RX", "func", funcName(fn), "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", funcName(fn), ctx.Err())
	case <-c.done:
		return nil, errClosed
	}
}

func (c *Controller) nextCallbackID() uint8 {
	for {
		if id := uint8(c.callbackID.Add(1)); id != 0 {
			return id
		}
	}
}

// sendData delivers a command to a node and waits for the transmit callback.
func (c *Controller) sendData(ctx context.Context, node uint8, cmd []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	cbID := c.nextCallbackID()
	cb := make(chan uint8, 1)
	c.cbMu.Lock()
	c.callbacks[cbID] = cb
	c.cbMu.Unlock()
	defer func() {
		c.cbMu.Lock()
		delete(c.callbacks, cbID)
		c.cbMu.Unlock()
	}()

	payload := make([]byte, 0, len(cmd)+4)
	payload = append(payload, node, uint8(len(cmd)))
	payload = append(payload, cmd...)
	payload = append(payload, txOptions, cbID)

	resp, err := c.request(ctx, funcSendData, payload)
	if err != nil {
		return fmt.Errorf("send to node %d: %w", node, err)
	}
	if len(resp.Payload) == 0 || resp.Payload[0] == 0 {
		return fmt.Errorf("send to node %d: not queued by controller", node)
	}

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()
	select {
	case status := <-cb:
		if status != 0 {
			return fmt.Errorf("send to node %d: transmit %s", node, txStatusName(status))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send to node %d: waiting for callback: %w", node, ctx.Err())
	case <-c.done:
		return errClosed
	}
}

// expect registers interest in the next report of cc/cmd from node.
func (c *Controller) expect(node, cc, cmd uint8) (<-chan []byte, func()) {
	key := reportKey{node, cc, cmd}
	ch := make(chan []byte, 1)
	c.reportMu.Lock()
	c.reports[key] = ch
	c.reportMu.Unlock()
	return ch, func() {
		c.reportMu.Lock()
		if c.reports[key] == ch {
			delete(c.reports, key)
		}
		c.reportMu.Unlock()
	}
}

// query sends a GET and waits for the matching report.
func (c *Controller) query(ctx context.Context, node uint8, get []byte, reportCmd uint8) ([]byte, error) {
	ch, cancel := c.expect(node, get[0], reportCmd)
	defer cancel()

	if err := c.sendData(ctx, node, get); err != nil {
		return nil, err
	}
	ctx, stop := context.WithTimeout(ctx, reportTimeout)
	defer stop()
	select {
	case report := <-ch:
		return report, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("node %d: waiting for report 0x%02X/0x%02X: %w", node, get[0], reportCmd, ctx.Err())
	case <-c.done:
		return nil, errClosed
	}
}

// --- Transport: read loop ---

func (c *Controller) readLoop() {
	defer c.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-c.done:
			return
		default:
		}

		ctrl, f, err := readFrame(c.reader)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, errChecksum) {
				c.logger.Warn("serialapi bad frame", "err", err)
				if werr := c.write([]byte{nak}); werr != nil {
					c.logger.Error("serialapi send NAK failed", "err", werr)
				}
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				c.logger.Error("serialapi read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-c.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		if f == nil {
			select {
			case c.ackCh <- ctrl:
			default:
			}
			continue
		}

		if err := c.write([]byte{ack}); err != nil {
			c.logger.Error("serialapi send ACK failed", "err", err)
		}
		c.dispatch(f)
	}
}

func (c *Controller) dispatch(f *frame) {
	if f.Type == typeResponse {
		c.respMu.Lock()
		ch, fn := c.respCh, c.respFunc
		c.respMu.Unlock()
		if ch != nil && fn == f.Func {
			select {
			case ch <- f:
			default:
			}
			return
		}
		c.logger.Warn("serialapi orphaned response", "func", funcName(f.Func), "payload", fmt.Sprintf("%X", f.Payload))
		return
	}

	switch f.Func {
	case funcSendData:
		if len(f.Payload) < 2 {
			return
		}
		c.cbMu.Lock()
		cb, ok := c.callbacks[f.Payload[0]]
		c.cbMu.Unlock()
		if ok {
			select {
			case cb <- f.Payload[1]:
			default:
			}
		}

	case funcApplicationUpdate:
		c.handleApplicationUpdate(f.Payload)

	case funcApplicationCommandHandler:
		// rxStatus, source node, length, command
		if len(f.Payload) < 3 {
			return
		}
		src, n := f.Payload[1], int(f.Payload[2])
		if len(f.Payload) < 3+n || n < 2 {
			c.logger.Warn("serialapi truncated command", "node", src, "payload", fmt.Sprintf("%X", f.Payload))
			return
		}
		c.handleCommand(src, slices.Clone(f.Payload[3:3+n]))

	default:
		c.logger.Debug("serialapi unhandled request", "func", funcName(f.Func))
	}
}

func (c *Controller) handleApplicationUpdate(p []byte) {
	if len(p) < 2 {
		return
	}
	status, node := p[0], p[1]

	var ccs []uint8
	switch status {
	case updateNodeInfoReceived:
		// status, node, len, basic, generic, specific, command classes...
		if len(p) < 6 {
			return
		}
		n := int(p[2])
		end := min(3+n, len(p))
		ccs = slices.Clone(p[6:max(end, 6)])
	case updateNodeInfoFailed:
		// The failure does not name the node; wake every waiter.
		c.infoMu.Lock()
		for _, ch := range c.nodeInfo {
			select {
			case ch <- nil:
			default:
			}
		}
		c.infoMu.Unlock()
		return
	default:
		return
	}

	c.infoMu.Lock()
	ch, ok := c.nodeInfo[node]
	c.infoMu.Unlock()
	if ok {
		select {
		case ch <- ccs:
		default:
		}
	}
}

func (c *Controller) handleCommand(src uint8, cmd []byte) {
	c.reportMu.Lock()
	ch, ok := c.reports[reportKey{src, cmd[0], cmd[1]}]
	c.reportMu.Unlock()
	if ok {
		select {
		case ch <- cmd:
		default:
		}
	}

	c.nodesMu.Lock()
	ns := c.nodes[src]
	if ns == nil {
		c.nodesMu.Unlock()
		return
	}

	var n zwave.ValueChanged
	switch {
	case cmd[0] == zwave.CommandClassSwitchMultilevel && cmd[1] == multilevelReport:
		level, err := parseMultilevelReport(cmd)
		if err != nil {
			c.nodesMu.Unlock()
			c.logger.Warn("bad multilevel report", "node", src, "err", err)
			return
		}
		ns.level = level
		n = zwave.ValueChanged{ID: levelID(src), Data: level}

	case cmd[0] == zwave.CommandClassSwitchColor && cmd[1] == colorReport:
		comp, err := parseColorReport(cmd)
		if err != nil || comp.ID >= numComponents {
			c.nodesMu.Unlock()
			return
		}
		ns.color[comp.ID] = comp.Value
		n = zwave.ValueChanged{ID: colorID(src), Data: componentsToPayload(ns.color, ns.colorMask)}

	case cmd[0] == zwave.CommandClassSwitchColor && cmd[1] == colorSupportedReport:
		mask, err := parseSupportedReport(cmd)
		if err != nil {
			c.nodesMu.Unlock()
			return
		}
		ns.colorMask = mask
		n = zwave.ValueChanged{ID: channelsID(src), Data: int(mask)}

	default:
		c.nodesMu.Unlock()
		c.logger.Debug("unhandled command", "node", src, "cmd", fmt.Sprintf("%X", cmd))
		return
	}
	c.nodesMu.Unlock()

	select {
	case c.events <- n:
	default:
		c.logger.Warn("notification queue full, dropping", "value", n.ID.String())
	}
}

func levelID(node uint8) zwave.ValueID {
	return zwave.ValueID{Node: node, CommandClass: zwave.CommandClassSwitchMultilevel, Instance: 1}
}

func colorID(node uint8) zwave.ValueID {
	return zwave.ValueID{Node: node, CommandClass: zwave.CommandClassSwitchColor, Instance: 1, Index: zwave.ColorIndexColor}
}

func channelsID(node uint8) zwave.ValueID {
	return zwave.ValueID{Node: node, CommandClass: zwave.CommandClassSwitchColor, Instance: 1, Index: zwave.ColorIndexChannels}
}

// --- Discovery ---

// Nodes interviews any node not yet known and returns all nodes.
func (c *Controller) Nodes(ctx context.Context) ([]zwave.Node, error) {
	ids, err := c.nodeIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.nodesMu.RLock()
		_, known := c.nodes[id]
		c.nodesMu.RUnlock()
		if known {
			continue
		}
		ns, err := c.interview(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("node interview failed", "node", id, "err", err)
			continue
		}
		c.nodesMu.Lock()
		c.nodes[id] = ns
		c.nodesMu.Unlock()
	}

	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()
	out := make([]zwave.Node, 0, len(c.nodes))
	for _, ns := range c.nodes {
		out = append(out, ns.describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// nodeIDs returns the ids of every node in the network except the controller.
func (c *Controller) nodeIDs(ctx context.Context) ([]uint8, error) {
	resp, err := c.request(ctx, funcMemoryGetID, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) < 5 {
		return nil, fmt.Errorf("MemoryGetID: short response %X", resp.Payload)
	}
	c.nodesMu.Lock()
	c.ownID = resp.Payload[4]
	own := c.ownID
	c.nodesMu.Unlock()

	resp, err = c.request(ctx, funcGetInitData, nil)
	if err != nil {
		return nil, err
	}
	// version, capabilities, mask length, node bitmask...
	p := resp.Payload
	if len(p) < 3 || len(p) < 3+int(p[2]) {
		return nil, fmt.Errorf("GetInitData: short response %X", p)
	}
	var ids []uint8
	for i, b := range p[3 : 3+int(p[2])] {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			id := uint8(i*8 + bit + 1)
			if id != own {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (c *Controller) interview(ctx context.Context, id uint8) (*nodeState, error) {
	ccs, err := c.requestNodeInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	ns := &nodeState{id: id, commandClasses: ccs}

	if slices.Contains(ccs, zwave.CommandClassSwitchMultilevel) {
		report, err := c.query(ctx, id, buildMultilevelGet(), multilevelReport)
		if err != nil {
			return nil, err
		}
		if ns.level, err = parseMultilevelReport(report); err != nil {
			return nil, err
		}
	}

	if slices.Contains(ccs, zwave.CommandClassSwitchColor) {
		report, err := c.query(ctx, id, buildColorSupportedGet(), colorSupportedReport)
		if err != nil {
			return nil, err
		}
		if ns.colorMask, err = parseSupportedReport(report); err != nil {
			return nil, err
		}
		for _, comp := range supportedComponents(ns.colorMask) {
			report, err := c.query(ctx, id, buildColorGet(comp), colorReport)
			if err != nil {
				return nil, err
			}
			r, err := parseColorReport(report)
			if err != nil {
				return nil, err
			}
			if r.ID < numComponents {
				ns.color[r.ID] = r.Value
			}
		}
	}

	c.logger.Info("node interviewed", "node", id, "command_classes", fmt.Sprintf("%X", ccs), "color_mask", ns.colorMask)
	return ns, nil
}

func (c *Controller) requestNodeInfo(ctx context.Context, id uint8) ([]uint8, error) {
	ch := make(chan []uint8, 1)
	c.infoMu.Lock()
	c.nodeInfo[id] = ch
	c.infoMu.Unlock()
	defer func() {
		c.infoMu.Lock()
		delete(c.nodeInfo, id)
		c.infoMu.Unlock()
	}()

	resp, err := c.request(ctx, funcRequestNodeInfo, []byte{id})
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) == 0 || resp.Payload[0] == 0 {
		return nil, fmt.Errorf("node %d: node info request refused", id)
	}

	ctx, cancel := context.WithTimeout(ctx, nodeInfoTimeout)
	defer cancel()
	select {
	case ccs := <-ch:
		if ccs == nil {
			return nil, fmt.Errorf("node %d: node info request failed", id)
		}
		return ccs, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("node %d: waiting for node info: %w", id, ctx.Err())
	case <-c.done:
		return nil, errClosed
	}
}

func (ns *nodeState) describe() zwave.Node {
	n := zwave.Node{
		ID:             ns.id,
		CommandClasses: slices.Clone(ns.commandClasses),
	}
	if slices.Contains(ns.commandClasses, zwave.CommandClassSwitchMultilevel) {
		n.Values = append(n.Values, zwave.Value{
			ID: levelID(ns.id), Genre: zwave.GenreUser, Type: zwave.TypeByte, Label: "Level", Data: ns.level,
		})
	}
	if slices.Contains(ns.commandClasses, zwave.CommandClassSwitchColor) {
		n.Values = append(n.Values,
			zwave.Value{
				ID: colorID(ns.id), Genre: zwave.GenreUser, Type: zwave.TypeString, Label: "Color",
				Data: componentsToPayload(ns.color, ns.colorMask),
			},
			zwave.Value{
				ID: channelsID(ns.id), Genre: zwave.GenreSystem, Type: zwave.TypeInt, Label: "Color Channels",
				Data: int(ns.colorMask),
			},
		)
	}
	return n
}

// --- zwave.Transport ---

func checkInstance(id zwave.ValueID) error {
	if id.Instance > 1 {
		return fmt.Errorf("value %s: multi channel endpoints are not supported", id)
	}
	return nil
}

func (c *Controller) SetDimmerLevel(ctx context.Context, id zwave.ValueID, level uint8) error {
	if id.CommandClass != zwave.CommandClassSwitchMultilevel {
		return fmt.Errorf("value %s is not a multilevel switch", id)
	}
	if err := checkInstance(id); err != nil {
		return err
	}
	return c.sendData(ctx, id.Node, buildMultilevelSet(level))
}

func (c *Controller) SetColorPayload(ctx context.Context, id zwave.ValueID, payload string) error {
	if id.CommandClass != zwave.CommandClassSwitchColor {
		return fmt.Errorf("value %s is not a color switch", id)
	}
	if err := checkInstance(id); err != nil {
		return err
	}
	mask, err := c.colorMask(id.Node)
	if err != nil {
		return err
	}
	comps, err := payloadToComponents(payload, mask)
	if err != nil {
		return err
	}
	return c.sendData(ctx, id.Node, buildColorSet(comps))
}

// RefreshValue asks the node to report the value again.
func (c *Controller) RefreshValue(ctx context.Context, id zwave.ValueID) error {
	if err := checkInstance(id); err != nil {
		return err
	}
	switch {
	case id.CommandClass == zwave.CommandClassSwitchMultilevel:
		return c.sendData(ctx, id.Node, buildMultilevelGet())
	case id.CommandClass == zwave.CommandClassSwitchColor && id.Index == zwave.ColorIndexChannels:
		return c.sendData(ctx, id.Node, buildColorSupportedGet())
	case id.CommandClass == zwave.CommandClassSwitchColor:
		mask, err := c.colorMask(id.Node)
		if err != nil {
			return err
		}
		for _, comp := range supportedComponents(mask) {
			if err := c.sendData(ctx, id.Node, buildColorGet(comp)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value %s: refresh not supported", id)
	}
}

func (c *Controller) colorMask(node uint8) (uint16, error) {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()
	ns, ok := c.nodes[node]
	if !ok {
		return 0, fmt.Errorf("node %d: not interviewed", node)
	}
	return ns.colorMask, nil
}

func (c *Controller) OnValueChanged(handler func(zwave.ValueChanged)) func() {
	return c.subs.Add(handler)
}

// Close stops the read loop and closes the port.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.port.Close()
	})
	c.wg.Wait()
	return err
}
