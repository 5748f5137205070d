package serialapi

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/zwave"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeNode struct {
	ccs   []uint8
	level uint8
	mask  uint16
	color [numComponents]uint8
}

type sentCommand struct {
	node uint8
	cmd  []byte
}

// fakeStick emulates a Serial API controller on the far end of a pipe.
type fakeStick struct {
	conn net.Conn
	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	nodes  map[uint8]*fakeNode
	sent   []sentCommand
	txFail bool
}

func newFakeStick(t *testing.T, nodes map[uint8]*fakeNode) (*fakeStick, *Controller) {
	t.Helper()
	a, b := net.Pipe()
	s := &fakeStick{
		conn:  b,
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
		nodes: nodes,
	}
	go s.writeLoop()
	go s.readLoop()

	c := New(a, discardLogger)
	t.Cleanup(func() {
		c.Close()
		close(s.done)
		b.Close()
	})
	return s, c
}

func (s *fakeStick) writeLoop() {
	for {
		select {
		case raw := <-s.out:
			if _, err := s.conn.Write(raw); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *fakeStick) send(raw []byte) {
	select {
	case s.out <- raw:
	case <-s.done:
	}
}

func (s *fakeStick) respond(fn uint8, payload ...byte) {
	s.send(encodeFrame(typeResponse, fn, payload))
}

func (s *fakeStick) unsolicited(fn uint8, payload ...byte) {
	s.send(encodeFrame(typeRequest, fn, payload))
}

func (s *fakeStick) report(node uint8, cmd ...byte) {
	p := append([]byte{0x00, node, uint8(len(cmd))}, cmd...)
	s.unsolicited(funcApplicationCommandHandler, p...)
}

func (s *fakeStick) readLoop() {
	r := bufio.NewReader(s.conn)
	for {
		_, f, err := readFrame(r)
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		s.send([]byte{ack})
		s.handle(f)
	}
}

func (s *fakeStick) handle(f *frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Func {
	case funcMemoryGetID:
		s.respond(funcMemoryGetID, 0xC0, 0xFF, 0xEE, 0x01, 0x01)

	case funcGetInitData:
		mask := make([]byte, 29)
		mask[0] = 0x01 // controller
		for id := range s.nodes {
			mask[(id-1)/8] |= 1 << ((id - 1) % 8)
		}
		p := append([]byte{0x05, 0x08, 29}, mask...)
		s.respond(funcGetInitData, append(p, 0x07, 0x00)...)

	case funcRequestNodeInfo:
		id := f.Payload[0]
		s.respond(funcRequestNodeInfo, 0x01)
		n, ok := s.nodes[id]
		if !ok {
			s.unsolicited(funcApplicationUpdate, updateNodeInfoFailed, 0x00, 0x00)
			return
		}
		p := append([]byte{updateNodeInfoReceived, id, uint8(3 + len(n.ccs)), 0x04, 0x11, 0x01}, n.ccs...)
		s.unsolicited(funcApplicationUpdate, p...)

	case funcSendData:
		node, n := f.Payload[0], int(f.Payload[1])
		cmd := bytes.Clone(f.Payload[2 : 2+n])
		cbID := f.Payload[2+n+1]
		s.sent = append(s.sent, sentCommand{node: node, cmd: cmd})
		s.respond(funcSendData, 0x01)
		if s.txFail {
			s.unsolicited(funcSendData, cbID, 0x01)
			return
		}
		s.unsolicited(funcSendData, cbID, 0x00)
		s.apply(node, cmd)
	}
}

func (s *fakeStick) apply(id uint8, cmd []byte) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	switch {
	case cmd[0] == 0x26 && cmd[1] == multilevelSet:
		n.level = cmd[2]
	case cmd[0] == 0x26 && cmd[1] == multilevelGet:
		s.report(id, 0x26, multilevelReport, n.level)
	case cmd[0] == 0x33 && cmd[1] == colorSupportedGet:
		s.report(id, 0x33, colorSupportedReport, uint8(n.mask), uint8(n.mask>>8))
	case cmd[0] == 0x33 && cmd[1] == colorGet:
		s.report(id, 0x33, colorReport, cmd[2], n.color[cmd[2]])
	case cmd[0] == 0x33 && cmd[1] == colorSet:
		count := int(cmd[2] & 0x1F)
		for i := 0; i < count; i++ {
			n.color[cmd[3+2*i]] = cmd[4+2*i]
		}
	}
}

func (s *fakeStick) lastSent() sentCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentCommand{}
	}
	return s.sent[len(s.sent)-1]
}

func testNodes() map[uint8]*fakeNode {
	color := &fakeNode{ccs: []uint8{0x26, 0x33}, level: 99, mask: 0x1D}
	color.color[componentRed] = 0x10
	color.color[componentGreen] = 0x20
	color.color[componentBlue] = 0x30
	color.color[componentWarmWhite] = 0x40
	return map[uint8]*fakeNode{
		5: {ccs: []uint8{0x26}, level: 42},
		7: color,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControllerInterviewsNodes(t *testing.T) {
	_, c := newFakeStick(t, testNodes())

	nodes, err := c.Nodes(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].ID != 5 || nodes[1].ID != 7 {
		t.Fatalf("nodes = %+v", nodes)
	}

	dimmer := nodes[0]
	if len(dimmer.Values) != 1 || dimmer.Values[0].Data != uint8(42) {
		t.Errorf("dimmer values = %+v", dimmer.Values)
	}

	color := nodes[1]
	if !color.HasCommandClass(zwave.CommandClassSwitchColor) {
		t.Fatal("color node missing color class")
	}
	payload := color.FindValues(zwave.ValueFilter{CommandClass: zwave.CommandClassSwitchColor, Type: zwave.TypeString})
	if len(payload) != 1 || payload[0].Data != "#10203040" {
		t.Errorf("color value = %+v", payload)
	}
	channels := color.FindValues(zwave.ValueFilter{CommandClass: zwave.CommandClassSwitchColor, Genre: zwave.GenreSystem})
	if len(channels) != 1 || channels[0].Data != 0x1D {
		t.Errorf("channels value = %+v", channels)
	}
}

func TestControllerSetDimmerLevel(t *testing.T) {
	s, c := newFakeStick(t, testNodes())
	ctx := testContext(t)

	if err := c.SetDimmerLevel(ctx, levelID(5), 60); err != nil {
		t.Fatal(err)
	}
	got := s.lastSent()
	if got.node != 5 || !bytes.Equal(got.cmd, []byte{0x26, multilevelSet, 60}) {
		t.Errorf("sent = %+v", got)
	}

	if err := c.SetDimmerLevel(ctx, colorID(5), 60); err == nil {
		t.Error("expected error for non-multilevel value")
	}
	multi := levelID(5)
	multi.Instance = 2
	if err := c.SetDimmerLevel(ctx, multi, 60); err == nil {
		t.Error("expected error for endpoint 2")
	}
}

func TestControllerTransmitFailure(t *testing.T) {
	s, c := newFakeStick(t, testNodes())
	s.mu.Lock()
	s.txFail = true
	s.mu.Unlock()

	err := c.SetDimmerLevel(testContext(t), levelID(5), 10)
	if err == nil || !strings.Contains(err.Error(), "no ack") {
		t.Errorf("err = %v, want transmit no ack", err)
	}
}

func TestControllerSetColorPayload(t *testing.T) {
	s, c := newFakeStick(t, testNodes())
	ctx := testContext(t)

	if err := c.SetColorPayload(ctx, colorID(7), "#FF000080"); err == nil {
		t.Fatal("expected error before interview")
	}

	if _, err := c.Nodes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SetColorPayload(ctx, colorID(7), "#FF000080"); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x33, colorSet, 0x04,
		componentRed, 0xFF, componentGreen, 0x00, componentBlue, 0x00, componentWarmWhite, 0x80}
	if got := s.lastSent(); got.node != 7 || !bytes.Equal(got.cmd, want) {
		t.Errorf("sent = %X, want %X", got.cmd, want)
	}

	if err := c.SetColorPayload(ctx, colorID(7), "#FF0000"); err == nil {
		t.Error("expected error for payload missing the warm white byte")
	}
}

func TestControllerRefreshPublishesReports(t *testing.T) {
	_, c := newFakeStick(t, testNodes())
	ctx := testContext(t)
	if _, err := c.Nodes(ctx); err != nil {
		t.Fatal(err)
	}

	got := make(chan zwave.ValueChanged, 16)
	unsub := c.OnValueChanged(func(n zwave.ValueChanged) { got <- n })
	defer unsub()

	if err := c.SetDimmerLevel(ctx, levelID(5), 17); err != nil {
		t.Fatal(err)
	}
	if err := c.RefreshValue(ctx, levelID(5)); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		if n.ID != levelID(5) || n.Data != uint8(17) {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no level notification")
	}

	if err := c.SetColorPayload(ctx, colorID(7), "#00FF0011"); err != nil {
		t.Fatal(err)
	}
	if err := c.RefreshValue(ctx, colorID(7)); err != nil {
		t.Fatal(err)
	}
	// One report per supported component; the last carries the full payload.
	var last zwave.ValueChanged
	for i := 0; i < 4; i++ {
		select {
		case last = <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d color notifications", i)
		}
	}
	if last.ID != colorID(7) || last.Data != "#00FF0011" {
		t.Errorf("last color notification = %+v", last)
	}
}

func TestControllerCloseUnblocksCallers(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	// Drain so writes succeed; never answer.
	go io.Copy(io.Discard, b)

	c := New(a, discardLogger)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Nodes(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Nodes did not return after Close")
	}
}
