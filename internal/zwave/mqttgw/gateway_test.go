//go:build !no_mqtt

package mqttgw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/zwave"
)

type published struct {
	topic   string
	payload string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, string(payload)})
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	g := newGateway("zwave/", time.Millisecond, pub.publish, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { g.Close() })
	return g, pub
}

const colorNodeJSON = `{
	"name": "Hall bulb",
	"manufacturer": "Aeotec",
	"product": "ZW098",
	"command_classes": [38, 51],
	"values": [
		{"id": {"command_class": 38, "instance": 1, "index": 0}, "genre": "user", "type": "byte", "data": 99},
		{"id": {"command_class": 51, "instance": 1, "index": 0}, "genre": "user", "type": "string", "data": "#FF00000000"},
		{"id": {"command_class": 51, "instance": 1, "index": 2}, "genre": "system", "type": "int", "data": 31}
	]
}`

func TestGatewayNodes(t *testing.T) {
	g, _ := newTestGateway(t)

	g.handleMessage("zwave/nodes/12", []byte(colorNodeJSON))
	g.handleMessage("zwave/nodes/3", []byte(`{"command_classes":[38],"values":[]}`))
	g.handleMessage("zwave/nodes/3", nil) // removed
	g.handleMessage("other/nodes/4", []byte(`{}`))
	g.markSubscribed()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nodes, err := g.Nodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("nodes = %+v, want one", nodes)
	}
	n := nodes[0]
	if n.ID != 12 || n.Name != "Hall bulb" || !n.HasCommandClass(zwave.CommandClassSwitchColor) {
		t.Errorf("node = %+v", n)
	}
	for _, v := range n.Values {
		if v.ID.Node != 12 {
			t.Errorf("value %v not bound to node 12", v.ID)
		}
	}
	if d := n.Values[0].Data; d != uint8(99) {
		t.Errorf("level data = %#v, want uint8(99)", d)
	}
	if d := n.Values[2].Data; d != 31 {
		t.Errorf("channels data = %#v, want int 31", d)
	}
}

func TestGatewayNodesWaitsForSubscription(t *testing.T) {
	g, _ := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Nodes(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestGatewayValueNotifications(t *testing.T) {
	g, _ := newTestGateway(t)
	g.handleMessage("zwave/nodes/12", []byte(colorNodeJSON))

	var got []zwave.ValueChanged
	unsub := g.OnValueChanged(func(n zwave.ValueChanged) { got = append(got, n) })
	defer unsub()

	g.handleMessage("zwave/12/38/1/0", []byte(`{"time":1700000000000,"value":42}`))
	g.handleMessage("zwave/12/51/1/0", []byte(`{"time":1700000000000,"value":"#00FF000000"}`))
	g.handleMessage("zwave/12/51/1/0/set", []byte(`{"value":"#000000FF00"}`))
	g.handleMessage("zwave/12/38/1/0", []byte(`not json`))

	if len(got) != 2 {
		t.Fatalf("notifications = %+v, want 2", got)
	}
	if got[0].ID != (zwave.ValueID{Node: 12, CommandClass: 38, Instance: 1}) || got[0].Data != uint8(42) {
		t.Errorf("level notification = %+v", got[0])
	}
	if got[1].Data != "#00FF000000" {
		t.Errorf("color notification = %+v", got[1])
	}

	g.markSubscribed()
	nodes, err := g.Nodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d := nodes[0].Values[0].Data; d != uint8(42) {
		t.Errorf("cached level = %#v, want 42", d)
	}
}

func TestGatewayWrites(t *testing.T) {
	g, pub := newTestGateway(t)
	ctx := context.Background()
	level := zwave.ValueID{Node: 12, CommandClass: 38, Instance: 1}
	color := zwave.ValueID{Node: 12, CommandClass: 51, Instance: 1}

	if err := g.SetDimmerLevel(ctx, level, 50); err != nil {
		t.Fatal(err)
	}
	if err := g.SetColorPayload(ctx, color, "#FF00000000"); err != nil {
		t.Fatal(err)
	}
	if err := g.RefreshValue(ctx, level); err != nil {
		t.Fatal(err)
	}
	if err := g.SetDimmerLevel(ctx, color, 50); err == nil {
		t.Error("expected error writing a level to a color value")
	}

	want := []published{
		{"zwave/12/38/1/0/set", `{"value":50}`},
		{"zwave/12/51/1/0/set", `{"value":"#FF00000000"}`},
		{"zwave/12/38/1/0/refresh", `{}`},
	}
	if len(pub.msgs) != len(want) {
		t.Fatalf("published = %+v", pub.msgs)
	}
	for i := range want {
		if pub.msgs[i] != want[i] {
			t.Errorf("msg %d = %+v, want %+v", i, pub.msgs[i], want[i])
		}
	}

	pub.err = errors.New("broker down")
	if err := g.SetDimmerLevel(ctx, level, 1); err == nil {
		t.Error("expected publish error to surface")
	}
}

func TestParseValueTopic(t *testing.T) {
	id, err := parseValueTopic("7/51/2/2")
	if err != nil {
		t.Fatal(err)
	}
	if id != (zwave.ValueID{Node: 7, CommandClass: 51, Instance: 2, Index: 2}) {
		t.Errorf("id = %+v", id)
	}
	for _, bad := range []string{"7/51/2", "7/51/2/x", "7/300/1/0"} {
		if _, err := parseValueTopic(bad); err == nil {
			t.Errorf("parseValueTopic(%q): expected error", bad)
		}
	}
}

func TestValueMessageShape(t *testing.T) {
	var msg valueMessage
	if err := json.Unmarshal([]byte(`{"time":1,"value":true}`), &msg); err != nil {
		t.Fatal(err)
	}
	if string(msg.Value) != "true" || msg.Time != 1 {
		t.Errorf("msg = %+v", msg)
	}
}
