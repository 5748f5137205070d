package zwave

import (
	"log/slog"
	"os"
	"testing"
)

func TestValueIDStringRoundTrip(t *testing.T) {
	tests := []ValueID{
		{Node: 5, CommandClass: CommandClassSwitchMultilevel, Instance: 1, Index: 0},
		{Node: 232, CommandClass: CommandClassSwitchColor, Instance: 2, Index: ColorIndexChannels},
	}
	for _, id := range tests {
		t.Run(id.String(), func(t *testing.T) {
			got, err := ParseValueID(id.String())
			if err != nil {
				t.Fatal(err)
			}
			if got != id {
				t.Errorf("ParseValueID(%q) = %+v, want %+v", id.String(), got, id)
			}
		})
	}

	if s := (ValueID{Node: 5, CommandClass: 0x26, Instance: 1}).String(); s != "n5-cc0x26-i1-x0" {
		t.Errorf("String() = %q", s)
	}
	if _, err := ParseValueID("garbage"); err == nil {
		t.Error("expected error for garbage id")
	}
}

func TestNodeFindValues(t *testing.T) {
	n := Node{
		ID:             7,
		CommandClasses: []uint8{CommandClassSwitchMultilevel, CommandClassSwitchColor},
		Values: []Value{
			{ID: ValueID{7, CommandClassSwitchMultilevel, 1, 0}, Genre: GenreUser, Type: TypeByte},
			{ID: ValueID{7, CommandClassSwitchColor, 1, ColorIndexColor}, Genre: GenreUser, Type: TypeString},
			{ID: ValueID{7, CommandClassSwitchColor, 1, ColorIndexChannels}, Genre: GenreSystem, Type: TypeInt},
			{ID: ValueID{7, CommandClassSwitchColor, 2, ColorIndexColor}, Genre: GenreUser, Type: TypeString},
		},
	}

	if !n.HasCommandClass(CommandClassSwitchColor) {
		t.Error("HasCommandClass(color) = false")
	}
	if n.HasCommandClass(CommandClassSwitchBinary) {
		t.Error("HasCommandClass(binary) = true")
	}

	got := n.FindValues(ValueFilter{CommandClass: CommandClassSwitchColor, Genre: GenreUser})
	if len(got) != 2 {
		t.Fatalf("color user values = %d, want 2", len(got))
	}
	got = n.FindValues(ValueFilter{CommandClass: CommandClassSwitchColor, Instance: 1, Type: TypeInt})
	if len(got) != 1 || got[0].ID.Index != ColorIndexChannels {
		t.Errorf("channels value = %+v", got)
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		in   any
		want uint8
		ok   bool
	}{
		{uint8(42), 42, true},
		{99, 99, true},
		{float64(12), 12, true},
		{int64(-3), 0, true},
		{300, 255, true},
		{"50", 0, false},
	}
	for _, tt := range tests {
		got, ok := Level(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Level(%v) = %d,%v want %d,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSubscribersPublishAndUnsubscribe(t *testing.T) {
	s := NewSubscribers(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	var count int
	unsub := s.Add(func(ValueChanged) { count++ })
	s.Add(func(ValueChanged) { panic("boom") })

	s.Publish(ValueChanged{ID: ValueID{Node: 1}})
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	unsub()
	s.Publish(ValueChanged{ID: ValueID{Node: 1}})
	if count != 1 {
		t.Errorf("after unsubscribe count = %d, want 1", count)
	}
}
