//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{Name: "Porch At Dusk", Description: "warm porch", Enabled: true},
		Code: `zwave.turn_on("Porch", {color_temp = 400})`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "porch_at_dusk" {
		t.Errorf("id = %q, want porch_at_dusk", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.Code) != `zwave.turn_on("Porch", {color_temp = 400})` {
		t.Errorf("code = %q", got.Code)
	}
	if got.Path != filepath.Join(m.Dir(), "porch_at_dusk.lua") {
		t.Errorf("path = %q", got.Path)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{ID: "night", Meta: ScriptMeta{Name: "Night"}, Code: `zwave.log("v1")`}
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	s.Code = `zwave.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("night")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.Code, "v2") {
		t.Errorf("code after update = %q", got.Code)
	}
	scripts, _ := m.List()
	if len(scripts) != 1 {
		t.Errorf("list count = %d, want 1", len(scripts))
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Not a script.
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerListSkipsBadMetadata(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.Dir(), "bad.lua"), []byte(metaPrefix+"{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "Good"}}); err != nil {
		t.Fatal(err)
	}
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].ID != "good" {
		t.Errorf("scripts = %+v", scripts)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
		if err := m.Delete(id); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Delete(%q) err = %v", id, err)
		}
		if _, err := m.Save(&Script{ID: id}); !errors.Is(err, ErrInvalidScriptID) {
			t.Errorf("Save(%q) err = %v", id, err)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != "dup" || s2.ID != "dup_2" {
		t.Errorf("ids = %q, %q", s1.ID, s2.ID)
	}
}

func TestManagerUnnamedScript(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{Code: `zwave.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(s.ID, "script_") || len(s.ID) != len("script_")+8 {
		t.Errorf("id = %q", s.ID)
	}
}

func TestDecodeScript(t *testing.T) {
	content := metaPrefix + `{"name":"Hall","description":"motion","enabled":true}

zwave.on("light_state", {light = "Hall"}, function(ev)
  zwave.log(ev.name)
end)
`
	s, err := decodeScript(content)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta != (ScriptMeta{Name: "Hall", Description: "motion", Enabled: true}) {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.Code, `zwave.on("light_state"`) {
		t.Errorf("code = %q", s.Code)
	}

	plain, err := decodeScript(`zwave.log("plain")`)
	if err != nil {
		t.Fatal(err)
	}
	if plain.Meta.Enabled || plain.Code != `zwave.log("plain")` {
		t.Errorf("plain script = %+v", plain)
	}
}

func TestEncodeScriptRoundTrip(t *testing.T) {
	s := &Script{Meta: ScriptMeta{Name: "T", Enabled: true}, Code: "zwave.log(1)"}
	content := encodeScript(s)
	if !strings.HasPrefix(content, metaPrefix+"{") {
		t.Fatalf("content = %q", content)
	}
	if !strings.HasSuffix(content, "zwave.log(1)\n") {
		t.Errorf("content = %q", content)
	}
	got, err := decodeScript(content)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != s.Meta || got.Code != "zwave.log(1)\n" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("abc ", 20), strings.Repeat("abc_", 9) + "abc"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
