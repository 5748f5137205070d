//go:build !no_automation

package web

import (
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"zwave-go-home/internal/automation"
)

func setupAutomationServer(t *testing.T) (*Server, *fakeController, *automation.Engine) {
	t.Helper()
	fc := newFakeController()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(fc, mgr, newTestLogger())
	engine.Start()
	t.Cleanup(engine.Stop)

	srv := NewServer(fc, newTestLogger(), WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)
	return srv, fc, engine
}

type scriptResponse struct {
	ID   string `json:"id"`
	Meta struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	} `json:"meta"`
	Code    string `json:"code"`
	Running bool   `json:"running"`
}

func TestAutomationCRUD(t *testing.T) {
	srv, _, engine := setupAutomationServer(t)

	w := do(srv, "POST", "/api/automations", `{"name":"Evening","code":"zwave.log('hi')","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body)
	}
	created := decode[scriptResponse](t, w)
	if created.ID != "evening" || !created.Running {
		t.Fatalf("created = %+v", created)
	}

	w = do(srv, "GET", "/api/automations", "")
	list := decode[[]scriptResponse](t, w)
	if len(list) != 1 || list[0].ID != "evening" || !list[0].Running {
		t.Errorf("list = %+v", list)
	}

	w = do(srv, "POST", "/api/automations/evening/toggle", "")
	if toggled := decode[scriptResponse](t, w); toggled.Meta.Enabled || toggled.Running {
		t.Errorf("toggled = %+v", toggled)
	}
	if len(engine.Running()) != 0 {
		t.Errorf("running after toggle = %v", engine.Running())
	}

	w = do(srv, "PUT", "/api/automations/evening", `{"code":"zwave.log('v2')","enabled":true}`)
	updated := decode[scriptResponse](t, w)
	if updated.Meta.Name != "Evening" || !strings.Contains(updated.Code, "v2") || !updated.Running {
		t.Errorf("updated = %+v", updated)
	}

	w = do(srv, "GET", "/api/automations/evening", "")
	if got := decode[scriptResponse](t, w); got.ID != "evening" {
		t.Errorf("get = %+v", got)
	}

	if w := do(srv, "DELETE", "/api/automations/evening", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if len(engine.Running()) != 0 {
		t.Errorf("running after delete = %v", engine.Running())
	}
	if w := do(srv, "GET", "/api/automations/evening", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
	if w := do(srv, "DELETE", "/api/automations/evening", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestAutomationCreateValidation(t *testing.T) {
	srv, _, _ := setupAutomationServer(t)

	if w := do(srv, "POST", "/api/automations", `{"code":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d", w.Code)
	}
	if w := do(srv, "GET", "/api/automations/a..b", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}
}

func TestAutomationCreateBrokenScript(t *testing.T) {
	srv, _, engine := setupAutomationServer(t)

	w := do(srv, "POST", "/api/automations", `{"name":"Broken","code":"this is not lua","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[map[string]interface{}](t, w)
	if body["error"] == nil {
		t.Errorf("expected start error in %v", body)
	}
	if len(engine.Running()) != 0 {
		t.Errorf("broken script running: %v", engine.Running())
	}
}

func TestAutomationRun(t *testing.T) {
	srv, fc, _ := setupAutomationServer(t)

	w := do(srv, "POST", "/api/automations/_inline/run", `{"code":"zwave.turn_off('Porch') zwave.log('done')"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decode[automation.RunResult](t, w)
	if !res.OK || res.RunID == "" || len(res.Logs) != 1 || res.Logs[0] != "done" {
		t.Errorf("result = %+v", res)
	}
	if len(fc.offs) != 1 || fc.offs[0] != "n5-cc0x26-i1-x0" {
		t.Errorf("offs = %v", fc.offs)
	}

	do(srv, "POST", "/api/automations", `{"name":"Saved","code":"zwave.log('saved')"}`)
	w = do(srv, "POST", "/api/automations/saved/run", "")
	if res := decode[automation.RunResult](t, w); !res.OK || res.Logs[0] != "saved" {
		t.Errorf("saved run = %+v", res)
	}

	if w := do(srv, "POST", "/api/automations/missing/run", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", w.Code)
	}
}

func TestAutomationUnavailable(t *testing.T) {
	srv, _ := setupTestServer(t)

	if w := do(srv, "GET", "/api/automations", ""); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list status = %d body=%q", w.Code, w.Body)
	}
	if w := do(srv, "POST", "/api/automations", `{"name":"x"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("create status = %d", w.Code)
	}
}
