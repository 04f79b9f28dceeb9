package jshost

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/protocol"
	"github.com/mattjoyce/gatekeeper/internal/state"
)

type memJournal struct {
	mu      sync.Mutex
	entries []state.Invocation
}

func (j *memJournal) Record(_ context.Context, inv state.Invocation) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, inv)
	return inv.ID, nil
}

func request(mode string) *protocol.HookRequest {
	return &protocol.HookRequest{
		Context: protocol.HostContext{HostVersion: "1.2.0", PluginID: "acme.script"},
		Params:  protocol.ConstraintsParams{Mode: mode},
	}
}

func mustCompile(t *testing.T, source string, opts Options) *Plugin {
	t.Helper()
	p, err := Compile("acme.script", "plugin.js", source, opts)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return p
}

func decode(t *testing.T, raw []byte) *protocol.HookResponse {
	t.Helper()
	resp, err := protocol.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse(%s): %v", raw, err)
	}
	return resp
}

func TestCallMethodExport(t *testing.T) {
	p := mustCompile(t, `
exports["plugin.constraints.post_validate"] = function (req) {
  return { ok: true, result: { add_violations: [
    { code: "mode." + req.params.mode, severity: "warning", message: req.context.host_version, object_ids: ["w1"] }
  ] } };
};`, Options{})

	raw, err := p.Call(context.Background(), protocol.MethodConstraintsPostValidate, request("drag"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	result, err := protocol.DecodeResult[protocol.ConstraintsResult](decode(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, result.AddViolations, 1) {
		v := result.AddViolations[0]
		assert.Equal(t, "mode.drag", v.Code)
		assert.Equal(t, "1.2.0", v.Message)
		assert.Equal(t, []string{"w1"}, v.ObjectIDs)
	}
}

func TestCallHandleFallbackAndModuleExports(t *testing.T) {
	p := mustCompile(t, `
module.exports = {
  handle: function (method, req) {
    return { ok: true, result: { method: method, plugin: host.get_context().plugin_id } };
  }
};`, Options{})

	raw, err := p.Call(context.Background(), protocol.MethodRenderPostRender, request("full"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.JSONEq(t, `{"ok":true,"result":{"method":"plugin.render.post_render","plugin":"acme.script"}}`, string(raw))
}

func TestCallUnknownMethod(t *testing.T) {
	p := mustCompile(t, `exports.other = function () { return {}; };`, Options{})

	raw, err := p.Call(context.Background(), protocol.MethodPricingPostQuote, request("full"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	resp := decode(t, raw)
	assert.False(t, resp.OK)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code)
}

func TestCallThrownErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		wantMsg  string
	}{
		{"error object", `throw new Error("boom");`, CodeScriptError, "boom"},
		{"coded object", `throw { code: "acme.bad_state", message: "walls missing" };`, "acme.bad_state", "walls missing"},
		{"string", `throw "plain";`, CodeScriptError, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, `exports.handle = function () { `+tt.body+` };`, Options{})
			raw, err := p.Call(context.Background(), protocol.MethodConstraintsPostValidate, request("full"))
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			resp := decode(t, raw)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.wantMsg)
		})
	}
}

func TestCallTopLevelThrow(t *testing.T) {
	p := mustCompile(t, `throw new Error("init failed");`, Options{})
	raw, err := p.Call(context.Background(), protocol.MethodConstraintsPostValidate, request("full"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Contains(t, decode(t, raw).Error.Message, "init failed")
}

func TestCallTimeoutInterruptsScript(t *testing.T) {
	journal := &memJournal{}
	p := mustCompile(t, `exports.handle = function () { for (;;) {} };`, Options{Timeout: 50 * time.Millisecond, Journal: journal})

	start := time.Now()
	_, err := p.Call(context.Background(), protocol.MethodConstraintsPostValidate, request("full"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	if assert.Len(t, journal.entries, 1) {
		assert.Equal(t, "failed", journal.entries[0].Status)
		assert.Equal(t, "script.timeout", journal.entries[0].ErrorCode)
		assert.Equal(t, "script", journal.entries[0].Runtime)
	}

	// A later call on the same plugin runs in a clean runtime.
	p2 := mustCompile(t, `exports.handle = function () { return { ok: true, result: {} }; };`, Options{Timeout: 50 * time.Millisecond})
	if _, err := p2.Call(context.Background(), "m", request("full")); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestCallContextCanceled(t *testing.T) {
	p := mustCompile(t, `exports.handle = function () { for (;;) {} };`, Options{Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := p.Call(ctx, protocol.MethodConstraintsPostValidate, request("full"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestCallsDoNotShareState(t *testing.T) {
	p := mustCompile(t, `
var count = 0;
exports.handle = function () { count++; return { ok: true, result: { count: count } }; };`, Options{})

	for i := 0; i < 3; i++ {
		raw, err := p.Call(context.Background(), "m", request("full"))
		if err != nil {
			t.Fatal(err)
		}
		assert.JSONEq(t, `{"ok":true,"result":{"count":1}}`, string(raw))
	}
}

func TestHostLogReemitted(t *testing.T) {
	var buf bytes.Buffer
	log.SetupWriter("debug", &buf)
	t.Cleanup(func() { log.Setup("info") })

	p := mustCompile(t, `exports.handle = function () {
  host.log("warn", "slow layout", { walls: 3 });
  return { ok: true, result: {} };
};`, Options{})
	if _, err := p.Call(context.Background(), "m", request("full")); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	assert.Contains(t, out, `"msg":"slow layout"`)
	assert.Contains(t, out, `"source":"plugin"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"plugin":"acme.script"`)
}

func TestNoValueIsError(t *testing.T) {
	p := mustCompile(t, `exports.handle = function () {};`, Options{})
	_, err := p.Call(context.Background(), "m", request("full"))
	if err == nil || !strings.Contains(err.Error(), "no value") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.js")
	os.WriteFile(path, []byte(`exports.handle = function () { return { ok: true, result: {} }; };`), 0644)

	p, err := Load("acme.script", path, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert.Equal(t, "acme.script", p.ID())

	os.WriteFile(path, []byte(`exports.handle = function ( {`), 0644)
	if _, err := Load("acme.script", path, Options{}); err == nil {
		t.Error("expected compile error")
	}
	if _, err := Load("acme.script", filepath.Join(dir, "missing.js"), Options{}); err == nil {
		t.Error("expected read error")
	}
}
