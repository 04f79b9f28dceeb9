package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/gatekeeper/internal/hooks/mocks"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
	"github.com/mattjoyce/gatekeeper/internal/protocol"
)

func newTestRunner() (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &Runner{Host: protocol.HostContext{HostVersion: "0.1.0"}, Logger: logger}, &buf
}

func loaded(id string, caller plugin.Caller, caps plugin.CapabilitySet) *plugin.Loaded {
	return &plugin.Loaded{
		Manifest: &plugin.Manifest{ID: id, Version: "1.0.0"},
		Caller:   caller,
		Allowed:  caps,
	}
}

func okEnvelope(t *testing.T, result any) json.RawMessage {
	t.Helper()
	raw, err := protocol.OKResponse(result)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func constraintsReq(t *testing.T, req any) *protocol.HookRequest {
	t.Helper()
	hr, ok := req.(*protocol.HookRequest)
	if !ok {
		t.Fatalf("request type %T", req)
	}
	return hr
}

var baseViolation = protocol.Violation{
	Code: "base.overlap", Severity: protocol.SeverityError, Message: "overlap", ObjectIDs: []string{"w1"},
}

func TestRunConstraintsOrderAndAccumulation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	a := mocks.NewMockCaller(ctrl)
	b := mocks.NewMockCaller(ctrl)
	caps := plugin.CapabilitySet{Constraints: true}
	ctx := context.Background()

	gomock.InOrder(
		a.EXPECT().Call(ctx, protocol.MethodConstraintsPostValidate, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, req any) (json.RawMessage, error) {
				hr := constraintsReq(t, req)
				assert.Equal(t, "a.plugin", hr.Context.PluginID)
				assert.Equal(t, "0.1.0", hr.Context.HostVersion)
				assert.Equal(t, "proj-1", hr.Project.ProjectID)
				params := hr.Params.(protocol.ConstraintsParams)
				assert.Len(t, params.BaseViolations, 1)
				assert.Equal(t, protocol.ModeDrag, params.Mode)
				return okEnvelope(t, protocol.ConstraintsResult{AddViolations: []protocol.Violation{
					{Code: "a.clearance", Severity: protocol.SeverityWarning, Message: "tight"},
				}}), nil
			}),
		b.EXPECT().Call(ctx, protocol.MethodConstraintsPostValidate, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, req any) (json.RawMessage, error) {
				params := constraintsReq(t, req).Params.(protocol.ConstraintsParams)
				if assert.Len(t, params.BaseViolations, 2) {
					assert.Equal(t, "a.clearance", params.BaseViolations[1].Code)
				}
				return okEnvelope(t, protocol.ConstraintsResult{AddViolations: []protocol.Violation{
					{Code: "b.height", Severity: protocol.SeverityInfo, Message: "tall", ObjectIDs: []string{"c1"}},
				}}), nil
			}),
	)

	runner, _ := newTestRunner()
	base := []protocol.Violation{baseViolation}
	out := runner.RunConstraints(ctx, ConstraintsInput{
		Plugins:        []*plugin.Loaded{loaded("b.plugin", b, caps), loaded("a.plugin", a, caps)},
		ProjectID:      "proj-1",
		KitchenState:   json.RawMessage(`{}`),
		BaseViolations: base,
		Mode:           protocol.ModeDrag,
	})

	var codes []string
	for _, v := range out.Violations {
		codes = append(codes, v.Code)
	}
	assert.Equal(t, []string{"base.overlap", "a.clearance", "b.height"}, codes)
	assert.Equal(t, []string{}, out.Violations[1].ObjectIDs)

	if assert.Len(t, out.Diagnostics, 2) {
		assert.Equal(t, "a.plugin", out.Diagnostics[0].PluginID)
		assert.True(t, out.Diagnostics[0].OK)
		assert.Equal(t, "Added 1 violation(s)", out.Diagnostics[0].Message)
		assert.Equal(t, "b.plugin", out.Diagnostics[1].PluginID)
	}

	out.Violations[0].ObjectIDs[0] = "changed"
	assert.Len(t, base, 1)
	assert.Equal(t, "w1", base[0].ObjectIDs[0])
}

func TestRunConstraintsSuppression(t *testing.T) {
	for _, allow := range []bool{false, true} {
		ctrl := gomock.NewController(t)
		c := mocks.NewMockCaller(ctrl)
		c.EXPECT().Call(gomock.Any(), protocol.MethodConstraintsPostValidate, gomock.Any()).
			Return(okEnvelope(t, protocol.ConstraintsResult{SuppressCodes: []string{"base.overlap"}}), nil)

		runner, _ := newTestRunner()
		out := runner.RunConstraints(context.Background(), ConstraintsInput{
			Plugins:        []*plugin.Loaded{loaded("s.plugin", c, plugin.CapabilitySet{Constraints: true})},
			BaseViolations: []protocol.Violation{baseViolation},
			Mode:           protocol.ModeFull,
			AllowSuppress:  allow,
		})
		if allow {
			assert.Empty(t, out.Violations, "suppression allowed")
		} else {
			assert.Len(t, out.Violations, 1, "suppression not allowed")
		}
		ctrl.Finish()
	}
}

func TestRunConstraintsFailuresAreIsolated(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	caps := plugin.CapabilitySet{Constraints: true}

	nonObject := mocks.NewMockCaller(ctrl)
	nonObject.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(json.RawMessage(`[]`), nil)

	pluginErr := mocks.NewMockCaller(ctrl)
	pluginErr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(protocol.ErrorResponse("demo.broken", "broken", nil), nil)

	callErr := mocks.NewMockCaller(ctrl)
	callErr.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("worker died"))

	panics := mocks.NewMockCaller(ctrl)
	panics.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, any) (json.RawMessage, error) { panic("boom") })

	badResult := mocks.NewMockCaller(ctrl)
	badResult.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(json.RawMessage(`{"ok":true,"result":{"add_violations":"many"}}`), nil)

	good := mocks.NewMockCaller(ctrl)
	good.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(okEnvelope(t, protocol.ConstraintsResult{AddViolations: []protocol.Violation{{Code: "f.ok"}}}), nil)

	notAllowed := mocks.NewMockCaller(ctrl)

	runner, _ := newTestRunner()
	out := runner.RunConstraints(context.Background(), ConstraintsInput{
		Plugins: []*plugin.Loaded{
			loaded("f.good", good, caps),
			loaded("a.nonobject", nonObject, caps),
			loaded("b.plugin-error", pluginErr, caps),
			loaded("c.call-error", callErr, caps),
			loaded("d.panics", panics, caps),
			loaded("e.bad-result", badResult, caps),
			loaded("g.render-only", notAllowed, plugin.CapabilitySet{Render: true}),
		},
		BaseViolations: []protocol.Violation{baseViolation},
		Mode:           protocol.ModeFull,
	})

	assert.Len(t, out.Violations, 2)
	assert.Equal(t, "f.ok", out.Violations[1].Code)

	want := []struct {
		id   string
		ok   bool
		code string
	}{
		{"a.nonobject", false, CodeInvalidResponse},
		{"b.plugin-error", false, "demo.broken"},
		{"c.call-error", false, CodeException},
		{"d.panics", false, CodeException},
		{"e.bad-result", false, CodeInvalidResponse},
		{"f.good", true, ""},
	}
	if assert.Len(t, out.Diagnostics, len(want)) {
		for i, w := range want {
			d := out.Diagnostics[i]
			assert.Equal(t, w.id, d.PluginID)
			assert.Equal(t, protocol.HookConstraintsPostValidate, d.Hook)
			assert.Equal(t, w.ok, d.OK, w.id)
			if !w.ok && assert.NotNil(t, d.Error, w.id) {
				assert.Equal(t, w.code, d.Error.Code, w.id)
			}
		}
	}
	assert.Equal(t, "worker died", out.Diagnostics[2].Error.Details["message"])
}

func TestRunRenderConcatenatesInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	caps := plugin.CapabilitySet{Render: true}

	a := mocks.NewMockCaller(ctrl)
	b := mocks.NewMockCaller(ctrl)
	failing := mocks.NewMockCaller(ctrl)

	gomock.InOrder(
		a.EXPECT().Call(gomock.Any(), protocol.MethodRenderPostRender, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, req any) (json.RawMessage, error) {
				params := constraintsReq(t, req).Params.(protocol.RenderParams)
				assert.Equal(t, "draft", params.Quality)
				assert.JSONEq(t, `{"meshes":[]}`, string(params.RenderModel))
				return okEnvelope(t, protocol.RenderResult{Instructions: []protocol.RenderInstruction{
					{Kind: protocol.InstructionHighlight, ObjectIDs: []string{"w1"}, Style: &protocol.HighlightStyle{Mode: "outline"}},
				}}), nil
			}),
		failing.EXPECT().Call(gomock.Any(), protocol.MethodRenderPostRender, gomock.Any()).
			Return(json.RawMessage(`"nope"`), nil),
		b.EXPECT().Call(gomock.Any(), protocol.MethodRenderPostRender, gomock.Any()).
			Return(okEnvelope(t, protocol.RenderResult{Instructions: []protocol.RenderInstruction{
				{Kind: protocol.InstructionOverlayLabels, Labels: []protocol.Label{{ObjectID: "c1", Text: "60cm"}}},
				{Kind: protocol.InstructionHighlight, ObjectIDs: []string{"c2"}},
			}}), nil),
	)

	runner, _ := newTestRunner()
	out := runner.RunRender(context.Background(), RenderInput{
		Plugins:      []*plugin.Loaded{loaded("b.plugin", b, caps), loaded("ab.failing", failing, caps), loaded("a.plugin", a, caps)},
		KitchenState: json.RawMessage(`{}`),
		RenderModel:  json.RawMessage(`{"meshes":[]}`),
		Quality:      "draft",
	})

	if assert.Len(t, out.Instructions, 3) {
		assert.Equal(t, []string{"w1"}, out.Instructions[0].ObjectIDs)
		assert.Equal(t, protocol.InstructionOverlayLabels, out.Instructions[1].Kind)
		assert.Equal(t, []string{"c2"}, out.Instructions[2].ObjectIDs)
	}
	if assert.Len(t, out.Diagnostics, 3) {
		assert.True(t, out.Diagnostics[0].OK)
		assert.False(t, out.Diagnostics[1].OK)
		assert.Equal(t, CodeInvalidResponse, out.Diagnostics[1].Error.Code)
		assert.Equal(t, "Returned 2 instruction(s)", out.Diagnostics[2].Message)
	}
}

func TestRunRenderNoPlugins(t *testing.T) {
	runner, _ := newTestRunner()
	out := runner.RunRender(context.Background(), RenderInput{})
	assert.NotNil(t, out.Instructions)
	assert.Empty(t, out.Instructions)
	assert.Empty(t, out.Diagnostics)
}

func TestPluginLogsReemitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c := mocks.NewMockCaller(ctrl)
	c.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(json.RawMessage(`{"ok":true,"result":{},"logs":[{"level":"warn","message":"cabinet near window"}]}`), nil)

	runner, buf := newTestRunner()
	runner.RunConstraints(context.Background(), ConstraintsInput{
		Plugins: []*plugin.Loaded{loaded("l.plugin", c, plugin.CapabilitySet{Constraints: true})},
	})

	assert.Contains(t, buf.String(), "cabinet near window")
	assert.Contains(t, buf.String(), `"plugin":"l.plugin"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}
