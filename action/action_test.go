package action_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/overlay"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		typ     action.Type
		raw     string
		wantErr bool
	}{
		{"send message", action.TypeSendMessage, `{"text":"hi","package_id":"p"}`, false},
		{"send message without text", action.TypeSendMessage, `{}`, true},
		{"unknown field", action.TypeSendMessage, `{"text":"hi","bogus":1}`, true},
		{"grant bonus", action.TypeGrantBurnableBonus, `{"template":"welcome"}`, false},
		{"grant bonus without template", action.TypeGrantBonus, `{}`, true},
		{"tag user", action.TypeTagUser, `{"tag":"vip"}`, false},
		{"tripwire flattened offer", action.TypeForceShowTripwire, `{"expires_in_hours":24,"silent":true}`, false},
		{"negative expiry", action.TypeForceEnableReferral, `{"expires_in_hours":-1}`, true},
		{"special offer needs id", action.TypeForceSpecialOffer, `{"message":"x"}`, true},
		{"activate overlay", action.TypeActivateOverlay, `{"overlay_type":"DISCOUNT"}`, false},
		{"activate unknown overlay", action.TypeActivateOverlay, `{"overlay_type":"NOPE"}`, true},
		{"no-op empty", action.TypeNoOp, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := action.Decode(tt.typ, []byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg == nil {
				t.Fatal("nil config")
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := action.Decode("LAUNCH_ROCKET", nil); !errors.Is(err, action.ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeTyped(t *testing.T) {
	cfg, err := action.DecodeMap(action.TypeActivateOverlay, map[string]any{
		"overlay_type":     "TRIPWIRE",
		"expires_in_hours": 48,
		"metadata":         map[string]any{"discount": "30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	act, ok := cfg.(*action.ActivateOverlay)
	if !ok {
		t.Fatalf("config type %T", cfg)
	}
	if act.OverlayType != overlay.TypeTripwire || act.ExpiresInHours != 48 || act.Metadata["discount"] != "30" {
		t.Errorf("decoded %+v", act)
	}
}

func TestUnmarshalAction(t *testing.T) {
	var a action.Action
	err := json.Unmarshal([]byte(`{"type":"TAG_USER","order":2,"config":{"tag":"churn_risk"}}`), &a)
	if err != nil {
		t.Fatal(err)
	}
	tag, ok := a.Config.(*action.TagUser)
	if !ok || tag.Tag != "churn_risk" || a.Order != 2 {
		t.Fatalf("got %+v", a)
	}

	m, err := a.ConfigMap()
	if err != nil {
		t.Fatal(err)
	}
	if m["tag"] != "churn_risk" {
		t.Errorf("ConfigMap = %v", m)
	}

	if err := json.Unmarshal([]byte(`{"type":"TAG_USER","config":{}}`), &a); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestSorted(t *testing.T) {
	mk := func(order int, tag string) action.Action {
		a, err := action.New(action.TypeTagUser, order, &action.TagUser{Tag: tag})
		if err != nil {
			t.Fatal(err)
		}
		return a
	}
	in := []action.Action{mk(3, "c"), mk(1, "a"), mk(2, "b1"), mk(2, "b2")}
	out := action.Sorted(in)

	want := []string{"a", "b1", "b2", "c"}
	for i, a := range out {
		if got := a.Config.(*action.TagUser).Tag; got != want[i] {
			t.Fatalf("position %d = %s, want %s", i, got, want[i])
		}
	}
	if in[0].Order != 3 {
		t.Error("Sorted modified its input")
	}
}
