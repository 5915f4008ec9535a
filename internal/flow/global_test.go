package flow

import (
	"testing"

	"github.com/BTreeMap/BotPipe/internal/models"
)

func TestMatchGlobal(t *testing.T) {
	tests := []struct {
		input  string
		action models.Action
		ok     bool
	}{
		{"0", models.ActionBackToPrevious, true},
		{"Voltar", models.ActionBackToPrevious, true},
		{"*", models.ActionBackToPrevious, true},
		{"#", models.ActionBackToStart, true},
		{"  INÍCIO ", models.ActionBackToStart, true},
		{"00", models.ActionBackToStart, true},
		{"##", models.ActionBackToStart, true},
		{"menu", models.ActionOpenMenu, true},
		{"Opções", models.ActionOpenMenu, true},
		{"tchau", models.ActionEndSession, true},
		{"FIM", models.ActionEndSession, true},
		{"suporte", models.ActionRequestHuman, true},
		{"falar com alguem", models.ActionRequestHuman, true},
		{"oi", models.ActionNone, false},
		{"voltar ao menu", models.ActionNone, false},
		{"1", models.ActionNone, false},
		{"", models.ActionNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			action, ok := MatchGlobal(Parse(tt.input))
			if ok != tt.ok || action != tt.action {
				t.Errorf("MatchGlobal(%q) = (%v, %v), want (%v, %v)", tt.input, action, ok, tt.action, tt.ok)
			}
		})
	}
}
