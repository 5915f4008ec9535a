package flow

import "github.com/BTreeMap/BotPipe/internal/models"

// globalCommands is checked in order; the first entry containing the
// normalized input wins.
var globalCommands = []struct {
	words  []string
	action models.Action
}{
	{[]string{"0", "voltar", "anterior", "retornar", "*"}, models.ActionBackToPrevious},
	{[]string{"#", "inicio", "início", "começo", "reiniciar", "start", "00", "##"}, models.ActionBackToStart},
	{[]string{"menu", "cardapio", "opcoes", "opções"}, models.ActionOpenMenu},
	{[]string{"sair", "exit", "encerrar", "tchau", "bye", "fim"}, models.ActionEndSession},
	{[]string{"humano", "atendente", "pessoa", "suporte", "falar com alguem"}, models.ActionRequestHuman},
}

// MatchGlobal maps input to a universal navigation action. Matching is by
// exact equality, never substring, and ignores tenant configuration.
func MatchGlobal(p ParsedInput) (models.Action, bool) {
	if p.Normalized == "" {
		return models.ActionNone, false
	}
	for _, cmd := range globalCommands {
		for _, w := range cmd.words {
			if p.Normalized == normalizeText(w) {
				return cmd.action, true
			}
		}
	}
	return models.ActionNone, false
}
