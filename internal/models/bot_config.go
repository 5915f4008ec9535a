package models

// Default user-facing texts, used when a tenant leaves the field empty.
const (
	DefaultInvalidOptionText   = "❌ Opção inválida. Escolha uma das opções abaixo:"
	DefaultGoodbyeMessage      = "👋 Atendimento encerrado. Obrigado pelo contato!"
	DefaultHumanHandoffMessage = "🙋 Um atendente humano vai continuar a conversa em instantes."
	DefaultFallbackMessage     = "Digite *menu* para ver as opções ou *#* para voltar ao início."
)

// BotConfig is the per-tenant engine configuration, fetched once per message.
type BotConfig struct {
	TenantID            string `json:"tenant_id" yaml:"tenant_id"`
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	MainMenuKey         string `json:"main_menu_key,omitempty" yaml:"main_menu_key,omitempty"`
	InvalidOptionText   string `json:"invalid_option_text,omitempty" yaml:"invalid_option_text,omitempty"`
	GoodbyeMessage      string `json:"goodbye_message,omitempty" yaml:"goodbye_message,omitempty"`
	HumanHandoffMessage string `json:"human_handoff_message,omitempty" yaml:"human_handoff_message,omitempty"`
	FallbackMessage     string `json:"fallback_message,omitempty" yaml:"fallback_message,omitempty"`
}

// WithDefaults returns a copy with every empty text replaced by its default.
func (c BotConfig) WithDefaults() BotConfig {
	if c.MainMenuKey == "" {
		c.MainMenuKey = StateStart
	}
	if c.InvalidOptionText == "" {
		c.InvalidOptionText = DefaultInvalidOptionText
	}
	if c.GoodbyeMessage == "" {
		c.GoodbyeMessage = DefaultGoodbyeMessage
	}
	if c.HumanHandoffMessage == "" {
		c.HumanHandoffMessage = DefaultHumanHandoffMessage
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}
	return c
}
