package flow

import (
	"encoding/json"
	"fmt"
)

// ActionConfig is one variant of the per-action configuration union. A
// node's resolved config map is decoded into the variant registered for its
// actionId just before dispatch.
type ActionConfig interface {
	ActionID() string
}

// Action identifiers, formatted "<nodeType>.<operation>".
const (
	ActionTriggerManual   = "trigger.manual"
	ActionTriggerSchedule = "trigger.schedule"
	ActionTriggerChat     = "trigger.chat_message"
	ActionTriggerWebhook  = "trigger.webhook"
	ActionCondition       = "condition.evaluate"
	ActionHTTPRequest     = "http.request"
	ActionHTTPScrape      = "http.scrape"
	ActionHTTPPageText    = "http.page_text"
	ActionFeedFetch       = "feed.fetch"
	ActionSlackMessage    = "chat.slack_message"
	ActionTelegramMessage = "chat.telegram_message"
	ActionEmailSend       = "email.send"
	ActionWriteFile       = "storage.write_file"
	ActionReadFile        = "storage.read_file"
	ActionExtractText     = "storage.extract_text"
	ActionWriteSheet      = "storage.write_sheet"
	ActionAIGenerate      = "ai.generate"
)

type ManualTriggerConfig struct{}

type ScheduleTriggerConfig struct {
	Date string `json:"date"`
	Time string `json:"time"`
	Loop bool   `json:"loop"`
}

type ChatTriggerConfig struct {
	CredentialID string `json:"credentialId"`
	GuildID      string `json:"guildId"`
	ChannelID    string `json:"channelId"`
	AuthorFilter string `json:"authorFilter,omitempty"`
}

type WebhookTriggerConfig struct {
	Secret string `json:"secret,omitempty"`
}

// ConditionConfig is evaluated as an expr-lang expression; Variables are
// exposed to the expression by name.
type ConditionConfig struct {
	Expression string         `json:"expression"`
	Variables  map[string]any `json:"variables,omitempty"`
}

type HTTPRequestConfig struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	CredentialID string            `json:"credentialId,omitempty"`
}

type HTTPScrapeConfig struct {
	URL       string `json:"url"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type PageTextConfig struct {
	URL string `json:"url"`
}

type FeedConfig struct {
	URL       string `json:"url"`
	MaxItems  int    `json:"maxItems,omitempty"`
	SinceDate string `json:"sinceDate,omitempty"`
}

type SlackMessageConfig struct {
	WebhookURL string `json:"webhookUrl"`
	Channel    string `json:"channel,omitempty"`
	Text       string `json:"text"`
}

type TelegramMessageConfig struct {
	CredentialID string `json:"credentialId"`
	ChatID       string `json:"chatId"`
	Text         string `json:"text"`
}

type EmailConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	From         string `json:"from"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	CredentialID string `json:"credentialId,omitempty"`
}

type WriteFileConfig struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content"`
}

type ReadFileConfig struct {
	FileID string `json:"fileId"`
}

type ExtractTextConfig struct {
	FileID string `json:"fileId"`
}

type WriteSheetConfig struct {
	Filename string  `json:"filename"`
	Sheet    string  `json:"sheet,omitempty"`
	Rows     [][]any `json:"rows"`
}

type AIGenerateConfig struct {
	CredentialID string  `json:"credentialId,omitempty"`
	Model        string  `json:"model,omitempty"`
	System       string  `json:"system,omitempty"`
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
}

func (ManualTriggerConfig) ActionID() string   { return ActionTriggerManual }
func (ScheduleTriggerConfig) ActionID() string { return ActionTriggerSchedule }
func (ChatTriggerConfig) ActionID() string     { return ActionTriggerChat }
func (WebhookTriggerConfig) ActionID() string  { return ActionTriggerWebhook }
func (ConditionConfig) ActionID() string       { return ActionCondition }
func (HTTPRequestConfig) ActionID() string     { return ActionHTTPRequest }
func (HTTPScrapeConfig) ActionID() string      { return ActionHTTPScrape }
func (PageTextConfig) ActionID() string        { return ActionHTTPPageText }
func (FeedConfig) ActionID() string            { return ActionFeedFetch }
func (SlackMessageConfig) ActionID() string    { return ActionSlackMessage }
func (TelegramMessageConfig) ActionID() string { return ActionTelegramMessage }
func (EmailConfig) ActionID() string           { return ActionEmailSend }
func (WriteFileConfig) ActionID() string       { return ActionWriteFile }
func (ReadFileConfig) ActionID() string        { return ActionReadFile }
func (ExtractTextConfig) ActionID() string     { return ActionExtractText }
func (WriteSheetConfig) ActionID() string      { return ActionWriteSheet }
func (AIGenerateConfig) ActionID() string      { return ActionAIGenerate }

var configVariants = map[string]func() ActionConfig{
	ActionTriggerManual:   func() ActionConfig { return &ManualTriggerConfig{} },
	ActionTriggerSchedule: func() ActionConfig { return &ScheduleTriggerConfig{} },
	ActionTriggerChat:     func() ActionConfig { return &ChatTriggerConfig{} },
	ActionTriggerWebhook:  func() ActionConfig { return &WebhookTriggerConfig{} },
	ActionCondition:       func() ActionConfig { return &ConditionConfig{} },
	ActionHTTPRequest:     func() ActionConfig { return &HTTPRequestConfig{} },
	ActionHTTPScrape:      func() ActionConfig { return &HTTPScrapeConfig{} },
	ActionHTTPPageText:    func() ActionConfig { return &PageTextConfig{} },
	ActionFeedFetch:       func() ActionConfig { return &FeedConfig{} },
	ActionSlackMessage:    func() ActionConfig { return &SlackMessageConfig{} },
	ActionTelegramMessage: func() ActionConfig { return &TelegramMessageConfig{} },
	ActionEmailSend:       func() ActionConfig { return &EmailConfig{} },
	ActionWriteFile:       func() ActionConfig { return &WriteFileConfig{} },
	ActionReadFile:        func() ActionConfig { return &ReadFileConfig{} },
	ActionExtractText:     func() ActionConfig { return &ExtractTextConfig{} },
	ActionWriteSheet:      func() ActionConfig { return &WriteSheetConfig{} },
	ActionAIGenerate:      func() ActionConfig { return &AIGenerateConfig{} },
}

// KnownAction reports whether actionID has a registered config variant.
func KnownAction(actionID string) bool {
	_, ok := configVariants[actionID]
	return ok
}

// DecodeActionConfig decodes a resolved config map into the typed variant
// registered for actionID. The returned value is a pointer to the variant.
func DecodeActionConfig(actionID string, config map[string]any) (ActionConfig, error) {
	newCfg, ok := configVariants[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", actionID)
	}
	cfg := newCfg()
	if len(config) == 0 {
		return cfg, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", actionID, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", actionID, err)
	}
	return cfg, nil
}
