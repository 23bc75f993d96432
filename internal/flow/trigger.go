package flow

// CachedTrigger is the in-memory index entry for one workflow's
// event-driven trigger.
type CachedTrigger struct {
	WorkflowID   string `json:"workflowId"`
	CredentialID string `json:"credentialId,omitempty"`
	GuildID      string `json:"guildId"`
	ChannelID    string `json:"channelId"`
	AuthorFilter string `json:"authorFilter,omitempty"`
}

// Accepts reports whether an event authored by authorID passes the filter.
func (t CachedTrigger) Accepts(authorID string) bool {
	return t.AuthorFilter == "" || t.AuthorFilter == authorID
}

// ChatEvent is a live message event delivered by a chat provider adapter.
type ChatEvent struct {
	GuildID   string         `json:"guildId" validate:"required"`
	ChannelID string         `json:"channelId" validate:"required"`
	AuthorID  string         `json:"authorId"`
	MessageID string         `json:"messageId,omitempty"`
	Content   string         `json:"content"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Payload is the output seeded into the trigger node for this event.
func (e ChatEvent) Payload() map[string]any {
	out := map[string]any{
		"guildId":   e.GuildID,
		"channelId": e.ChannelID,
		"authorId":  e.AuthorID,
		"messageId": e.MessageID,
		"content":   e.Content,
	}
	for k, v := range e.Extra {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}
