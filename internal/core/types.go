package core

// MessageRecord represents a conversation message to be saved.
type MessageRecord struct {
	ConversationID string
	Role           string // user | assistant | system
	Content        string
	MessageUID     string
	Metadata       map[string]interface{}
}
