package models

// ChatMessage is the body of every frame published to or received from the chat topic.
type ChatMessage struct {
	MessageContent string `json:"messageContent"`
}
