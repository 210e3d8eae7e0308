package bridge

import (
	"agentbridge/internal/envelope"
	"agentbridge/internal/store"
)

// MotionHandler receives motion commands decoded from function calls.
type MotionHandler interface {
	HandleMotion(args map[string]any)
}

// EmotionHandler receives emotion commands decoded from function calls.
type EmotionHandler interface {
	HandleEmotion(args map[string]any)
}

// FunctionCallHandler receives function calls not claimed by the motion or
// emotion handlers.
type FunctionCallHandler interface {
	HandleFunctionCall(name string, args map[string]any)
}

// MessageHandler receives every accepted envelope, plus synthetic
// health.status events for resource failures.
type MessageHandler interface {
	HandleMessage(env envelope.Envelope)
}

// ConversationHandler observes the conversation as it streams: user item
// creation (empty text), completed user transcriptions, and each assistant
// transcript delta.
type ConversationHandler interface {
	HandleConversation(itemID string, role store.Role, text string)
}

// handlers is the closed set of registered capabilities. Any of them may be
// nil.
type handlers struct {
	motion       MotionHandler
	emotion      EmotionHandler
	functionCall FunctionCallHandler
	message      MessageHandler
	conversation ConversationHandler
}
