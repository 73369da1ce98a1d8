package chat

import "fmt"

// Canned answers. These exact strings are user-facing contract: clients and
// cached entries both carry them, so changing one invalidates warm caches.
const (
	identityAnswer = "My name is Jack. I'm an AI assistant designed to help you understand and analyze your documents."

	noContextForNormalChat = "I can't provide a context-only answer for a normal chat as there's no document context available. Please upload a document first or ask questions about your documents."

	shortNormalAnswer = "I'm not sure I understand your question. Could you please provide more details?"

	insufficientContext = "The provided documents do not contain sufficient information to answer your question. Please try asking about topics that are specifically covered in your documents."

	shortHybridAnswer = "I'm having trouble generating a response. Could you please try rephrasing your question?"

	apologyAnswer = "I apologize, but I encountered an issue processing your question. Could you please try rephrasing it?"
)

// minAnswerLength is the threshold below which a model completion is treated
// as a non-answer and substituted.
const minAnswerLength = 10

// identityKeywords trigger the fixed identity answer before any retrieval
// or model work happens.
var identityKeywords = []string{
	"model name", "what model", "your name", "who are you", "what are you", "ur name", "wat r u",
}

func normalChatPrompt(question string) string {
	return fmt.Sprintf(`You are Jack, a helpful AI assistant. Answer the user's question directly and conversationally.

User Question: %s

Answer:`, question)
}

func hybridPrompt(question string) string {
	return fmt.Sprintf(`You are Jack, a helpful AI assistant. Answer the user's question directly using your knowledge.

Instructions:
- Provide a clear, direct answer to the question
- Use your general knowledge to give the best response
- Be conversational and helpful
- Don't reference any documents or previous conversations

User Question: %s

Answer:`, question)
}
