package aiextract

import "chatlog-pipeline/internal/domain"

// Chunk делит сообщения на части не больше maxMessages штук и maxBytes байт тела.
// Сообщение никогда не разрезается: слишком длинное сообщение уходит отдельной частью.
func Chunk(messages []domain.StructuredMessage, maxMessages, maxBytes int) [][]domain.StructuredMessage {
	if len(messages) == 0 {
		return nil
	}
	if maxMessages <= 0 {
		maxMessages = len(messages)
	}
	var (
		chunks  [][]domain.StructuredMessage
		current []domain.StructuredMessage
		size    int
	)
	for _, msg := range messages {
		msgSize := messageSize(msg)
		overflow := len(current) >= maxMessages || (maxBytes > 0 && size+msgSize > maxBytes)
		if len(current) > 0 && overflow {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		current = append(current, msg)
		size += msgSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func messageSize(msg domain.StructuredMessage) int {
	size := len(msg.Author) + len(msg.Body) + 32
	for _, q := range msg.Quotes {
		size += len(q)
	}
	return size
}
