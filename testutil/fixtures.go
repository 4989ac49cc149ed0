package testutil

import (
	"fmt"

	"github.com/base44/go-sdk/models"
)

// TestAppID is the application id used across package tests.
const TestAppID = "app-test"

// SampleConversation returns a conversation with n alternating user and
// assistant messages, ids m1..mn.
func SampleConversation(id string, n int) *models.Conversation {
	c := &models.Conversation{
		ID:          id,
		AppID:       TestAppID,
		AgentName:   "support-agent",
		CreatedByID: "user-1",
		Messages:    make([]models.Message, 0, n),
		CreatedDate: "2026-01-01T00:00:00Z",
	}
	for i := 1; i <= n; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		c.Messages = append(c.Messages, models.Message{
			ID:      fmt.Sprintf("m%d", i),
			Role:    role,
			Content: fmt.Sprintf("message %d", i),
		})
	}
	return c
}

// UserMessage builds a draft user message.
func UserMessage(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content}
}
