package chatsync

import (
	"time"

	"github.com/samber/lo"
)

// UnknownUserName is shown for senders whose profile cannot be resolved.
const UnknownUserName = "Unknown User"

// ConversationView is one row of the conversation list.
type ConversationView struct {
	ID          string
	Name        string
	AvatarURL   string
	Online      bool
	LastMessage string
	LastAt      time.Time
	UnreadCount int
	Active      bool
}

// MessageView is one rendered message of the active conversation.
type MessageView struct {
	ID         string
	Content    string
	SenderID   string
	SenderName string
	Timestamp  time.Time
	Own        bool
	Read       bool
	Status     MessageStatus
}

// ConversationViews renders the conversation list from cached state only.
func (c *Controller) ConversationViews() []ConversationView {
	active := c.ActiveConversationID()
	return lo.Map(c.Conversations.List(), func(conv Conversation, _ int) ConversationView {
		v := ConversationView{
			ID:          conv.ID,
			Name:        conv.Name,
			AvatarURL:   c.defaultAvatar,
			LastAt:      conv.UpdatedAt,
			UnreadCount: c.Messages.UnreadCount(conv.ID, c.userID),
			Active:      conv.ID == active,
		}
		if last, ok := c.Messages.Last(conv.ID); ok {
			v.LastMessage = last.Content
		}
		if other, ok := c.counterpart(conv.ID); ok {
			v.Online = other.Online
			if other.AvatarURL != "" {
				v.AvatarURL = other.AvatarURL
			}
		}
		return v
	})
}

// MessageViews renders the active conversation's messages, oldest first.
func (c *Controller) MessageViews() []MessageView {
	active := c.ActiveConversationID()
	if active == "" {
		return nil
	}
	return lo.Map(c.Messages.Messages(active), func(m Message, _ int) MessageView {
		return MessageView{
			ID:         m.ID,
			Content:    m.Content,
			SenderID:   m.SenderID,
			SenderName: c.senderName(m.SenderID),
			Timestamp:  m.CreatedAt,
			Own:        m.SenderID == c.userID,
			Read:       m.Read,
			Status:     m.Status,
		}
	})
}

func (c *Controller) senderName(userID string) string {
	if p, ok := c.Profiles.Get(userID); ok && p.Name != "" {
		return p.Name
	}
	return UnknownUserName
}

// counterpart returns the first cached profile of a member other than the
// signed-in user.
func (c *Controller) counterpart(convID string) (Profile, bool) {
	for _, uid := range c.participantIDs(convID) {
		if uid == c.userID {
			continue
		}
		if p, ok := c.Profiles.Get(uid); ok {
			return p, true
		}
	}
	return Profile{}, false
}
