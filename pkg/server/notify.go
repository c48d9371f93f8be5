package server

import (
	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/database"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

// eventFrame maps a database event to the response opcode whose success
// payload carries it. Notifications are ordinary success responses the
// client did not ask for.
func eventFrame(ev database.Event) (protocol.Opcode, protocol.Body, string) {
	switch e := ev.(type) {
	case database.MessageReceived:
		return protocol.OpSendMessage, &protocol.SendMessageResponse{Value: convertMessage(e.Message)}, "message_received"
	case database.MessageEdited:
		return protocol.OpEditMessage, &protocol.EditMessageResponse{Value: convertMessage(e.Message)}, "message_edited"
	case database.MessageRead:
		return protocol.OpReadMessage, &protocol.ReadMessageResponse{Value: convertMessage(e.Message)}, "message_read"
	case database.MessageUnread:
		return protocol.OpUnreadMessage, &protocol.UnreadMessageResponse{Value: convertMessage(e.Message)}, "message_unread"
	case database.MessageDeleted:
		return protocol.OpDeleteMessage, &protocol.DeleteMessageResponse{Value: convertMessageRef(e.Message)}, "message_deleted"
	case database.ChannelAdded:
		return protocol.OpCreateChannel, &protocol.CreateChannelResponse{Value: convertChannel(e.Channel)}, "channel_added"
	case database.ChannelUpdated:
		return protocol.OpUpdateChannelName, &protocol.UpdateChannelNameResponse{Value: convertChannel(e.Channel)}, "channel_updated"
	case database.UserUpdated:
		return protocol.OpUpdateDisplayName, &protocol.UpdateDisplayNameResponse{Value: convertUser(e.User)}, "user_updated"
	default:
		return 0, nil, ""
	}
}

// Notify relays a database event to every connection logged in as user.
// It runs on the goroutine that performed the mutation and holds no locks.
func (s *Server) Notify(user uuid.UUID, ev database.Event) {
	targets := s.sessions.SessionsForUser(user)
	if len(targets) == 0 {
		return
	}

	op, body, name := eventFrame(ev)
	if body == nil {
		errorLog.Printf("Unhandled database event %T", ev)
		return
	}

	data, err := protocol.EncodeMessage(s.codec, op, body)
	if err != nil {
		errorLog.Printf("Failed to encode %s notification: %v", name, err)
		return
	}

	for _, sess := range targets {
		if err := sess.Conn.WriteFrame(data); err != nil {
			// The session's own read loop notices the broken connection
			debugLog.Printf("Session %d: %s notification dropped: %v", sess.ID, name, err)
			continue
		}
		s.metrics.RecordMessageSent(op.String())
		s.metrics.RecordNotification(name)
	}
}

var _ database.Notifier = (*Server)(nil)
