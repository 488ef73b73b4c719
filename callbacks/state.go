package callbacks

import (
	"context"

	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// UserStore keeps the users seen by the bot.
type UserStore interface {
	UpdateUser(id int64, username string) (bool, error)
}

// ChatStore keeps the chats seen by the bot.
type ChatStore interface {
	UpdateChat(id, name string) (bool, error)
}

// UserStateUpdater upserts the user carried by the message.
func UserStateUpdater(s UserStore, h *hub.Hub) rabbit.Callback {
	return func(ctx context.Context, d *rabbit.Delivery) error {
		msg := UserState{}
		if err := decode(d, &msg); err != nil {
			return err
		}
		if msg.UserID == 0 {
			return reject(d, errors.New("user_id is required"))
		}
		if _, err := s.UpdateUser(msg.UserID, msg.Username); err != nil {
			return reject(d, err)
		}
		h.Publish(hub.Message{
			Name:   "callback.user_state.debug",
			Body:   []byte("user updated"),
			Fields: hub.Fields{"user_id": msg.UserID, "delivery_tag": d.DeliveryTag},
		})
		return d.Ack()
	}
}

// ChatStateUpdater upserts the chat carried by the message.
func ChatStateUpdater(s ChatStore, h *hub.Hub) rabbit.Callback {
	return func(ctx context.Context, d *rabbit.Delivery) error {
		msg := ChatState{}
		if err := decode(d, &msg); err != nil {
			return err
		}
		if _, err := s.UpdateChat(msg.ChatID, msg.ChatTitle); err != nil {
			return reject(d, err)
		}
		h.Publish(hub.Message{
			Name:   "callback.chat_state.debug",
			Body:   []byte("chat updated"),
			Fields: hub.Fields{"chat_id": msg.ChatID, "delivery_tag": d.DeliveryTag},
		})
		return d.Ack()
	}
}
