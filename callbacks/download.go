package callbacks

import (
	"context"

	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/downly-bus/runner"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

type (
	// Publisher is the fire-and-forget side of rabbit.Publisher.
	Publisher interface {
		Publish(routingKey string, body interface{})
	}

	// Notifier delivers the result to the telegram chat.
	Notifier interface {
		SendMedia(ctx context.Context, chatID string, links []string, replyTo int64, caption string) error
		DeleteMessage(ctx context.Context, chatID string, messageID int64) error
	}

	// DownloadStore records delivered downloads.
	DownloadStore interface {
		AddDownload(link string, userID int64, chatID string) (uint64, error)
	}
)

// Downloader resolves the url of a DownloadRequest with the engine and
// publishes a DownloadSuccess on routingKey.
func Downloader(e runner.Engine, p Publisher, routingKey string, h *hub.Hub) rabbit.Callback {
	return func(ctx context.Context, d *rabbit.Delivery) error {
		msg := DownloadRequest{}
		if err := decode(d, &msg); err != nil {
			return err
		}
		if msg.URL == "" || msg.ChatID == "" {
			return reject(d, errors.New("url and chat_id are required"))
		}
		links, err := e.Download(ctx, msg.URL)
		if err != nil {
			return reject(d, errors.Wrapf(err, "failed to download %s", msg.URL))
		}
		h.Publish(hub.Message{
			Name:   "callback.download.info",
			Body:   []byte("links resolved"),
			Fields: hub.Fields{"url": msg.URL, "chat_id": msg.ChatID, "links": len(links)},
		})
		p.Publish(routingKey, DownloadSuccess{
			Links:            links,
			ChatID:           msg.ChatID,
			ChatTitle:        msg.ChatTitle,
			MessageID:        msg.MessageID,
			FromUserID:       msg.FromUserID,
			RepliedMessageID: msg.RepliedMessageID,
			URL:              msg.URL,
		})
		return d.Ack()
	}
}

// WorkerSuccess sends the resolved links to the chat, removes the
// "please wait" reply and records the download.
// The reply removal and the record are best effort.
func WorkerSuccess(n Notifier, s DownloadStore, h *hub.Hub) rabbit.Callback {
	return func(ctx context.Context, d *rabbit.Delivery) error {
		msg := DownloadSuccess{}
		if err := decode(d, &msg); err != nil {
			return err
		}
		if msg.ChatID == "" || len(msg.Links) == 0 {
			return reject(d, errors.New("chat_id and links are required"))
		}
		if err := n.SendMedia(ctx, msg.ChatID, msg.Links, msg.MessageID, msg.Caption); err != nil {
			return reject(d, errors.Wrapf(err, "failed to send the media to %s", msg.ChatID))
		}
		if msg.RepliedMessageID != 0 {
			if err := n.DeleteMessage(ctx, msg.ChatID, msg.RepliedMessageID); err != nil {
				h.Publish(hub.Message{
					Name:   "callback.worker_success.warning",
					Body:   []byte("failed to delete the wait message"),
					Fields: hub.Fields{"chat_id": msg.ChatID, "message_id": msg.RepliedMessageID, "error": err},
				})
			}
		}
		link := msg.URL
		if link == "" {
			link = msg.Links[0]
		}
		if _, err := s.AddDownload(link, msg.FromUserID, msg.ChatID); err != nil {
			h.Publish(hub.Message{
				Name:   "callback.worker_success.warning",
				Body:   []byte("failed to record the download"),
				Fields: hub.Fields{"chat_id": msg.ChatID, "url": link, "error": err},
			})
		}
		return d.Ack()
	}
}
