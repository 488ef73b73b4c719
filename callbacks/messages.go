// Package callbacks holds the consumer callbacks of the bot and the worker.
//
// Every callback decodes a JSON body, does its work and acknowledges the
// delivery. Any failure rejects the message without requeue and returns the
// error so the consumer reports it.
package callbacks

import (
	"encoding/json"

	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/pkg/errors"
)

type (
	// UserState is sent by the bot for every user it sees.
	UserState struct {
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
	}

	// ChatState is sent by the bot for every chat it sees.
	ChatState struct {
		ChatID    string `json:"chat_id"`
		ChatTitle string `json:"chat_title"`
	}

	// DownloadRequest asks a worker to resolve URL.
	DownloadRequest struct {
		ChatID           string `json:"chat_id"`
		ChatTitle        string `json:"chat_title"`
		MessageID        int64  `json:"message_id"`
		FromUserID       int64  `json:"from_user_id"`
		URL              string `json:"url"`
		Timestamp        string `json:"timestamp"`
		RepliedMessageID int64  `json:"replied_message_id,omitempty"`
	}

	// DownloadSuccess is published by a worker once the links are resolved.
	DownloadSuccess struct {
		Links            []string `json:"links"`
		ChatID           string   `json:"chat_id"`
		ChatTitle        string   `json:"chat_title,omitempty"`
		MessageID        int64    `json:"message_id"`
		FromUserID       int64    `json:"from_user_id"`
		RepliedMessageID int64    `json:"replied_message_id,omitempty"`
		URL              string   `json:"url,omitempty"`
		Caption          string   `json:"caption,omitempty"`
	}
)

// decode unmarshal the body or rejects the delivery.
func decode(d *rabbit.Delivery, v interface{}) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return reject(d, errors.Wrap(err, "invalid message body"))
	}
	return nil
}

// reject drops the delivery and returns err.
func reject(d *rabbit.Delivery, err error) error {
	if nerr := d.Nack(false); nerr != nil {
		return errors.Wrapf(err, "also failed to nack (%s)", nerr)
	}
	return err
}
