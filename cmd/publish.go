package cmd

import (
	"context"
	"time"

	"github.com/leandro-lugaresi/downly-bus/bootstrap"
	"github.com/leandro-lugaresi/downly-bus/callbacks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	kind      string
	engine    string
	url       string
	chatID    string
	chatTitle string
	messageID int64
	userID    int64
	username  string
	timeout   time.Duration
}

// routingKeys is implemented by rabbit.Publisher.
type routingKeys interface {
	LookupRoutingKey(name string) (string, bool)
}

var publishFlags publishOptions

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one message the way the bot does",
	Long: `Publish one message on the bot publishers and wait for the broker to accept it.
Useful to feed a worker or to check the topology of a new broker.

  downly-bus publish --kind request --engine cobalt --chat -100123 --url https://x.com/v
  downly-bus publish --kind user --user 42 --username meanii`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(bootstrap.RoleBot)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load the config")
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishFlags.timeout)
		defer cancel()
		err = publish(ctx, a, publishFlags)
		if err = a.fail(err); err != nil {
			log.Fatal().Err(err).Msg("Failed to publish the message")
		}
		log.Info().Str("kind", publishFlags.kind).Msg("Message published")
	},
}

func publish(ctx context.Context, a *app, o publishOptions) error {
	name, logical, body, err := message(o)
	if err != nil {
		return err
	}
	if err = a.enablePublishers(ctx); err != nil {
		return err
	}
	p, ok := a.publishers.Get(name)
	if !ok {
		return errors.Errorf("publisher %s is not configured", name)
	}
	key, err := routingKey(p, name, logical)
	if err != nil {
		return err
	}
	return p.PublishSync(ctx, key, body)
}

// message returns the publisher, the logical routing key and the body of a message kind.
func message(o publishOptions) (string, string, interface{}, error) {
	switch o.kind {
	case "request":
		if o.url == "" {
			return "", "", nil, errors.New("the request needs an --url")
		}
		return bootstrap.WorkerQueuePublisher, o.engine, callbacks.DownloadRequest{
			ChatID:     o.chatID,
			ChatTitle:  o.chatTitle,
			MessageID:  o.messageID,
			FromUserID: o.userID,
			URL:        o.url,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}, nil
	case "user":
		return bootstrap.StatsPublisher, "users", callbacks.UserState{UserID: o.userID, Username: o.username}, nil
	case "chat":
		return bootstrap.StatsPublisher, "chats", callbacks.ChatState{ChatID: o.chatID, ChatTitle: o.chatTitle}, nil
	}
	return "", "", nil, errors.Errorf("unknown kind \"%s\" expecting one of (request, user, chat)", o.kind)
}

// routingKey refuses logical names the publisher doesn't know, the exchange would drop the message.
func routingKey(p routingKeys, publisher, logical string) (string, error) {
	key, ok := p.LookupRoutingKey(logical)
	if !ok {
		return "", errors.Errorf("publisher %s has no routing key for \"%s\"", publisher, logical)
	}
	return key, nil
}

func init() {
	RootCmd.AddCommand(publishCmd)
	flags := publishCmd.Flags()
	flags.StringVar(&publishFlags.kind, "kind", "request", "message kind: request, user or chat")
	flags.StringVar(&publishFlags.engine, "engine", bootstrap.EngineCobalt, "engine that should resolve the request")
	flags.StringVar(&publishFlags.url, "url", "", "url to download")
	flags.StringVar(&publishFlags.chatID, "chat", "", "telegram chat id")
	flags.StringVar(&publishFlags.chatTitle, "title", "", "telegram chat title")
	flags.Int64Var(&publishFlags.messageID, "message", 0, "id of the message that asked the download")
	flags.Int64Var(&publishFlags.userID, "user", 0, "telegram user id")
	flags.StringVar(&publishFlags.username, "username", "", "telegram username")
	flags.DurationVar(&publishFlags.timeout, "timeout", 30*time.Second, "how long to wait for the broker")
}
