package rabbit

import (
	"github.com/streadway/amqp"
)

func declareExchange(ch Channel, name, kind string, durable bool) error {
	if len(name) == 0 {
		return nil
	}
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	err := ch.ExchangeDeclare(name, kind, durable, false, false, false, nil)
	if err != nil {
		return &TopologyError{Kind: "exchange", Name: name, Err: err}
	}
	return nil
}

// declareConsumerTopology makes sure the queue, the exchange and the binding
// between them exist. Declarations are idempotent on the broker side.
func declareConsumerTopology(ch Channel, cfg ConsumerConfig) error {
	q, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, assertRightTableTypes(cfg.QueueArgs))
	if err != nil {
		return &TopologyError{Kind: "queue", Name: cfg.Queue, Err: err}
	}
	if len(cfg.Exchange) == 0 {
		return nil
	}
	if err := declareExchange(ch, cfg.Exchange, cfg.ExchangeType, cfg.Durable); err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return &TopologyError{Kind: "binding", Name: q.Name + "->" + cfg.Exchange, Err: err}
	}
	return nil
}

// assertRightTableTypes converts the values decoded from config files into
// types the amqp table encoder accepts.
func assertRightTableTypes(args map[string]interface{}) amqp.Table {
	if len(args) == 0 {
		return nil
	}
	table := amqp.Table{}
	for k, v := range args {
		switch v := v.(type) {
		case int:
			table[k] = int64(v)
		case uint:
			table[k] = int64(v)
		case float64:
			if v == float64(int64(v)) {
				table[k] = int64(v)
				continue
			}
			table[k] = v
		default:
			table[k] = v
		}
	}
	return table
}
