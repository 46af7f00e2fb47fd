package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQNotifierConfig 描述 RabbitMQ 事件发布的连接参数。
type RabbitMQNotifierConfig struct {
	URL      string
	Exchange string
}

// RabbitMQNotifier 将记录事件发布到 fanout exchange，routing key 为记录类型。
type RabbitMQNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

var _ Notifier = (*RabbitMQNotifier)(nil)

// NewRabbitMQNotifier 创建 RabbitMQ 事件发布器。
func NewRabbitMQNotifier(cfg RabbitMQNotifierConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "bbdfi.ledger"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 实现 Notifier 接口。
func (n *RabbitMQNotifier) Publish(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化记录事件失败: %w", err)
	}
	routingKey := string(event.Type)
	if event.Record != nil {
		routingKey = string(event.Record.Kind) + "." + routingKey
	}
	return n.ch.PublishWithContext(ctx, n.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         payload,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
