package actions

import (
	"context"
	"errors"
	"fmt"

	engine "meact/internal/engine/domain"
	rules "meact/internal/rules/domain"
)

// Publisher sends a payload to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// PublishMessage is one templated bus message.
type PublishMessage struct {
	Topic   string
	Message string
	Retain  bool
}

// NewPublishAction publishes the messages listed under config "messages".
// Topic and message are templates over the event fields; an empty message
// sends the rendered rule message.
func NewPublishAction(publisher Publisher) Action {
	return ActionFunc(func(ctx context.Context, event engine.SensorEvent, config map[string]any) error {
		if !Enabled(config) {
			return ErrDisabled
		}
		if publisher == nil {
			return errors.New("publish: no bus")
		}
		messages, err := parsePublishMessages(config["messages"])
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return errors.New("publish: no messages configured")
		}
		fields := event.Fields()
		fields[engine.FieldMessage] = event.Message
		for _, msg := range messages {
			topic, err := rules.Render(msg.Topic, fields)
			if err != nil {
				return fmt.Errorf("publish: topic: %w", err)
			}
			payload := event.Message
			if msg.Message != "" {
				if payload, err = rules.Render(msg.Message, fields); err != nil {
					return fmt.Errorf("publish: message: %w", err)
				}
			}
			if err := publisher.Publish(ctx, topic, []byte(payload), msg.Retain); err != nil {
				return fmt.Errorf("publish %s: %w", topic, err)
			}
		}
		return nil
	})
}

func parsePublishMessages(raw any) ([]PublishMessage, error) {
	var items []any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	case map[string]any:
		items = []any{v}
	default:
		return nil, fmt.Errorf("publish: messages must be a list, got %T", raw)
	}

	out := make([]PublishMessage, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("publish: message %d is %T", i, item)
		}
		msg := PublishMessage{
			Topic:   configString(m, "topic"),
			Message: configString(m, "message"),
			Retain:  engine.Truthy(m["retain"]),
		}
		if msg.Topic == "" {
			return nil, fmt.Errorf("publish: message %d has no topic", i)
		}
		out = append(out, msg)
	}
	return out, nil
}
