package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// taskName is the worker-side entry point for flow processing.
const taskName = "main.process_flow_data"

// celeryMessage is the broker envelope for the Redis transport, protocol v2.
// Workers consume it directly; the gateway never reads these back.
type celeryMessage struct {
	Body            string           `json:"body"`
	ContentEncoding string           `json:"content-encoding"`
	ContentType     string           `json:"content-type"`
	Headers         celeryHeaders    `json:"headers"`
	Properties      celeryProperties `json:"properties"`
}

type celeryHeaders struct {
	Lang       string  `json:"lang"`
	Task       string  `json:"task"`
	ID         string  `json:"id"`
	RootID     string  `json:"root_id"`
	ParentID   *string `json:"parent_id"`
	Group      *string `json:"group"`
	ArgsRepr   string  `json:"argsrepr"`
	KwargsRepr string  `json:"kwargsrepr"`
	Origin     string  `json:"origin"`
}

type celeryProperties struct {
	CorrelationID string             `json:"correlation_id"`
	ReplyTo       string             `json:"reply_to"`
	DeliveryMode  int                `json:"delivery_mode"`
	DeliveryInfo  celeryDeliveryInfo `json:"delivery_info"`
	Priority      int                `json:"priority"`
	BodyEncoding  string             `json:"body_encoding"`
	DeliveryTag   string             `json:"delivery_tag"`
}

type celeryDeliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// encodeTask builds the broker payload for one task invocation. kwargs are
// the only argument channel used; positional args stay empty.
func encodeTask(queue string, kwargs map[string]any) (taskID string, payload []byte, err error) {
	taskID = uuid.NewString()

	body, err := json.Marshal([]any{
		[]any{},
		kwargs,
		map[string]any{"callbacks": nil, "errbacks": nil, "chain": nil, "chord": nil},
	})
	if err != nil {
		return "", nil, fmt.Errorf("encode task body: %w", err)
	}
	kwargsRepr, err := json.Marshal(kwargs)
	if err != nil {
		return "", nil, fmt.Errorf("encode task kwargs: %w", err)
	}

	msg := celeryMessage{
		Body:            base64.StdEncoding.EncodeToString(body),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: celeryHeaders{
			Lang:       "py",
			Task:       taskName,
			ID:         taskID,
			RootID:     taskID,
			ArgsRepr:   "()",
			KwargsRepr: string(kwargsRepr),
			Origin:     "flowgate",
		},
		Properties: celeryProperties{
			CorrelationID: taskID,
			ReplyTo:       uuid.NewString(),
			DeliveryMode:  2,
			DeliveryInfo:  celeryDeliveryInfo{RoutingKey: queue},
			BodyEncoding:  "base64",
			DeliveryTag:   uuid.NewString(),
		},
	}
	payload, err = json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("encode task message: %w", err)
	}
	return taskID, payload, nil
}
