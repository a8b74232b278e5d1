package order

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

func taskJSON(routingKey string, v any) (messaging.Task, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return messaging.Task{}, fmt.Errorf("marshal %s task: %w", routingKey, err)
	}
	return messaging.Task{RoutingKey: routingKey, Payload: payload}, nil
}

// statusTasks builds the outbound fan-out for a status change: the
// order.processing fact always, customer notification and analytics when the
// target status warrants it.
func statusTasks(o *Order, from, to Status, notify bool) ([]messaging.Task, error) {
	now := time.Now().UTC()
	var tasks []messaging.Task

	t, err := taskJSON(contracts.KeyOrderProcessing, contracts.OrderStatusChangedTask{
		EventID:    uuid.New().String(),
		OrderID:    o.ID.String(),
		UserID:     o.UserID.String(),
		FromStatus: string(from),
		ToStatus:   string(to),
		OccurredAt: now,
	})
	if err != nil {
		return nil, err
	}
	tasks = append(tasks, t)

	if notify {
		template := "order-" + strings.ToLower(string(to))
		t, err = taskJSON(contracts.KeyEmailSend, contracts.NotificationRequestMessage{
			EventID:  uuid.New().String(),
			OrderID:  o.ID.String(),
			Channel:  contracts.ChannelEmail,
			Template: template,
			Data: map[string]string{
				"order_id": o.ID.String(),
				"status":   string(to),
			},
			OccurredAt: now,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)

		t, err = taskJSON(contracts.KeyAnalyticsEvent, contracts.AnalyticsEventTask{
			EventID: uuid.New().String(),
			Name:    "order.status_changed",
			OrderID: o.ID.String(),
			Properties: map[string]string{
				"from": string(from),
				"to":   string(to),
			},
			OccurredAt: now,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// transitionTasks builds the side effects for one accepted event. Audit-only
// events fan out a single audit fact; status changes fan out per statusTasks.
func transitionTasks(o *Order, next Status, changed bool, note string, evt Event) ([]messaging.Task, error) {
	if changed {
		return statusTasks(o, o.Status, next, notifyOn(next))
	}

	t, err := taskJSON(contracts.KeyAuditEvent, contracts.AuditEventTask{
		EventID:    uuid.New().String(),
		Action:     string(evt.Kind) + "." + strings.ToLower(evt.Status),
		EntityKind: "order",
		EntityID:   o.ID.String(),
		Detail: map[string]string{
			"note":   note,
			"status": string(o.Status),
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return []messaging.Task{t}, nil
}
