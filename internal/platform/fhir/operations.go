package fhir

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus reports the runtime state of one subscription as a
// SubscriptionStatus resource. The stored Subscription resource keeps the
// status the client wrote; delivery state lives here.
func (e *TenantEngine) SubscriptionStatus(id string) StoreResult {
	sub := e.evaluator.LookupSubscription(id)
	if sub == nil {
		return StoreResult{Outcome: NotFoundOutcome("Subscription", id), Status: http.StatusNotFound}
	}
	return StoreResult{Resource: subscriptionStatusResource(sub, "query-status"), Status: http.StatusOK}
}

// SubscriptionStatuses reports every registered subscription's runtime state
// as a searchset bundle, optionally filtered to one lifecycle status.
func (e *TenantEngine) SubscriptionStatuses(statusFilter string) StoreResult {
	var entries []interface{}
	for _, sub := range e.evaluator.Subscriptions() {
		if statusFilter != "" && sub.Status() != statusFilter {
			continue
		}
		entries = append(entries, map[string]interface{}{
			"resource": map[string]interface{}(subscriptionStatusResource(sub, "query-status")),
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	return StoreResult{
		Resource: Resource{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         "searchset",
			"total":        float64(len(entries)),
			"entry":        entries,
		},
		Status: http.StatusOK,
	}
}

// SubscriptionEvents replays the retained tail of a subscription's event log
// ($events). Only the most recent events survive delivery; older ones age out
// of the per-subscription ring.
func (e *TenantEngine) SubscriptionEvents(id string) StoreResult {
	sub := e.evaluator.LookupSubscription(id)
	if sub == nil {
		return StoreResult{Outcome: NotFoundOutcome("Subscription", id), Status: http.StatusNotFound}
	}
	status := subscriptionStatusResource(sub, "query-event")
	events := sub.RecentEvents()
	if len(events) > 0 {
		list := make([]interface{}, len(events))
		for i, ev := range events {
			list[i] = map[string]interface{}{
				"eventNumber": strconv.FormatInt(ev.Number, 10),
				"timestamp":   ev.At.Format(time.RFC3339),
				"focus":       map[string]interface{}{"reference": ev.Focus},
			}
		}
		status["notificationEvent"] = list
	}
	return StoreResult{Resource: status, Status: http.StatusOK}
}

func subscriptionStatusResource(sub *ParsedSubscription, kind string) Resource {
	status := Resource{
		"resourceType":                 "SubscriptionStatus",
		"id":                           uuid.NewString(),
		"status":                       sub.Status(),
		"type":                         kind,
		"eventsSinceSubscriptionStart": strconv.FormatInt(sub.EventCount(), 10),
		"subscription": map[string]interface{}{
			"reference": "Subscription/" + sub.ID,
		},
	}
	if sub.TopicURL != "" {
		status["topic"] = sub.TopicURL
	}
	if errs := sub.Errors(); len(errs) > 0 {
		list := make([]interface{}, len(errs))
		for i, se := range errs {
			list[i] = map[string]interface{}{"text": se.At.Format("2006-01-02T15:04:05Z") + " " + se.Message}
		}
		status["error"] = list
	}
	return status
}

// AcceptNotification records a notification bundle another server delivered
// to this tenant's intake endpoint. Only history bundles with a
// SubscriptionStatus head entry are accepted.
func (e *TenantEngine) AcceptNotification(bundle Resource) StoreResult {
	if bundle.ResourceType() != "Bundle" || bundle["type"] != "history" {
		return errResult(http.StatusBadRequest, "notification must be a history bundle")
	}
	if receivedSubscriptionRef(bundle) == "" {
		return errResult(http.StatusBadRequest, "notification bundle has no SubscriptionStatus entry")
	}
	e.RecordReceivedNotification(bundle)
	return StoreResult{Outcome: OkOutcome("notification accepted"), Status: http.StatusOK}
}
