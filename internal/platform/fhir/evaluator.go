package fhir

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// Notification kinds, matching the SubscriptionStatus type vocabulary.
const (
	NotifyEvent     = "event-notification"
	NotifyHeartbeat = "heartbeat"
	NotifyHandshake = "handshake"
)

// Notification is one delivery unit handed to the sender: the subscription,
// the event number it consumed, and the focus resource with any additional
// context the topic's notification shape pulled in.
type Notification struct {
	Subscription *ParsedSubscription
	Topic        *ParsedTopic
	Kind         string
	EventNumber  int64
	Focus        Resource
	Additional   []Resource
}

// NotificationSender delivers notifications. Dispatch is asynchronous and
// reports its result back through the subscription's error accounting;
// Handshake is synchronous so registration can settle the status before
// returning.
type NotificationSender interface {
	Dispatch(n *Notification)
	Handshake(n *Notification) error
}

// defaultFailureThreshold is the consecutive-failure count that flips a
// subscription to error.
const defaultFailureThreshold = 3

// SubscriptionEvaluator routes store mutations through compiled topics to
// the subscriptions attached to them. A mutation produces at most one event
// per subscription; event numbers are contiguous per subscription.
type SubscriptionEvaluator struct {
	topics        *xsync.Map[string, *ParsedTopic]        // keyed by canonical URL
	subscriptions *xsync.Map[string, *ParsedSubscription] // keyed by resource id
	tester        *SearchTester
	includes      *IncludeResolver
	sender        NotificationSender
	resolver      func(ref string) Resource

	FailureThreshold int
	log              zerolog.Logger
}

// NewSubscriptionEvaluator wires the evaluator. resolver resolves reference
// literals for FHIRPath resolve() during criteria evaluation.
func NewSubscriptionEvaluator(tester *SearchTester, includes *IncludeResolver, sender NotificationSender, resolver func(string) Resource, log zerolog.Logger) *SubscriptionEvaluator {
	return &SubscriptionEvaluator{
		topics:           xsync.NewMap[string, *ParsedTopic](),
		subscriptions:    xsync.NewMap[string, *ParsedSubscription](),
		tester:           tester,
		includes:         includes,
		sender:           sender,
		resolver:         resolver,
		FailureThreshold: defaultFailureThreshold,
		log:              log.With().Str("component", "evaluator").Logger(),
	}
}

// RegisterTopic makes a compiled topic available for evaluation and for
// subscription validation.
func (e *SubscriptionEvaluator) RegisterTopic(t *ParsedTopic) {
	e.topics.Store(t.URL, t)
}

// UnregisterTopic removes a topic; its subscriptions stop firing but keep
// their state.
func (e *SubscriptionEvaluator) UnregisterTopic(url string) {
	e.topics.Delete(url)
}

// LookupTopic resolves a topic by canonical URL.
func (e *SubscriptionEvaluator) LookupTopic(url string) *ParsedTopic {
	t, _ := e.topics.Load(url)
	return t
}

// RegisterSubscription activates a parsed subscription. When the channel
// expects a handshake the exchange runs synchronously here: requested flips
// to active on success and to error on failure, so the caller observes the
// settled status.
func (e *SubscriptionEvaluator) RegisterSubscription(sub *ParsedSubscription) {
	e.subscriptions.Store(sub.ID, sub)
	if sub.Status() != SubscriptionRequested {
		return
	}
	n := &Notification{Subscription: sub, Topic: e.LookupTopic(sub.TopicURL), Kind: NotifyHandshake}
	if err := e.sender.Handshake(n); err != nil {
		sub.RecordError("handshake: "+err.Error(), 1)
		e.log.Warn().Err(err).Str("subscription", sub.ID).Msg("handshake failed")
		return
	}
	sub.SetStatus(SubscriptionActive)
	sub.RecordSuccess(time.Now().UTC())
	e.log.Info().Str("subscription", sub.ID).Msg("subscription activated")
}

// UnregisterSubscription drops a subscription from evaluation.
func (e *SubscriptionEvaluator) UnregisterSubscription(id string) {
	e.subscriptions.Delete(id)
}

// LookupSubscription returns the executable state of a subscription.
func (e *SubscriptionEvaluator) LookupSubscription(id string) *ParsedSubscription {
	s, _ := e.subscriptions.Load(id)
	return s
}

// Subscriptions returns the currently registered subscriptions.
func (e *SubscriptionEvaluator) Subscriptions() []*ParsedSubscription {
	var out []*ParsedSubscription
	e.subscriptions.Range(func(_ string, s *ParsedSubscription) bool {
		out = append(out, s)
		return true
	})
	return out
}

// ResourceChanged evaluates one committed mutation against every topic.
// Failures in evaluation or delivery are logged and recorded on the affected
// subscription; they never propagate to the store operation that caused them.
func (e *SubscriptionEvaluator) ResourceChanged(typeName string, interaction Interaction, current, previous Resource) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("type", typeName).Msg("evaluation panicked")
		}
	}()

	focus := current
	if interaction == InteractionDelete {
		focus = previous
	}
	if focus == nil {
		return
	}

	e.topics.Range(func(_ string, topic *ParsedTopic) bool {
		fired, err := e.topicFires(topic, typeName, interaction, current, previous)
		if err != nil {
			e.log.Warn().Err(err).Str("topic", topic.URL).Msg("trigger evaluation failed")
			e.recordEvaluationFailure(topic, err)
			return true
		}
		if fired {
			e.notifyTopic(topic, typeName, focus)
		}
		return true
	})
}

// recordEvaluationFailure charges a trigger evaluation error to every
// subscription attached to the topic, through the same failure accounting as
// delivery errors.
func (e *SubscriptionEvaluator) recordEvaluationFailure(topic *ParsedTopic, evalErr error) {
	e.subscriptions.Range(func(_ string, sub *ParsedSubscription) bool {
		if sub.TopicURL != topic.URL {
			return true
		}
		if sub.RecordError("evaluation: "+evalErr.Error(), e.FailureThreshold) {
			e.log.Warn().Str("subscription", sub.ID).Msg("subscription moved to error")
		}
		return true
	})
}

// topicFires reports whether any of the topic's triggers for typeName pass
// all three gates: interaction, FHIRPath criteria, query shape.
func (e *SubscriptionEvaluator) topicFires(topic *ParsedTopic, typeName string, interaction Interaction, current, previous Resource) (bool, error) {
	for _, trigger := range topic.TriggersFor(typeName) {
		if !trigger.Interactions.matches(interaction) {
			continue
		}
		if trigger.Criteria != nil {
			focus := current
			if interaction == InteractionDelete {
				focus = previous
			}
			ctx := &EvalContext{
				Variables: map[string]interface{}{
					"current":  treeOrNil(current),
					"previous": treeOrNil(previous),
				},
				Resolver:    e.resolver,
				Terminology: nil,
			}
			ok, err := trigger.Criteria.EvaluateBool(focus, ctx)
			if err != nil {
				return false, fmt.Errorf("fhirpath criteria: %w", err)
			}
			if !ok {
				continue
			}
		}
		if trigger.Query != nil && !e.queryPasses(trigger.Query, typeName, interaction, current, previous) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// queryPasses applies the query-shape criterion: the previous state against
// the previous leg, the current state against the current leg, combined per
// requireBoth. A leg with no query always passes; a missing state defers to
// the trigger's auto-pass settings.
func (e *SubscriptionEvaluator) queryPasses(q *CompiledQueryTrigger, typeName string, interaction Interaction, current, previous Resource) bool {
	prevPass := true
	if len(q.Previous) > 0 {
		switch {
		case interaction == InteractionCreate:
			prevPass = q.AutoPassCreate
		case previous == nil:
			prevPass = false
		default:
			prevPass = e.tester.Matches(previous, typeName, q.Previous, e.evalCtx())
		}
	}
	curPass := true
	if len(q.Current) > 0 {
		switch {
		case interaction == InteractionDelete:
			curPass = q.AutoPassDelete
		case current == nil:
			curPass = false
		default:
			curPass = e.tester.Matches(current, typeName, q.Current, e.evalCtx())
		}
	}
	if q.RequireBoth {
		return prevPass && curPass
	}
	// Either leg suffices, but only legs that exist count.
	if len(q.Previous) == 0 {
		return curPass
	}
	if len(q.Current) == 0 {
		return prevPass
	}
	return prevPass || curPass
}

// notifyTopic fans the fired mutation out to the topic's active
// subscriptions, applying per-subscription filters against the focus.
func (e *SubscriptionEvaluator) notifyTopic(topic *ParsedTopic, typeName string, focus Resource) {
	e.subscriptions.Range(func(_ string, sub *ParsedSubscription) bool {
		if sub.TopicURL != topic.URL || sub.Status() != SubscriptionActive {
			return true
		}
		if filters := sub.Filters[typeName]; len(filters) > 0 {
			if !e.tester.Matches(focus, typeName, filters, e.evalCtx()) {
				return true
			}
		}
		n := &Notification{
			Subscription: sub,
			Topic:        topic,
			Kind:         NotifyEvent,
			EventNumber:  sub.NextEventNumber(),
			Focus:        focus,
		}
		if shape := topic.ShapeFor(typeName); shape != nil {
			n.Additional = e.shapeContext(shape, focus)
		}
		sub.RecordEvent(n.EventNumber, focus.Key(), time.Now().UTC())
		e.sender.Dispatch(n)
		return true
	})
}

// shapeContext resolves a notification shape's includes around the focus.
func (e *SubscriptionEvaluator) shapeContext(shape *NotificationShape, focus Resource) []Resource {
	result := ResultParameters{}
	for _, raw := range shape.Includes {
		if dir, ok := parseIncludeDirective(raw); ok {
			result.Includes = append(result.Includes, dir)
		}
	}
	for _, raw := range shape.RevIncludes {
		if dir, ok := parseIncludeDirective(raw); ok {
			result.RevIncludes = append(result.RevIncludes, dir)
		}
	}
	if len(result.Includes) == 0 && len(result.RevIncludes) == 0 {
		return nil
	}
	return e.includes.Expand([]Resource{focus}, result)
}

// EmitHeartbeats sends a heartbeat to every active subscription whose
// heartbeat period elapsed since its last communication. Heartbeats do not
// consume event numbers.
func (e *SubscriptionEvaluator) EmitHeartbeats(now time.Time) {
	e.subscriptions.Range(func(_ string, sub *ParsedSubscription) bool {
		if sub.Status() != SubscriptionActive || sub.HeartbeatSeconds <= 0 {
			return true
		}
		period := time.Duration(sub.HeartbeatSeconds) * time.Second
		if now.Sub(sub.LastCommunication()) < period {
			return true
		}
		e.sender.Dispatch(&Notification{
			Subscription: sub,
			Topic:        e.LookupTopic(sub.TopicURL),
			Kind:         NotifyHeartbeat,
		})
		return true
	})
}

func (e *SubscriptionEvaluator) evalCtx() *EvalContext {
	return &EvalContext{Resolver: e.resolver}
}

func treeOrNil(r Resource) interface{} {
	if r == nil {
		return nil
	}
	return map[string]interface{}(r)
}
