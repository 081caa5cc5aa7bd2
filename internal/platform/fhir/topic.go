package fhir

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Channel types a Subscription can request. Websocket and email are accepted
// at parse time but have no sender wired; notifications to them record errors.
const (
	ChannelRestHook    = "rest-hook"
	ChannelChatWebhook = "chat-webhook"
	ChannelWebsocket   = "websocket"
	ChannelEmail       = "email"
)

// Subscription statuses.
const (
	SubscriptionOff       = "off"
	SubscriptionRequested = "requested"
	SubscriptionActive    = "active"
	SubscriptionError     = "error"
)

// r5ExtPrefix is the cross-version extension prefix used when an R5
// SubscriptionTopic is carried inside an R4 Basic resource.
const r5ExtPrefix = "http://hl7.org/fhir/5.0/StructureDefinition/extension-SubscriptionTopic."

// InteractionTrigger records which store interactions a trigger listens to.
type InteractionTrigger struct {
	OnCreate bool
	OnUpdate bool
	OnDelete bool
}

func (it InteractionTrigger) matches(i Interaction) bool {
	switch i {
	case InteractionCreate:
		return it.OnCreate
	case InteractionUpdate:
		return it.OnUpdate
	case InteractionDelete:
		return it.OnDelete
	}
	return false
}

// CompiledQueryTrigger is the query-shape criterion of a resource trigger:
// the previous state is tested against Previous, the current state against
// Current. Creates have no previous state and deletes no current state, so
// the resultForCreate/resultForDelete settings decide how the missing leg
// counts.
type CompiledQueryTrigger struct {
	Previous       []*ParsedSearchParameter
	Current        []*ParsedSearchParameter
	RequireBoth    bool // both legs must pass, else either suffices
	AutoPassCreate bool // missing previous leg counts as passed on create
	AutoPassDelete bool // missing current leg counts as passed on delete
}

// TopicTrigger is one compiled resource trigger of a topic. All present
// criteria must pass for the trigger to fire.
type TopicTrigger struct {
	ResourceType string
	Interactions InteractionTrigger
	Criteria     *CompiledExpr // FHIRPath criterion, nil when absent
	Query        *CompiledQueryTrigger
}

// NotificationShape lists the includes to bundle alongside a focus resource
// in notifications.
type NotificationShape struct {
	ResourceType string
	Includes     []string
	RevIncludes  []string
}

// ParsedTopic is the compiled form of a SubscriptionTopic: its triggers
// grouped by resource type, ready for evaluation on every store mutation.
type ParsedTopic struct {
	URL        string
	ResourceID string
	Title      string
	Triggers   map[string][]*TopicTrigger
	Shapes     map[string]*NotificationShape
}

// TriggersFor returns the topic's triggers for a resource type.
func (t *ParsedTopic) TriggersFor(typeName string) []*TopicTrigger {
	return t.Triggers[typeName]
}

// ShapeFor returns the notification shape for a resource type, or nil.
func (t *ParsedTopic) ShapeFor(typeName string) *NotificationShape {
	return t.Shapes[typeName]
}

// topicCompiler resolves search parameter definitions and compiles path
// expressions while parsing topics and subscriptions.
type topicCompiler struct {
	tester *SearchTester
	defs   func(typeName string) func(name string) *SearchParamDef
}

// NewTopicCompiler builds the compiler used for topics and subscriptions.
// defs yields the per-type search parameter resolver.
func NewTopicCompiler(tester *SearchTester, defs func(typeName string) func(name string) *SearchParamDef) *topicCompiler {
	return &topicCompiler{tester: tester, defs: defs}
}

// ParseTopic compiles a SubscriptionTopic resource, either native (R4B/R5)
// or carried inside a Basic resource via cross-version extensions.
func (tc *topicCompiler) ParseTopic(r Resource) (*ParsedTopic, error) {
	if r.ResourceType() == "Basic" {
		return tc.parseBasicTopic(r)
	}
	topic := &ParsedTopic{
		URL:        r.CanonicalURL(),
		ResourceID: r.ID(),
		Triggers:   map[string][]*TopicTrigger{},
		Shapes:     map[string]*NotificationShape{},
	}
	if title, ok := r["title"].(string); ok {
		topic.Title = title
	}
	if topic.URL == "" {
		return nil, fmt.Errorf("SubscriptionTopic/%s has no url", r.ID())
	}

	triggers, _ := r["resourceTrigger"].([]interface{})
	for _, raw := range triggers {
		rt, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		trigger, err := tc.compileTrigger(rt)
		if err != nil {
			return nil, err
		}
		topic.Triggers[trigger.ResourceType] = append(topic.Triggers[trigger.ResourceType], trigger)
	}
	if len(topic.Triggers) == 0 {
		return nil, fmt.Errorf("SubscriptionTopic %s has no resource trigger", topic.URL)
	}

	shapes, _ := r["notificationShape"].([]interface{})
	for _, raw := range shapes {
		ns, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		shape := &NotificationShape{}
		shape.ResourceType, _ = ns["resource"].(string)
		shape.Includes = stringSlice(ns["include"])
		shape.RevIncludes = stringSlice(ns["revInclude"])
		if shape.ResourceType != "" {
			topic.Shapes[shape.ResourceType] = shape
		}
	}
	return topic, nil
}

func (tc *topicCompiler) compileTrigger(rt map[string]interface{}) (*TopicTrigger, error) {
	typeName, _ := rt["resource"].(string)
	// Resource may arrive as a full StructureDefinition URL.
	if i := strings.LastIndexByte(typeName, '/'); i >= 0 {
		typeName = typeName[i+1:]
	}
	if typeName == "" {
		return nil, fmt.Errorf("resource trigger without a resource type")
	}
	trigger := &TopicTrigger{ResourceType: typeName}

	interactions := stringSlice(rt["supportedInteraction"])
	if len(interactions) == 0 {
		trigger.Interactions = InteractionTrigger{OnCreate: true, OnUpdate: true, OnDelete: true}
	}
	for _, si := range interactions {
		switch si {
		case "create":
			trigger.Interactions.OnCreate = true
		case "update":
			trigger.Interactions.OnUpdate = true
		case "delete":
			trigger.Interactions.OnDelete = true
		default:
			return nil, fmt.Errorf("unsupported trigger interaction %q", si)
		}
	}

	if expr, ok := rt["fhirPathCriteria"].(string); ok && expr != "" {
		compiled, err := tc.tester.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("trigger criteria for %s: %w", typeName, err)
		}
		trigger.Criteria = compiled
	}

	if qc, ok := rt["queryCriteria"].(map[string]interface{}); ok {
		query, err := tc.compileQueryCriteria(typeName, qc)
		if err != nil {
			return nil, err
		}
		trigger.Query = query
	}
	return trigger, nil
}

func (tc *topicCompiler) compileQueryCriteria(typeName string, qc map[string]interface{}) (*CompiledQueryTrigger, error) {
	query := &CompiledQueryTrigger{}
	if rb, ok := qc["requireBoth"].(bool); ok {
		query.RequireBoth = rb
	}
	query.AutoPassCreate = stringOr(qc["resultForCreate"], "test-passes") == "test-passes"
	query.AutoPassDelete = stringOr(qc["resultForDelete"], "test-passes") == "test-passes"

	var err error
	if prev, ok := qc["previous"].(string); ok && prev != "" {
		if query.Previous, err = tc.compileQueryLeg(typeName, prev); err != nil {
			return nil, err
		}
	}
	if cur, ok := qc["current"].(string); ok && cur != "" {
		if query.Current, err = tc.compileQueryLeg(typeName, cur); err != nil {
			return nil, err
		}
	}
	return query, nil
}

// compileQueryLeg parses a query criterion like "status=final&code=1234".
func (tc *topicCompiler) compileQueryLeg(typeName, raw string) ([]*ParsedSearchParameter, error) {
	// "Observation?status=final" is tolerated; only the query part counts.
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[i+1:]
	}
	q, err := ParseQuery(raw, tc.defs(typeName))
	if err != nil {
		return nil, fmt.Errorf("query criterion %q: %w", raw, err)
	}
	for _, p := range q.Parameters {
		if p.Ignored {
			return nil, fmt.Errorf("query criterion %q: unknown parameter %q for %s", raw, p.RawKey, typeName)
		}
	}
	return q.Parameters, nil
}

// parseBasicTopic unwraps a SubscriptionTopic carried in a Basic resource
// through cross-version extensions, then compiles it like a native one.
func (tc *topicCompiler) parseBasicTopic(r Resource) (*ParsedTopic, error) {
	native := Resource{"resourceType": "SubscriptionTopic", "id": r.ID()}
	exts, _ := r["extension"].([]interface{})
	for _, raw := range exts {
		ext, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := ext["url"].(string)
		if !strings.HasPrefix(url, r5ExtPrefix) {
			continue
		}
		switch strings.TrimPrefix(url, r5ExtPrefix) {
		case "url":
			native["url"] = extValue(ext)
		case "title":
			native["title"] = extValue(ext)
		case "resourceTrigger":
			rt := extTree(ext)
			triggers, _ := native["resourceTrigger"].([]interface{})
			native["resourceTrigger"] = append(triggers, rt)
		case "notificationShape":
			ns := extTree(ext)
			shapes, _ := native["notificationShape"].([]interface{})
			native["notificationShape"] = append(shapes, ns)
		}
	}
	if native["url"] == nil {
		return nil, fmt.Errorf("Basic/%s carries no subscription topic extensions", r.ID())
	}
	return tc.ParseTopic(native)
}

// IsBasicTopic reports whether a Basic resource carries a wrapped topic.
func IsBasicTopic(r Resource) bool {
	exts, _ := r["extension"].([]interface{})
	for _, raw := range exts {
		if ext, ok := raw.(map[string]interface{}); ok {
			if url, _ := ext["url"].(string); strings.HasPrefix(url, r5ExtPrefix) {
				return true
			}
		}
	}
	return false
}

// extValue returns the primitive payload of an extension element.
func extValue(ext map[string]interface{}) interface{} {
	for k, v := range ext {
		if strings.HasPrefix(k, "value") {
			return v
		}
	}
	return nil
}

// extTree flattens a complex extension into a plain map keyed by the nested
// extension urls, recursing into sub-extensions.
func extTree(ext map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	nested, _ := ext["extension"].([]interface{})
	for _, raw := range nested {
		sub, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := sub["url"].(string)
		if key == "" {
			continue
		}
		var value interface{}
		if inner, _ := sub["extension"].([]interface{}); len(inner) > 0 {
			value = extTree(sub)
		} else {
			value = extValue(sub)
		}
		if existing, ok := out[key]; ok {
			// Repeated urls collect into a list (supportedInteraction, include).
			if list, ok := existing.([]interface{}); ok {
				out[key] = append(list, value)
			} else {
				out[key] = []interface{}{existing, value}
			}
		} else {
			switch key {
			case "supportedInteraction", "include", "revInclude":
				out[key] = []interface{}{value}
			default:
				out[key] = value
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// subscriptions
// ---------------------------------------------------------------------------

// maxRecordedErrors bounds the per-subscription error log.
const maxRecordedErrors = 10

// maxRetainedEvents bounds the per-subscription event log kept for $events.
const maxRetainedEvents = 20

// SubscriptionEvent is one retained notification event.
type SubscriptionEvent struct {
	Number int64
	Focus  string // "Type/id" of the focus resource
	At     time.Time
}

// SubscriptionErrorEntry is one recorded delivery or evaluation failure.
type SubscriptionErrorEntry struct {
	At      time.Time
	Message string
}

// ParsedSubscription is the executable form of a Subscription resource. The
// event counter and status fields are mutated concurrently by the evaluator,
// the heartbeat timer and the dispatcher.
type ParsedSubscription struct {
	ID               string
	TopicURL         string
	ChannelType      string
	Endpoint         string
	ContentType      string
	HeartbeatSeconds int
	Timeout          int
	Headers          map[string][]string
	Filters          map[string][]*ParsedSearchParameter

	events atomic.Int64

	mu                  sync.Mutex
	status              string
	lastCommunication   time.Time
	errors              []SubscriptionErrorEntry
	recentEvents        []SubscriptionEvent
	consecutiveFailures int
}

// ParseSubscription compiles a Subscription resource, validating its channel
// and filters against the topic vocabulary.
func (tc *topicCompiler) ParseSubscription(r Resource, lookupTopic func(url string) *ParsedTopic) (*ParsedSubscription, error) {
	sub := &ParsedSubscription{
		ID:      r.ID(),
		Headers: map[string][]string{},
		Filters: map[string][]*ParsedSearchParameter{},
	}

	sub.TopicURL = stringOr(r["topic"], "")
	if sub.TopicURL == "" {
		// R4 backport carries the topic in criteria.
		sub.TopicURL = stringOr(r["criteria"], "")
	}
	if sub.TopicURL == "" {
		return nil, fmt.Errorf("Subscription/%s names no topic", r.ID())
	}
	topic := lookupTopic(sub.TopicURL)
	if topic == nil {
		return nil, fmt.Errorf("Subscription/%s references unknown topic %s", r.ID(), sub.TopicURL)
	}

	sub.status = stringOr(r["status"], SubscriptionRequested)
	switch sub.status {
	case SubscriptionOff, SubscriptionRequested, SubscriptionActive, SubscriptionError:
	default:
		return nil, fmt.Errorf("Subscription/%s has invalid status %q", r.ID(), sub.status)
	}

	if err := tc.parseChannel(r, sub); err != nil {
		return nil, err
	}
	if err := tc.parseFilters(r, topic, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (tc *topicCompiler) parseChannel(r Resource, sub *ParsedSubscription) error {
	// R5 shape: channelType coding + endpoint + parameter list.
	if ct, ok := r["channelType"].(map[string]interface{}); ok {
		sub.ChannelType, _ = ct["code"].(string)
		sub.Endpoint = stringOr(r["endpoint"], "")
		sub.ContentType = stringOr(r["contentType"], "application/fhir+json")
		if hb, ok := r["heartbeatPeriod"].(float64); ok {
			sub.HeartbeatSeconds = int(hb)
		}
		if to, ok := r["timeout"].(float64); ok {
			sub.Timeout = int(to)
		}
		params, _ := r["parameter"].([]interface{})
		for _, raw := range params {
			p, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := p["name"].(string)
			value, _ := p["value"].(string)
			if name != "" {
				sub.Headers[name] = append(sub.Headers[name], value)
			}
		}
	} else if ch, ok := r["channel"].(map[string]interface{}); ok {
		// R4 shape: channel backbone.
		sub.ChannelType = stringOr(ch["type"], "")
		sub.Endpoint = stringOr(ch["endpoint"], "")
		sub.ContentType = stringOr(ch["payload"], "application/fhir+json")
		for _, h := range stringSlice(ch["header"]) {
			if i := strings.IndexByte(h, ':'); i >= 0 {
				name := strings.TrimSpace(h[:i])
				sub.Headers[name] = append(sub.Headers[name], strings.TrimSpace(h[i+1:]))
			}
		}
		if exts, ok := ch["extension"].([]interface{}); ok {
			for _, raw := range exts {
				ext, _ := raw.(map[string]interface{})
				if ext == nil {
					continue
				}
				if url, _ := ext["url"].(string); strings.HasSuffix(url, "heartbeat-period") {
					if hb, ok := extValue(ext).(float64); ok {
						sub.HeartbeatSeconds = int(hb)
					}
				}
			}
		}
	} else {
		return fmt.Errorf("Subscription/%s has no channel", sub.ID)
	}

	switch sub.ChannelType {
	case ChannelRestHook, ChannelChatWebhook, ChannelWebsocket, ChannelEmail:
	case "":
		return fmt.Errorf("Subscription/%s has no channel type", sub.ID)
	default:
		return fmt.Errorf("Subscription/%s has unsupported channel type %q", sub.ID, sub.ChannelType)
	}
	if sub.ChannelType == ChannelRestHook && sub.Endpoint == "" {
		return fmt.Errorf("Subscription/%s rest-hook channel has no endpoint", sub.ID)
	}
	return nil
}

func (tc *topicCompiler) parseFilters(r Resource, topic *ParsedTopic, sub *ParsedSubscription) error {
	filters, _ := r["filterBy"].([]interface{})
	for _, raw := range filters {
		f, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		typeName := stringOr(f["resourceType"], "")
		if typeName == "" {
			typeName = stringOr(f["resource"], "")
		}
		param := stringOr(f["filterParameter"], "")
		value := stringOr(f["value"], "")
		if typeName == "" || param == "" {
			return fmt.Errorf("Subscription/%s has an incomplete filterBy entry", sub.ID)
		}
		if len(topic.TriggersFor(typeName)) == 0 {
			return fmt.Errorf("Subscription/%s filters %s which topic %s never triggers on", sub.ID, typeName, topic.URL)
		}
		key := param
		if mod := stringOr(f["modifier"], ""); mod != "" {
			key += ":" + mod
		}
		if cmp := stringOr(f["comparator"], ""); cmp != "" {
			value = cmp + value
		}
		parsed := parseSearchParameter(key, value, tc.defs(typeName))
		if parsed.Ignored {
			return fmt.Errorf("Subscription/%s filter %q is not a search parameter of %s", sub.ID, key, typeName)
		}
		sub.Filters[typeName] = append(sub.Filters[typeName], parsed)
	}
	return nil
}

// NextEventNumber advances and returns the subscription's event number.
// Numbers are contiguous from 1 for the life of the subscription.
func (s *ParsedSubscription) NextEventNumber() int64 {
	return s.events.Add(1)
}

// EventCount returns the number of events emitted so far.
func (s *ParsedSubscription) EventCount() int64 {
	return s.events.Load()
}

// RecordEvent retains a dispatched event for $events, keeping only the most
// recent maxRetainedEvents.
func (s *ParsedSubscription) RecordEvent(number int64, focus string, at time.Time) {
	s.mu.Lock()
	s.recentEvents = append(s.recentEvents, SubscriptionEvent{Number: number, Focus: focus, At: at})
	if len(s.recentEvents) > maxRetainedEvents {
		s.recentEvents = s.recentEvents[len(s.recentEvents)-maxRetainedEvents:]
	}
	s.mu.Unlock()
}

// RecentEvents returns a copy of the retained event log, oldest first.
func (s *ParsedSubscription) RecentEvents() []SubscriptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriptionEvent, len(s.recentEvents))
	copy(out, s.recentEvents)
	return out
}

// Status returns the current lifecycle status.
func (s *ParsedSubscription) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus moves the subscription to a new lifecycle status.
func (s *ParsedSubscription) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// LastCommunication returns the time of the last successful delivery.
func (s *ParsedSubscription) LastCommunication() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommunication
}

// RecordSuccess notes a successful delivery and clears the failure streak.
func (s *ParsedSubscription) RecordSuccess(at time.Time) {
	s.mu.Lock()
	s.lastCommunication = at
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// RecordError appends a bounded error entry and reports whether the failure
// streak reached threshold, at which point the caller flips the subscription
// to error.
func (s *ParsedSubscription) RecordError(message string, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, SubscriptionErrorEntry{At: time.Now().UTC(), Message: message})
	if len(s.errors) > maxRecordedErrors {
		s.errors = s.errors[len(s.errors)-maxRecordedErrors:]
	}
	s.consecutiveFailures++
	if threshold > 0 && s.consecutiveFailures >= threshold {
		s.status = SubscriptionError
		return true
	}
	return false
}

// Errors returns a copy of the recorded error log, newest last.
func (s *ParsedSubscription) Errors() []SubscriptionErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriptionErrorEntry, len(s.errors))
	copy(out, s.errors)
	return out
}

func stringSlice(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
