package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/chronicle/internal/platform/errors"
)

// Sentinel errors surfaced by registry operations. All carry engine error
// codes so callers can match with errors.Is and transports can map them.
var (
	// ErrTypeUnregistered indicates an event type the registry does not know.
	ErrTypeUnregistered = apperrors.New(apperrors.CodeEventTypeUnregistered, "event type is not registered")
	// ErrTypeEmpty indicates a definition or envelope without an event type.
	ErrTypeEmpty = apperrors.New(apperrors.CodeEnvelopeInvalid, "event type is required")
	// ErrAggregateTypeEmpty indicates a definition without an aggregate type.
	ErrAggregateTypeEmpty = apperrors.New(apperrors.CodeAggregateTypeEmpty, "aggregate type is required")
	// ErrAggregateIDEmpty indicates an envelope without an aggregate id.
	ErrAggregateIDEmpty = apperrors.New(apperrors.CodeAggregateIDEmpty, "aggregate id is required")
	// ErrAggregateTypeMismatch indicates an envelope whose aggregate type does
	// not match the registered owner of its event type.
	ErrAggregateTypeMismatch = apperrors.New(apperrors.CodeEnvelopeInvalid, "aggregate type does not match event type registration")
	// ErrPayloadDecode indicates a payload that cannot be decoded for its type.
	ErrPayloadDecode = apperrors.New(apperrors.CodeSerialization, "event payload cannot be decoded")
	// ErrPayloadEncode indicates a payload value that cannot be encoded.
	ErrPayloadEncode = apperrors.New(apperrors.CodeSerialization, "event payload cannot be encoded")
)

// Upcast rewrites an older payload shape into the next schema revision.
// Upcasters run in registration order before the payload is decoded, so a
// stream written under any historical schema still decodes into the current
// one. Upcasters must be pure: same input bytes, same output bytes.
type Upcast func(payload json.RawMessage) (json.RawMessage, error)

// Definition describes one event type: which aggregate kind owns it, how to
// materialize its payload schema, and how to migrate historical payloads.
type Definition struct {
	// Type is the registered event type tag.
	Type Type
	// AggregateType is the aggregate kind that emits this event.
	AggregateType string
	// New returns a zero value of the concrete payload schema. May be nil for
	// events without a payload body.
	New func() any
	// Upcasters migrate historical payload shapes to the current schema,
	// applied in order before decoding.
	Upcasters []Upcast
}

// Registry owns event type definitions for a process. It replaces runtime
// payload inspection with explicit tagged dispatch: every persisted type maps
// to exactly one schema.
type Registry struct {
	mu          sync.RWMutex
	definitions map[Type]Definition
}

// NewRegistry creates an empty event type registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// Register adds a definition. Re-registering a type is an error so two
// packages cannot silently fight over one tag.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("registry is required")
	}
	if !def.Type.IsValid() {
		return ErrTypeEmpty
	}
	if strings.TrimSpace(def.AggregateType) == "" {
		return ErrAggregateTypeEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("event type %q already registered", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Definition returns the definition for a type.
func (r *Registry) Definition(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[t]
	return def, ok
}

// Types returns all registered types in stable order.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateForAppend checks envelope completeness before persistence. It
// returns the envelope with whitespace-normalized identifiers so storage
// never sees two spellings of one stream.
func (r *Registry) ValidateForAppend(env Envelope) (Envelope, error) {
	if r == nil {
		return Envelope{}, fmt.Errorf("registry is required")
	}
	if !env.Type.IsValid() {
		return Envelope{}, ErrTypeEmpty
	}
	env.AggregateID = strings.TrimSpace(env.AggregateID)
	if env.AggregateID == "" {
		return Envelope{}, ErrAggregateIDEmpty
	}
	env.AggregateType = strings.TrimSpace(env.AggregateType)

	def, ok := r.Definition(env.Type)
	if !ok {
		return Envelope{}, apperrors.WithMetadata(
			apperrors.CodeEventTypeUnregistered,
			"event type is not registered",
			map[string]string{"event_type": string(env.Type)},
		)
	}
	if env.AggregateType == "" {
		env.AggregateType = def.AggregateType
	}
	if env.AggregateType != def.AggregateType {
		return Envelope{}, ErrAggregateTypeMismatch
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	if !json.Valid(env.Payload) {
		return Envelope{}, ErrPayloadEncode
	}
	return env, nil
}

// DecodePayload materializes the concrete payload for an envelope: it runs the
// type's upcasters over the stored bytes, then decodes into the schema the
// definition provides. Events registered without a schema return nil.
func (r *Registry) DecodePayload(env Envelope) (any, error) {
	def, ok := r.Definition(env.Type)
	if !ok {
		return nil, apperrors.WithMetadata(
			apperrors.CodeEventTypeUnregistered,
			"event type is not registered",
			map[string]string{"event_type": string(env.Type)},
		)
	}

	payload := env.Payload
	for _, up := range def.Upcasters {
		migrated, err := up(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSerialization, fmt.Sprintf("upcast %s payload", env.Type), err)
		}
		payload = migrated
	}

	if def.New == nil {
		return nil, nil
	}
	target := def.New()
	if len(payload) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSerialization, fmt.Sprintf("decode %s payload", env.Type), err)
	}
	return target, nil
}

// EncodePayload serializes a payload value for an envelope of the given type.
func (r *Registry) EncodePayload(t Type, payload any) (json.RawMessage, error) {
	if _, ok := r.Definition(t); !ok {
		return nil, apperrors.WithMetadata(
			apperrors.CodeEventTypeUnregistered,
			"event type is not registered",
			map[string]string{"event_type": string(t)},
		)
	}
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSerialization, fmt.Sprintf("encode %s payload", t), err)
	}
	return data, nil
}
