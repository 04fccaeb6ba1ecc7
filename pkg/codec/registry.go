package codec

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FirstUserTag is the lowest CBOR tag number handed out to user types.
// Lower numbers are reserved by RFC 8949 and the IANA registry.
const FirstUserTag uint64 = 40_000

// Registry maps Go types to stable CBOR tags so values written by one
// process decode to the same types in another. It is built once when a
// store is opened and shared by every component that encodes values.
type Registry struct {
	mu    sync.RWMutex
	tags  cbor.TagSet
	types map[reflect.Type]uint64
	enc   cbor.EncMode
	dec   cbor.DecMode
}

func NewRegistry() *Registry {
	r := &Registry{
		tags:  cbor.NewTagSet(),
		types: make(map[reflect.Type]uint64),
	}
	if err := r.rebuild(); err != nil {
		// the default options are static; failing here is a programming error
		panic(err)
	}
	return r
}

// Register binds the type of prototype to tag. Registering the same type
// twice with the same tag is a no-op.
func (r *Registry) Register(tag uint64, prototype any) error {
	if tag < FirstUserTag {
		return fmt.Errorf("tag %d is below the user range (>= %d)", tag, FirstUserTag)
	}
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("cannot register nil prototype")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t]; ok {
		if existing == tag {
			return nil
		}
		return fmt.Errorf("type %s already registered with tag %d", t, existing)
	}
	opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := r.tags.Add(opts, t, tag); err != nil {
		return fmt.Errorf("register %s: %w", t, err)
	}
	r.types[t] = tag
	return r.rebuild()
}

func (r *Registry) rebuild() error {
	enc, err := cbor.CoreDetEncOptions().EncModeWithSharedTags(r.tags)
	if err != nil {
		return fmt.Errorf("build cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecModeWithSharedTags(r.tags)
	if err != nil {
		return fmt.Errorf("build cbor decoder: %w", err)
	}
	r.enc, r.dec = enc, dec
	return nil
}

// Marshal encodes a value. nil is rejected: absence is represented by tombstones, not by nil values.
func (r *Registry) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot encode nil value")
	}
	r.mu.RLock()
	enc := r.enc
	r.mu.RUnlock()

	data, err := enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes into the registered Go type when the payload is tagged,
// otherwise into the generic CBOR mapping (string, uint64/int64, []any, ...).
func (r *Registry) Unmarshal(data []byte) (any, error) {
	r.mu.RLock()
	dec := r.dec
	r.mu.RUnlock()

	var v any
	if err := dec.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// UnmarshalInto decodes into a caller-provided destination.
func (r *Registry) UnmarshalInto(data []byte, dst any) error {
	r.mu.RLock()
	dec := r.dec
	r.mu.RUnlock()

	if err := dec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode value into %T: %w", dst, err)
	}
	return nil
}
