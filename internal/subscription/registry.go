package subscription

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/native"
)

// Key identifies a characteristic by normalized service and characteristic UUIDs.
type Key struct {
	Service        string
	Characteristic string
}

// KeyOf normalizes both UUIDs into a Key.
func KeyOf(service, characteristic string) (Key, error) {
	svc, err := device.ParseUUID(service)
	if err != nil {
		return Key{}, err
	}
	char, err := device.ParseUUID(characteristic)
	if err != nil {
		return Key{}, err
	}
	return Key{Service: svc, Characteristic: char}, nil
}

func (k Key) String() string {
	return device.ShortUUID(k.Service) + "/" + device.ShortUUID(k.Characteristic)
}

type entry struct {
	count int
	mode  native.NotifyMode
}

// Registry counts subscribers per characteristic, in subscription order.
// It is not safe for concurrent use.
type Registry struct {
	entries *orderedmap.OrderedMap[Key, *entry]
}

func NewRegistry() *Registry {
	return &Registry{entries: orderedmap.New[Key, *entry]()}
}

// Acquire adds a subscriber and reports whether it is the first one.
// The mode of the first subscriber is kept.
func (r *Registry) Acquire(k Key, mode native.NotifyMode) bool {
	if e, ok := r.entries.Get(k); ok {
		e.count++
		return false
	}
	r.entries.Set(k, &entry{count: 1, mode: mode})
	return true
}

// Release removes a subscriber. last is true when it was the final one;
// mode is the mode pushes were enabled with. Releasing a key without
// subscribers fails with InvalidState.
func (r *Registry) Release(k Key) (last bool, mode native.NotifyMode, err error) {
	e, ok := r.entries.Get(k)
	if !ok {
		return false, native.Notify, device.NewError(device.KindInvalidState, "characteristic %s is not subscribed", k)
	}
	e.count--
	if e.count > 0 {
		return false, e.mode, nil
	}
	r.entries.Delete(k)
	return true, e.mode, nil
}

// Count returns the number of subscribers of k.
func (r *Registry) Count(k Key) int {
	if e, ok := r.entries.Get(k); ok {
		return e.count
	}
	return 0
}

// Keys returns the subscribed keys in subscription order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Reset forgets every subscription and returns the keys that were active.
func (r *Registry) Reset() []Key {
	keys := r.Keys()
	r.entries = orderedmap.New[Key, *entry]()
	return keys
}
