package trust

// registry.go implements the callback registry used for all three listener
// classes. Entries are keyed by registrant identity; each entry gets a
// death watcher that removes the registration when the client connection
// closes. The maps themselves are only touched from the manager's
// serialized worker, so they carry no locks; the death watcher hands its
// removal back to the worker through the post function.

import "log"

// registry holds registered callbacks of one listener class.
type registry[T Registrant] struct {
	name    string // listener class name, for logs
	entries map[string]*registryEntry[T]

	// post hands a task to the manager's serialized worker. Death
	// watchers must not mutate the map directly.
	post func(task func())
}

type registryEntry[T Registrant] struct {
	callback T

	// stop releases the death watcher when the entry is replaced or
	// explicitly unregistered.
	stop chan struct{}
}

func newRegistry[T Registrant](name string, post func(task func())) *registry[T] {
	return &registry[T]{
		name:    name,
		entries: make(map[string]*registryEntry[T]),
		post:    post,
	}
}

// register adds a callback, replacing any earlier registration with the
// same registrant identity. Must be called from the worker.
func (r *registry[T]) register(callback T) {
	id := callback.RegistrantID()

	if old, ok := r.entries[id]; ok {
		// Last registration wins; release the stale watcher.
		close(old.stop)
	}

	entry := &registryEntry[T]{
		callback: callback,
		stop:     make(chan struct{}),
	}
	r.entries[id] = entry

	log.Printf("trust: registered %s callback %s", r.name, id)

	// Death watcher: when the client connection closes, drop the entry.
	// The removal runs on the worker and tolerates the entry having been
	// replaced or unregistered in the meantime.
	go func() {
		select {
		case <-callback.Closed():
			r.post(func() { r.remove(id, entry) })
		case <-entry.stop:
		}
	}()
}

// unregister removes a callback by identity. Removing an entry that is not
// present is a no-op. Must be called from the worker.
func (r *registry[T]) unregister(callback T) {
	id := callback.RegistrantID()
	entry, ok := r.entries[id]
	if !ok {
		return
	}

	close(entry.stop)
	delete(r.entries, id)
	log.Printf("trust: unregistered %s callback %s", r.name, id)
}

// remove drops an entry only if it is still the current registration for
// the identity. This makes death-triggered removal idempotent and safe
// against replace races.
func (r *registry[T]) remove(id string, entry *registryEntry[T]) {
	current, ok := r.entries[id]
	if !ok || current != entry {
		return
	}

	close(entry.stop)
	delete(r.entries, id)
	log.Printf("trust: dropped dead %s callback %s", r.name, id)
}

// each invokes fn for every registered callback. A failure delivering to
// one callback is logged and does not block delivery to the others; dead
// registrants are only removed by their death watcher. Must be called
// from the worker.
func (r *registry[T]) each(fn func(callback T) error) {
	for id, entry := range r.entries {
		if err := fn(entry.callback); err != nil {
			log.Printf("trust: notify %s callback %s failed: %v", r.name, id, err)
		}
	}
}

// size returns the number of registered callbacks.
func (r *registry[T]) size() int {
	return len(r.entries)
}

// clear releases all entries and their watchers. Must be called from the
// worker; used during shutdown.
func (r *registry[T]) clear() {
	for id, entry := range r.entries {
		close(entry.stop)
		delete(r.entries, id)
	}
}
