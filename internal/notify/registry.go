package notify

// Registry is a simple map-based SenderRegistry. Populate it before use; it
// is not safe for concurrent registration.
type Registry struct {
	senders map[string]Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]Sender),
	}
}

// Register adds a sender for the given platform name.
func (r *Registry) Register(platform string, s Sender) {
	r.senders[platform] = s
}

// Get returns the sender for the given platform, or false if not registered.
func (r *Registry) Get(platform string) (Sender, bool) {
	s, ok := r.senders[platform]
	return s, ok
}
