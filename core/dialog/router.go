package dialog

// ContentHandler reacts to a classified inbound message.
type ContentHandler func(tx *Tx, frag Fragment) error

// ActionHandler reacts to a button press; arg is the button payload.
type ActionHandler func(tx *Tx, arg string) error

// RenderFunc builds the screen shown for the state of tx.
type RenderFunc func(tx *Tx) View

// StateSpec binds one state to its handlers.
type StateSpec struct {
	OnContent ContentHandler
	Actions   map[string]ActionHandler
	Render    RenderFunc
}

// Router maps states to handlers. It is built once and handed to the Engine.
type Router struct {
	states map[State]StateSpec
	global map[string]ActionHandler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		states: make(map[State]StateSpec),
		global: make(map[string]ActionHandler),
	}
}

// Handle registers spec for st, replacing any previous one.
func (r *Router) Handle(st State, spec StateSpec) *Router {
	r.states[st] = spec
	return r
}

// Global registers an action available from every state.
func (r *Router) Global(action string, h ActionHandler) *Router {
	r.global[action] = h
	return r
}

func (r *Router) spec(st State) (StateSpec, bool) {
	spec, ok := r.states[st]
	return spec, ok
}

func (r *Router) action(st State, name string) (ActionHandler, bool) {
	if spec, ok := r.states[st]; ok {
		if h, ok := spec.Actions[name]; ok {
			return h, true
		}
	}
	h, ok := r.global[name]
	return h, ok
}

// States lists the registered states.
func (r *Router) States() []State {
	out := make([]State, 0, len(r.states))
	for st := range r.states {
		out = append(out, st)
	}
	return out
}
