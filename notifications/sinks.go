package notifications

import events "github.com/docker/go-events"

// ignoredSink discards events whose action is in the configured ignore
// list before passing the rest to the wrapped sink. Grounded on
// notifications/sinks.go's ignoredSink, adapted from filtering by OCI
// media-type/action pairs to filtering by this engine's single Action
// field, since the domain here has no media-type axis.
type ignoredSink struct {
	events.Sink
	ignoreActions map[string]bool
}

func newIgnoredSink(sink events.Sink, ignoreActions []string) events.Sink {
	if len(ignoreActions) == 0 {
		return sink
	}
	ignored := make(map[string]bool, len(ignoreActions))
	for _, a := range ignoreActions {
		ignored[a] = true
	}
	return &ignoredSink{Sink: sink, ignoreActions: ignored}
}

func (s *ignoredSink) Write(event events.Event) error {
	if env, ok := event.(Envelope); ok && s.ignoreActions[env.Action] {
		return nil
	}
	return s.Sink.Write(event)
}
