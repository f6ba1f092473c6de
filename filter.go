package brook

// SelectType returns a selector matching events of any of the given types.
func SelectType(types ...string) Selector {
	return func(e *Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// SelectStream returns a selector matching events of the given stream. It is
// mostly useful on all-stream subscriptions.
func SelectStream(streamID string) Selector {
	return func(e *Event) bool {
		return e.StreamID == streamID
	}
}

// SelectAnd returns a selector matching events that satisfy all of the given
// selectors.
func SelectAnd(sl ...Selector) Selector {
	return func(e *Event) bool {
		for _, s := range sl {
			if !s(e) {
				return false
			}
		}
		return true
	}
}

// SelectOr returns a selector matching events that satisfy any of the given
// selectors.
func SelectOr(sl ...Selector) Selector {
	return func(e *Event) bool {
		for _, s := range sl {
			if s(e) {
				return true
			}
		}
		return false
	}
}
