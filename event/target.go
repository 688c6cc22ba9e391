package event

// Target represents one or more Event Streams using different discriminators.
//
// This is a sealed interface and implementations are only provided by this package.
// If you want to add support for an additional target, add it in this file, implement
// this interface and make sure users of this interface are updated correctly (e.g. log clients).
type Target interface {
	isStreamTarget()
}

// All selects all existing Event Streams.
type All struct{}

func (All) isStreamTarget() {}

// ByCategory selects all Event Streams belonging to the specified category.
type ByCategory string

func (ByCategory) isStreamTarget() {}

// ByStream selects a single Event Stream identified by the provided StreamID.
type ByStream StreamID

func (ByStream) isStreamTarget() {}

// Matches reports whether the record belongs to the Event Streams selected
// by the target. A nil target selects everything.
func Matches(target Target, record Record) bool {
	switch t := target.(type) {
	case nil, All:
		return true
	case ByCategory:
		return record.Stream.Category() == string(t)
	case ByStream:
		return record.Stream == StreamID(t)
	default:
		return false
	}
}
