package reconcile

import (
	"github.com/memohai/auditor/internal/entity"
)

// Update is a live record whose tracked fields differ from the persisted one.
// Changes carries only the new values.
type Update[T any] struct {
	Live    T
	Changes entity.Fields
}

// Result is the outcome of diffing one entity kind. A key appears in at most one set.
type Result[T any] struct {
	// ToInsert holds live records with no persisted counterpart.
	ToInsert []T
	// ToUpdate holds live records whose projection differs from an active persisted record.
	ToUpdate []Update[T]
	// ToRetire holds active persisted records absent from the live listing.
	ToRetire []T
	// Reappeared holds live records whose persisted counterpart was already retired.
	Reappeared []T
}

// Empty reports whether the diff calls for no action.
func (r Result[T]) Empty() bool {
	return len(r.ToInsert) == 0 && len(r.ToUpdate) == 0 && len(r.ToRetire) == 0 && len(r.Reappeared) == 0
}

// Diff compares a live listing of one entity kind with the persisted listing.
// Records are matched by keyOf and compared on their canonical projection;
// active reports whether a persisted record is still live (not deleted or
// unenrolled). Live duplicates of a key after the first are ignored.
func Diff[T any, K comparable](live, persisted []T, keyOf func(T) K, project func(T) entity.Fields, active func(T) bool) Result[T] {
	var result Result[T]
	stored := make(map[K]T, len(persisted))
	for _, p := range persisted {
		stored[keyOf(p)] = p
	}
	visited := make(map[K]struct{}, len(live))
	for _, l := range live {
		key := keyOf(l)
		if _, dup := visited[key]; dup {
			continue
		}
		visited[key] = struct{}{}

		p, ok := stored[key]
		switch {
		case !ok:
			result.ToInsert = append(result.ToInsert, l)
		case !active(p):
			result.Reappeared = append(result.Reappeared, l)
		default:
			if changes := project(l).Changed(project(p)); len(changes) > 0 {
				result.ToUpdate = append(result.ToUpdate, Update[T]{Live: l, Changes: changes})
			}
		}
	}
	for _, p := range persisted {
		if _, seen := visited[keyOf(p)]; !seen && active(p) {
			result.ToRetire = append(result.ToRetire, p)
		}
	}
	return result
}

// MessageResult is the outcome of diffing one channel's message history.
type MessageResult struct {
	ToInsert             []entity.Message
	ToMarkEdited         []entity.Message
	ToSoftDeleteMessages []entity.Message
}

// Empty reports whether the diff calls for no action.
func (r MessageResult) Empty() bool {
	return len(r.ToInsert) == 0 && len(r.ToMarkEdited) == 0 && len(r.ToSoftDeleteMessages) == 0
}

// DiffMessages compares a channel's live history with its persisted messages.
// ToMarkEdited carries the live message for persisted, undeleted messages
// whose content changed; ToSoftDeleteMessages carries persisted, undeleted
// messages missing from the live history.
func DiffMessages(live, persisted []entity.Message) MessageResult {
	var result MessageResult
	stored := make(map[string]entity.Message, len(persisted))
	for _, p := range persisted {
		stored[p.ID] = p
	}
	visited := make(map[string]struct{}, len(live))
	for _, l := range live {
		if _, dup := visited[l.ID]; dup {
			continue
		}
		visited[l.ID] = struct{}{}
		p, ok := stored[l.ID]
		switch {
		case !ok:
			result.ToInsert = append(result.ToInsert, l)
		case p.IsDeleted:
		case p.Content != l.Content:
			result.ToMarkEdited = append(result.ToMarkEdited, l)
		}
	}
	for _, p := range persisted {
		if _, seen := visited[p.ID]; !seen && !p.IsDeleted {
			result.ToSoftDeleteMessages = append(result.ToSoftDeleteMessages, p)
		}
	}
	return result
}

func channelKey(c entity.Channel) string  { return c.ID }
func memberKey(m entity.Member) string    { return m.ID }
func scopeKey(s entity.Scope) string      { return s.ID }
func channelActive(c entity.Channel) bool { return !c.IsDeleted }
func scopeActive(s entity.Scope) bool     { return s.CurrentlyEnrolled }
func memberActive(entity.Member) bool     { return true }
