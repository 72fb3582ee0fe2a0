package entity

// Field is one column of a canonical projection. Values are limited to
// string, bool and nil so projections compare with ==.
type Field struct {
	Name  string
	Value any
}

// Fields is a canonical projection: the tracked, mutable columns of a record
// in a fixed order. Lifecycle flags (is_deleted, currently_enrolled) and
// presence data the store does not keep are never part of a projection.
type Fields []Field

// Get returns the value of the named field.
func (f Fields) Get(name string) (any, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// Names lists the field names in order.
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Changed returns the fields of f whose value differs from other.
// A field missing from other counts as changed.
func (f Fields) Changed(other Fields) Fields {
	var changed Fields
	for _, field := range f {
		prev, ok := other.Get(field.Name)
		if !ok || prev != field.Value {
			changed = append(changed, field)
		}
	}
	return changed
}

// Equal reports whether both projections carry the same values.
func (f Fields) Equal(other Fields) bool {
	return len(f) == len(other) && len(f.Changed(other)) == 0
}

// Column names of the tracked projections.
const (
	FieldName          = "name"
	FieldOwnerID       = "owner_id"
	FieldTopic         = "topic"
	FieldType          = "type"
	FieldNSFW          = "nsfw"
	FieldParentID      = "parent_id"
	FieldDisplayName   = "display_name"
	FieldDiscriminator = "discriminator"
	FieldIsBot         = "is_bot"
	FieldNickname      = "nickname"
)

// Project returns the canonical projection of a scope.
func (s Scope) Project() Fields {
	return Fields{
		{FieldName, s.Name},
		{FieldOwnerID, s.OwnerID},
	}
}

// Project returns the canonical projection of a channel.
func (c Channel) Project() Fields {
	return Fields{
		{FieldName, c.Name},
		{FieldTopic, optional(c.Topic)},
		{FieldType, string(c.Type)},
		{FieldNSFW, c.NSFW},
		{FieldParentID, optional(c.ParentID)},
	}
}

// Project returns the canonical projection of a member.
func (m Member) Project() Fields {
	return Fields{
		{FieldDisplayName, m.DisplayName},
		{FieldDiscriminator, m.Discriminator},
		{FieldIsBot, m.IsBot},
		{FieldNickname, optional(m.Nickname)},
	}
}

// Apply copies changed values onto a channel.
func (c *Channel) Apply(changes Fields) {
	for _, field := range changes {
		switch field.Name {
		case FieldName:
			c.Name, _ = field.Value.(string)
		case FieldTopic:
			c.Topic = stringValue(field.Value)
		case FieldType:
			t, _ := field.Value.(string)
			c.Type = ChannelType(t)
		case FieldNSFW:
			c.NSFW, _ = field.Value.(bool)
		case FieldParentID:
			c.ParentID = stringValue(field.Value)
		}
	}
}

// Apply copies changed values onto a member.
func (m *Member) Apply(changes Fields) {
	for _, field := range changes {
		switch field.Name {
		case FieldDisplayName:
			m.DisplayName, _ = field.Value.(string)
		case FieldDiscriminator:
			m.Discriminator, _ = field.Value.(string)
		case FieldIsBot:
			m.IsBot, _ = field.Value.(bool)
		case FieldNickname:
			m.Nickname = stringValue(field.Value)
		}
	}
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringValue(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
