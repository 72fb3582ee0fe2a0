package entity

import (
	"testing"
	"time"
)

func TestChannelProjectionIgnoresLifecycle(t *testing.T) {
	live := Channel{ScopeID: "g1", ID: "c1", Name: "general", Type: ChannelText}
	stored := live
	stored.IsDeleted = true
	now := time.Now()
	stored.DeletedAt = &now

	if !live.Project().Equal(stored.Project()) {
		t.Fatal("lifecycle flags must not affect the projection")
	}
}

func TestChangedReturnsOnlyNewValues(t *testing.T) {
	topic := "announcements"
	stored := Channel{ID: "c1", Name: "general", Type: ChannelText}
	live := Channel{ID: "c1", Name: "general", Topic: &topic, Type: ChannelText, NSFW: true}

	changed := live.Project().Changed(stored.Project())
	if got := changed.Names(); len(got) != 2 || got[0] != FieldTopic || got[1] != FieldNSFW {
		t.Fatalf("Changed() names = %v", got)
	}
	if v, _ := changed.Get(FieldTopic); v != "announcements" {
		t.Errorf("topic = %v", v)
	}
}

func TestNilAndEmptyOptionalDiffer(t *testing.T) {
	empty := ""
	a := Member{ID: "u1", Nickname: nil}
	b := Member{ID: "u1", Nickname: &empty}
	if a.Project().Equal(b.Project()) {
		t.Fatal("nil nickname and empty nickname must compare as different")
	}
}

func TestApplyRoundTripsChanges(t *testing.T) {
	nick := "zed"
	stored := Member{ID: "u1", DisplayName: "z", Discriminator: "0001"}
	live := Member{ID: "u1", DisplayName: "z", Discriminator: "0001", Nickname: &nick}

	stored.Apply(live.Project().Changed(stored.Project()))
	if !stored.Project().Equal(live.Project()) {
		t.Fatalf("after Apply: %+v, want %+v", stored, live)
	}

	parent := "cat"
	ch := Channel{ID: "c1", Name: "a", Type: ChannelText}
	want := Channel{ID: "c1", Name: "b", Type: ChannelNews, ParentID: &parent}
	ch.Apply(want.Project().Changed(ch.Project()))
	if !ch.Project().Equal(want.Project()) {
		t.Fatalf("after Apply: %+v, want %+v", ch, want)
	}
}

func TestKindRankOrdersDependencies(t *testing.T) {
	if !(KindScope.Rank() < KindChannel.Rank() && KindChannel.Rank() == KindMember.Rank() && KindMember.Rank() < KindMessage.Rank()) {
		t.Fatal("unexpected dependency ranks")
	}
	if KindVoiceSession.Rank() != KindMessage.Rank() {
		t.Fatal("voice sessions share the message tier")
	}
}
