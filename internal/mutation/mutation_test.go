package mutation

import (
	"testing"
	"time"

	"github.com/memohai/auditor/internal/entity"
)

func TestByKindOrdersByDependency(t *testing.T) {
	now := time.Now()
	b := Batch{ScopeID: "g1", Mutations: []Mutation{
		InsertMessage(entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m1"}),
		CloseVoice("g1", "u1", now),
		InsertMember(entity.Member{ScopeID: "g1", ID: "u1"}),
		InsertChannel(entity.Channel{ScopeID: "g1", ID: "c1"}),
		Unenroll("g1", now),
		InsertMessage(entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m2"}),
	}}

	groups := b.ByKind()
	var kinds []entity.Kind
	for _, g := range groups {
		kinds = append(kinds, g.Kind)
	}
	want := []entity.Kind{entity.KindScope, entity.KindMember, entity.KindChannel, entity.KindMessage, entity.KindVoiceSession}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	msgs := groups[3].Mutations
	if len(msgs) != 2 || msgs[0].EntityID != "m1" || msgs[1].EntityID != "m2" {
		t.Fatalf("message order not preserved: %v", msgs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{"insert channel", InsertChannel(entity.Channel{ScopeID: "g", ID: "c"}), false},
		{"missing scope", InsertChannel(entity.Channel{ID: "c"}), true},
		{"update without changes", UpdateChannel("g", "c", nil), true},
		{"soft delete without time", Mutation{Op: OpSoftDelete, Kind: entity.KindChannel, ScopeID: "g", EntityID: "c"}, true},
		{"mark edited", MarkEdited("g", "c", "m", "hi!", time.Now()), false},
		{"insert scope unsupported", Mutation{Op: OpInsert, Kind: entity.KindScope, ScopeID: "g", EntityID: "g"}, true},
		{"unknown op", Mutation{Op: "purge", Kind: entity.KindMessage, ScopeID: "g", EntityID: "m"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
