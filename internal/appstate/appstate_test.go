package appstate_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/appstate"
	"github.com/binomepay/binomepay-go/internal/domain"
)

func TestSelectorsReturnCopies(t *testing.T) {
	s := appstate.New()
	s.SetConversations([]domain.Conversation{{
		ID:           "c_1",
		MatchDetails: &domain.MatchDetails{Amount: decimal.NewFromInt(200), Currency: "EUR"},
	}})
	s.SetRequests([]domain.Request{{ID: "r_1", Status: domain.RequestOpen}})

	cs := s.Conversations()
	cs[0].UnreadCount = 9
	cs[0].MatchDetails.Currency = "XOF"
	rs := s.Requests()
	rs[0].Status = domain.RequestClosed

	c, _ := s.Conversation("c_1")
	if c.UnreadCount != 0 || c.MatchDetails.Currency != "EUR" {
		t.Errorf("conversation mutated through selector: %+v", c)
	}
	if s.Requests()[0].Status != domain.RequestOpen {
		t.Error("request mutated through selector")
	}
}

func TestReplaceRequest(t *testing.T) {
	s := appstate.New()
	s.SetRequests([]domain.Request{{ID: "r_0"}})
	s.AddRequest(domain.Request{ID: "temp_1", Status: domain.RequestOpen})

	rs := s.Requests()
	if len(rs) != 2 || rs[0].ID != "temp_1" {
		t.Fatalf("requests = %+v", rs)
	}

	s.ReplaceRequest("temp_1", domain.Request{ID: "r_1", Status: domain.RequestOpen})
	rs = s.Requests()
	if len(rs) != 2 || rs[0].ID != "r_1" || rs[1].ID != "r_0" {
		t.Errorf("after replace = %+v", rs)
	}

	// The temp record is gone and the server record is already present.
	s.ReplaceRequest("temp_1", domain.Request{ID: "r_1", Status: domain.RequestMatched})
	rs = s.Requests()
	if len(rs) != 2 || rs[0].ID != "r_1" || rs[0].Status != domain.RequestMatched {
		t.Errorf("after second replace = %+v", rs)
	}
}

func TestRekeyConversationMovesMessages(t *testing.T) {
	s := appstate.New()
	s.AddConversation(domain.Conversation{ID: "local_c1"})
	s.SetSuggestions([]domain.Suggestion{{ID: "s_1"}})
	s.MarkSuggestionAccepted("s_1", "local_c1")
	s.AppendMessage(domain.Message{ID: "temp_m", ConversationID: "local_c1", Content: "Bonjour"})

	if !s.RekeyConversation("local_c1", "c_9") {
		t.Fatal("RekeyConversation returned false")
	}
	if _, ok := s.Conversation("local_c1"); ok {
		t.Error("old conversation id still present")
	}
	msgs := s.Messages("c_9")
	if len(msgs) != 1 || msgs[0].ConversationID != "c_9" {
		t.Errorf("messages = %+v", msgs)
	}
	if sg, _ := s.Suggestion("s_1"); sg.ConversationID != "c_9" {
		t.Errorf("suggestion conversation = %q", sg.ConversationID)
	}
}

func TestMarkSuggestionAcceptedIsOneWay(t *testing.T) {
	s := appstate.New()
	s.SetSuggestions([]domain.Suggestion{{ID: "s_1"}})

	if !s.MarkSuggestionAccepted("s_1", "c_1") {
		t.Fatal("expected true")
	}
	s.MarkSuggestionAccepted("s_1", "c_2")
	sg, _ := s.Suggestion("s_1")
	if !sg.IsAccepted || sg.ConversationID != "c_1" {
		t.Errorf("suggestion = %+v", sg)
	}
	if s.MarkSuggestionAccepted("missing", "c_1") {
		t.Error("unknown suggestion should return false")
	}
}

func TestUnreadCounters(t *testing.T) {
	s := appstate.New()
	s.SetConversations([]domain.Conversation{{ID: "c_1", UnreadCount: 1}, {ID: "c_2"}})

	s.IncrementUnread("c_1", 2)
	s.IncrementUnread("c_2", -5)
	if got := s.UnreadTotal(); got != 3 {
		t.Errorf("UnreadTotal = %d, want 3", got)
	}
	if c, _ := s.Conversation("c_2"); c.UnreadCount != 0 {
		t.Errorf("unread went negative: %d", c.UnreadCount)
	}
	s.MarkConversationRead("c_1")
	if got := s.UnreadTotal(); got != 0 {
		t.Errorf("UnreadTotal after read = %d", got)
	}
}

func TestAppendMessageUpdatesPreview(t *testing.T) {
	s := appstate.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetConversations([]domain.Conversation{{ID: "c_1", UpdatedAt: at.Add(-time.Hour)}})
	s.AppendMessage(domain.Message{ID: "m_1", ConversationID: "c_1", Content: "Ça marche", CreatedAt: at})

	c, _ := s.Conversation("c_1")
	if c.LastMessage != "Ça marche" || !c.UpdatedAt.Equal(at) {
		t.Errorf("conversation = %+v", c)
	}

	if !s.ReplaceMessage("m_1", domain.Message{ID: "m_srv", ConversationID: "c_1", Content: "Ça marche"}) {
		t.Error("ReplaceMessage returned false")
	}
	if msgs := s.Messages("c_1"); len(msgs) != 1 || msgs[0].ID != "m_srv" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSubscribe(t *testing.T) {
	s := appstate.New()
	var got []appstate.Change
	unsubscribe := s.Subscribe(func(c appstate.Change) { got = append(got, c) })

	s.AddMatch(domain.Match{ID: "m_1"})
	s.IncrementNotifications()
	unsubscribe()
	s.AddMatch(domain.Match{ID: "m_2"})

	if len(got) != 2 {
		t.Fatalf("changes = %+v", got)
	}
	if got[0] != (appstate.Change{Topic: appstate.TopicMatches, ID: "m_1"}) || got[1].Topic != appstate.TopicNotifications {
		t.Errorf("changes = %+v", got)
	}
}

func TestHydrateAndReset(t *testing.T) {
	s := appstate.New()
	s.Hydrate(&domain.Snapshot{
		User:     &domain.User{ID: "u_1", DisplayName: "Awa"},
		Requests: []domain.Request{{ID: "r_1"}},
	})
	if u, ok := s.User(); !ok || u.DisplayName != "Awa" {
		t.Errorf("user = %+v, %v", u, ok)
	}
	if len(s.Requests()) != 1 {
		t.Error("requests not hydrated")
	}

	u, ok := s.PatchUser(domain.ProfilePatch{DisplayName: ptr("Awa D.")}, time.Now())
	if !ok || u.DisplayName != "Awa D." {
		t.Errorf("PatchUser = %+v, %v", u, ok)
	}

	s.IncrementNotifications()
	s.Reset()
	if _, ok := s.User(); ok {
		t.Error("user survived reset")
	}
	if s.NotificationCount() != 0 || len(s.Requests()) != 0 {
		t.Error("state survived reset")
	}
}

func ptr[T any](v T) *T { return &v }

func TestRemoveRecords(t *testing.T) {
	s := appstate.New()
	s.SetRequests([]domain.Request{{ID: "r_1"}, {ID: "temp_1"}})
	s.SetConversations([]domain.Conversation{{ID: "c_1"}})
	s.AppendMessage(domain.Message{ID: "m_1", ConversationID: "c_1", Content: "ok"})
	s.AppendMessage(domain.Message{ID: "temp_m", ConversationID: "c_1", Content: "ok"})

	if !s.RemoveRequest("temp_1") {
		t.Error("RemoveRequest(temp_1) = false")
	}
	if s.RemoveRequest("temp_1") {
		t.Error("second RemoveRequest(temp_1) = true")
	}
	if rs := s.Requests(); len(rs) != 1 || rs[0].ID != "r_1" {
		t.Errorf("requests = %+v", rs)
	}

	if !s.RemoveMessage("c_1", "temp_m") {
		t.Error("RemoveMessage(temp_m) = false")
	}
	if s.RemoveMessage("c_2", "m_1") {
		t.Error("RemoveMessage on another conversation = true")
	}
	if msgs := s.Messages("c_1"); len(msgs) != 1 || msgs[0].ID != "m_1" {
		t.Errorf("messages = %+v", msgs)
	}
}
