package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/offline"
	"github.com/binomepay/binomepay-go/internal/platform/store"
)

// errEmptyResult fails a replay whose call succeeded without a record, so the
// action stays queued for another attempt.
var errEmptyResult = errors.New("backend returned no result")

// ReplayHandlers returns the dispatch table used to drain the offline queue.
func (s *Service) ReplayHandlers() offline.Handlers {
	return offline.Handlers{
		offline.TypeCreateRequest:    s.replayCreateRequest,
		offline.TypeSendMessage:      s.replaySendMessage,
		offline.TypeAcceptSuggestion: s.replayAcceptSuggestion,
		offline.TypeUpdateProfile:    s.replayUpdateProfile,
	}
}

func (s *Service) replayCreateRequest(ctx context.Context, a offline.Action) error {
	p, err := offline.DecodePayload[offline.CreateRequestPayload](a)
	if err != nil {
		return err
	}
	created, err := s.remote.CreateRequest(ctx, a.UserID, p.Request)
	if err != nil {
		return err
	}
	if created == nil {
		return errEmptyResult
	}
	s.state.ReplaceRequest(p.TempID, *created)
	return nil
}

func (s *Service) replaySendMessage(ctx context.Context, a offline.Action) error {
	p, err := offline.DecodePayload[offline.SendMessagePayload](a)
	if err != nil {
		return err
	}
	conversationID := s.resolve(ctx, p.ConversationID)
	if domain.IsTempID(conversationID) {
		return fmt.Errorf("conversation %s not confirmed yet", p.ConversationID)
	}
	sent, err := s.remote.SendMessage(ctx, conversationID, p.Content, a.UserID)
	if err != nil {
		return err
	}
	if sent == nil {
		return errEmptyResult
	}
	s.state.ReplaceMessage(p.TempID, *sent)
	return nil
}

func (s *Service) replayAcceptSuggestion(ctx context.Context, a offline.Action) error {
	p, err := offline.DecodePayload[offline.AcceptSuggestionPayload](a)
	if err != nil {
		return err
	}
	res, err := s.remote.AcceptSuggestion(ctx, p.SuggestionID, a.UserID)
	if err != nil {
		return err
	}
	if res == nil {
		return errEmptyResult
	}
	aliases := map[string]string{}
	if res.ConversationID != "" && res.ConversationID != p.ConversationID {
		s.state.RekeyConversation(p.ConversationID, res.ConversationID)
		aliases[p.ConversationID] = res.ConversationID
	}
	if res.MatchID != "" && res.MatchID != p.MatchID {
		s.state.RekeyMatch(p.MatchID, res.MatchID)
		aliases[p.MatchID] = res.MatchID
	}
	return s.addAliases(ctx, aliases)
}

func (s *Service) replayUpdateProfile(ctx context.Context, a offline.Action) error {
	p, err := offline.DecodePayload[offline.UpdateProfilePayload](a)
	if err != nil {
		return err
	}
	updated, err := s.remote.UpdateUserProfile(ctx, a.UserID, p.Patch)
	if err != nil {
		return err
	}
	if updated == nil {
		return errEmptyResult
	}
	s.state.SetUser(updated)
	return nil
}

func (s *Service) loadAliases(ctx context.Context) (map[string]string, error) {
	aliases := map[string]string{}
	err := store.GetJSON(ctx, s.store, aliasesKey, &aliases)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return aliases, nil
}

func (s *Service) addAliases(ctx context.Context, add map[string]string) error {
	if len(add) == 0 {
		return nil
	}
	s.aliasesMu.Lock()
	defer s.aliasesMu.Unlock()

	aliases, err := s.loadAliases(ctx)
	if err != nil {
		return err
	}
	for k, v := range add {
		aliases[k] = v
	}
	return store.SetJSON(ctx, s.store, aliasesKey, aliases)
}

// resolve maps a locally synthesized id to its server id, if known.
func (s *Service) resolve(ctx context.Context, id string) string {
	if !domain.IsTempID(id) {
		return id
	}
	s.aliasesMu.Lock()
	defer s.aliasesMu.Unlock()

	aliases, err := s.loadAliases(ctx)
	if err != nil {
		s.logger.Warn("failed to load id aliases", "error", err)
		return id
	}
	if mapped, ok := aliases[id]; ok {
		return mapped
	}
	return id
}
