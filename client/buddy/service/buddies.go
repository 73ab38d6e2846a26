package service

import (
	"context"
	"encoding/json"
	"net/http"

	"buddy_client/client/buddy/domain"
	commonlog "buddy_client/client/common/log"
)

const (
	pathRequest         = "/buddies/request/"
	pathAccept          = "/buddies/accept/"
	pathReject          = "/buddies/reject/"
	pathMyBuddies       = "/buddies/my-buddies"
	pathPending         = "/buddies/pending-requests"
	pathRecommendations = "/buddies/recommendations"
)

func (s *Service) MyBuddies(ctx context.Context) ([]domain.Buddy, error) {
	return list[domain.Buddy](ctx, s.gw, pathMyBuddies, "buddies")
}

func (s *Service) PendingRequests(ctx context.Context) ([]domain.PendingRequest, error) {
	return list[domain.PendingRequest](ctx, s.gw, pathPending, "pendingRequests")
}

func (s *Service) Recommendations(ctx context.Context) ([]domain.Recommendation, error) {
	return list[domain.Recommendation](ctx, s.gw, pathRecommendations, "recommendations")
}

// RequestBuddy asks the owner of goalID to pair up.
func (s *Service) RequestBuddy(ctx context.Context, goalID string) (domain.RequestAck, error) {
	path, err := idPath(pathRequest, goalID)
	if err != nil {
		return domain.RequestAck{}, err
	}
	var ack domain.RequestAck
	if err := s.gw.Call(ctx, http.MethodPost, path, nil, &ack); err != nil {
		return domain.RequestAck{}, err
	}
	commonlog.Infof("event=buddy_call action=request status=ok goal_id=%s relationship_id=%s", goalID, ack.RelationshipID)
	return ack, nil
}

// AcceptBuddy accepts a pending request and returns the new buddy.
func (s *Service) AcceptBuddy(ctx context.Context, relationshipID string) (domain.UserSummary, error) {
	path, err := idPath(pathAccept, relationshipID)
	if err != nil {
		return domain.UserSummary{}, err
	}
	var raw json.RawMessage
	if err := s.gw.Call(ctx, http.MethodPost, path, nil, &raw); err != nil {
		return domain.UserSummary{}, err
	}
	buddy, _, err := unwrapObject[domain.UserSummary](raw, "buddy")
	if err != nil {
		return domain.UserSummary{}, badResponse(path, err)
	}
	return buddy, nil
}

func (s *Service) RejectBuddy(ctx context.Context, relationshipID string) error {
	path, err := idPath(pathReject, relationshipID)
	if err != nil {
		return err
	}
	_, err = s.message(ctx, http.MethodDelete, path, nil)
	return err
}
