package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"buddy_client/client/buddy/domain"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/common/transport/httpresp"
	"buddy_client/client/gateway"
)

const (
	pathGoals      = "/goals"
	pathGoal       = "/goals/"
	pathActive     = "/goals/active"
	pathCategories = "/goals/categories"
)

func (s *Service) Goals(ctx context.Context) ([]domain.Goal, error) {
	return list[domain.Goal](ctx, s.gw, pathGoals, "goals")
}

func (s *Service) ActiveGoals(ctx context.Context) ([]domain.Goal, error) {
	return list[domain.Goal](ctx, s.gw, pathActive, "activeGoals")
}

func (s *Service) Goal(ctx context.Context, id string) (domain.Goal, error) {
	path, err := idPath(pathGoal, id)
	if err != nil {
		return domain.Goal{}, err
	}
	var raw json.RawMessage
	if err := s.gw.Call(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return domain.Goal{}, err
	}
	g, ok, err := unwrapObject[domain.Goal](raw, "goal")
	if err != nil {
		return domain.Goal{}, badResponse(path, err)
	}
	if !ok {
		return domain.Goal{}, gateway.NewError(gateway.KindNotFound, "Goal not found.")
	}
	return g, nil
}

type createGoalResponse struct {
	Message string       `json:"message"`
	GoalID  httpresp.ID  `json:"goalId"`
	Goal    *domain.Goal `json:"goal"`
}

// CreateGoal returns the stored goal. When the backend only acknowledges
// with an id, the goal is rebuilt from the input.
func (s *Service) CreateGoal(ctx context.Context, in domain.GoalInput) (domain.Goal, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.TrimSpace(in.Category)
	if in.Title == "" {
		return domain.Goal{}, gateway.NewError(gateway.KindValidation, "Goal title is required.")
	}
	if in.Category == "" {
		return domain.Goal{}, gateway.NewError(gateway.KindValidation, "Goal category is required.")
	}

	var resp createGoalResponse
	if err := s.gw.Call(ctx, http.MethodPost, pathGoals, in, &resp); err != nil {
		return domain.Goal{}, err
	}
	commonlog.Infof("event=buddy_call action=create_goal status=ok goal_id=%s", resp.GoalID)
	if resp.Goal != nil && !resp.Goal.ID.Empty() {
		return *resp.Goal, nil
	}
	return domain.Goal{
		ID:          resp.GoalID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Type:        in.Type,
		Difficulty:  in.Difficulty,
		Status:      domain.StatusActive,
		StartDate:   in.StartDate,
		TargetDate:  in.TargetDate,
		TargetValue: in.TargetValue,
		TargetUnit:  in.TargetUnit,
		IsPublic:    in.IsPublic,
		MaxBuddies:  in.MaxBuddies,
	}, nil
}

func (s *Service) UpdateGoal(ctx context.Context, id string, patch domain.GoalPatch) (domain.Goal, error) {
	path, err := idPath(pathGoal, id)
	if err != nil {
		return domain.Goal{}, err
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.Goal{}, gateway.NewError(gateway.KindValidation, "Goal title cannot be empty.")
	}
	var raw json.RawMessage
	if err := s.gw.Call(ctx, http.MethodPut, path, patch, &raw); err != nil {
		return domain.Goal{}, err
	}
	g, ok, err := unwrapObject[domain.Goal](raw, "goal")
	if err != nil {
		return domain.Goal{}, badResponse(path, err)
	}
	if !ok || g.ID.Empty() {
		return s.Goal(ctx, id)
	}
	return g, nil
}

func (s *Service) DeleteGoal(ctx context.Context, id string) error {
	path, err := idPath(pathGoal, id)
	if err != nil {
		return err
	}
	_, err = s.message(ctx, http.MethodDelete, path, nil)
	return err
}

type progressRequest struct {
	Progress int `json:"progress"`
}

type progressResponse struct {
	Message     string       `json:"message"`
	IsCompleted bool         `json:"isCompleted"`
	Goal        *domain.Goal `json:"goal"`
}

func (s *Service) UpdateProgress(ctx context.Context, id string, progress int) (domain.ProgressResult, error) {
	path, err := idPath(pathGoal, id)
	if err != nil {
		return domain.ProgressResult{}, err
	}
	if progress < 0 {
		return domain.ProgressResult{}, gateway.NewError(gateway.KindValidation, "Progress cannot be negative.")
	}
	var resp progressResponse
	if err := s.gw.Call(ctx, http.MethodPost, path+"/progress", progressRequest{Progress: progress}, &resp); err != nil {
		return domain.ProgressResult{}, err
	}
	completed := resp.IsCompleted || (resp.Goal != nil && resp.Goal.Completed())
	return domain.ProgressResult{Message: resp.Message, Completed: completed, Goal: resp.Goal}, nil
}

func (s *Service) Categories(ctx context.Context) (domain.Categories, error) {
	var out domain.Categories
	if err := s.gw.Call(ctx, http.MethodGet, pathCategories, nil, &out); err != nil {
		return domain.Categories{}, err
	}
	return out, nil
}
