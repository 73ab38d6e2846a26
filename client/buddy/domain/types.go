package domain

import (
	"strings"

	"buddy_client/client/common/transport/httpresp"
)

const (
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
	StatusPaused    = "PAUSED"
	StatusCancelled = "CANCELLED"
)

type Goal struct {
	ID                 httpresp.ID `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Category           string      `json:"category"`
	Type               string      `json:"type"`
	Difficulty         string      `json:"difficulty"`
	Status             string      `json:"status"`
	StartDate          string      `json:"startDate"`
	TargetDate         string      `json:"targetDate"`
	TargetValue        *int        `json:"targetValue"`
	TargetUnit         string      `json:"targetUnit"`
	CurrentProgress    int         `json:"currentProgress"`
	IsPublic           bool        `json:"isPublic"`
	MaxBuddies         int         `json:"maxBuddies"`
	ProgressPercentage float64     `json:"progressPercentage"`
}

func (g Goal) Completed() bool {
	return strings.EqualFold(g.Status, StatusCompleted)
}

// GoalInput is the body of a create request.
type GoalInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Type        string `json:"type,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
	StartDate   string `json:"startDate,omitempty"`
	TargetDate  string `json:"targetDate,omitempty"`
	TargetValue *int   `json:"targetValue,omitempty"`
	TargetUnit  string `json:"targetUnit,omitempty"`
	IsPublic    bool   `json:"isPublic"`
	MaxBuddies  int    `json:"maxBuddies,omitempty"`
}

// GoalPatch carries only the fields being changed.
type GoalPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	TargetDate  *string `json:"targetDate,omitempty"`
	IsPublic    *bool   `json:"isPublic,omitempty"`
}

type ProgressResult struct {
	Message   string
	Completed bool
	Goal      *Goal
}

type Categories struct {
	Categories   []string `json:"categories"`
	Types        []string `json:"types"`
	Difficulties []string `json:"difficulties"`
	Statuses     []string `json:"statuses"`
}

type UserSummary struct {
	ID        httpresp.ID `json:"id"`
	Username  string      `json:"username"`
	FirstName string      `json:"firstName"`
	LastName  string      `json:"lastName"`
}

func (u UserSummary) DisplayName() string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

type Buddy struct {
	RelationshipID     httpresp.ID `json:"relationshipId"`
	Buddy              UserSummary `json:"buddy"`
	Goal               *Goal       `json:"goal"`
	CompatibilityScore float64     `json:"compatibilityScore"`
	DaysActive         int         `json:"daysActive"`
	InteractionCount   int         `json:"interactionCount"`
}

type PendingRequest struct {
	RelationshipID     httpresp.ID `json:"relationshipId"`
	Requester          UserSummary `json:"requester"`
	Goal               *Goal       `json:"goal"`
	CompatibilityScore float64     `json:"compatibilityScore"`
	RequestDate        string      `json:"requestDate"`
}

type Recommendation struct {
	Goal               Goal        `json:"goal"`
	GoalOwner          UserSummary `json:"goalOwner"`
	CompatibilityScore float64     `json:"compatibilityScore"`
	DaysRemaining      int         `json:"daysRemaining"`
	ProgressPercentage float64     `json:"progressPercentage"`
}

type RequestAck struct {
	Message        string      `json:"message"`
	RelationshipID httpresp.ID `json:"relationshipId"`
	Status         string      `json:"status"`
}
