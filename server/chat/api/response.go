package api

import (
	"bizchat/server/chat/domain"
	"bizchat/server/common/transport/httpresp"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type RosterResponse = httpresp.ItemsResponse[domain.User]

type UnreadResponse struct {
	UserID string         `json:"user_id"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewHealthResponse(status string, sessions int) HealthResponse {
	return HealthResponse{Status: status, Sessions: sessions}
}

func NewRosterResponse(users []domain.User) RosterResponse {
	return httpresp.NewItemsResponse(users)
}

func NewUnreadResponse(userID string, counts map[string]int) UnreadResponse {
	if counts == nil {
		counts = map[string]int{}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return UnreadResponse{UserID: userID, Counts: counts, Total: total}
}
