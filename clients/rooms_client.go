package clients

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/encoding/json"
)

// RoomsClient consumes the non-realtime room directory API. It is
// polled on a fixed cadence and is not part of the sync core.
type RoomsClient struct {
	*BaseClient
}

// RoomInfo describes an active room in the directory listing.
type RoomInfo struct {
	ID             string    `json:"id"`
	UserCount      int       `json:"userCount"`
	Creator        string    `json:"creator"`
	CreatedAt      time.Time `json:"createdAt"`
	CreatedTimeAgo string    `json:"createdTimeAgo"`
}

// RoomUser is a member of a specific room.
type RoomUser struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

func NewRoomsClient(baseURL string) *RoomsClient {
	return &RoomsClient{BaseClient: NewBaseClient(baseURL)}
}

// ListRooms fetches the active room directory. CreatedTimeAgo is
// filled client-side when the server omits it.
func (c *RoomsClient) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	body, err := c.Get(ctx, "/api/rooms")
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	var response struct {
		Rooms []RoomInfo `json:"rooms"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode room list: %w", err)
	}

	for i := range response.Rooms {
		room := &response.Rooms[i]
		if room.CreatedTimeAgo == "" && !room.CreatedAt.IsZero() {
			room.CreatedTimeAgo = humanize.Time(room.CreatedAt)
		}
	}
	return response.Rooms, nil
}

// ListRoomUsers fetches the members of one room.
func (c *RoomsClient) ListRoomUsers(ctx context.Context, roomCode string) ([]RoomUser, error) {
	body, err := c.Get(ctx, "/api/rooms/"+url.PathEscape(roomCode)+"/users")
	if err != nil {
		return nil, fmt.Errorf("failed to list room users: %w", err)
	}

	var response struct {
		Users []RoomUser `json:"users"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode room users: %w", err)
	}
	return response.Users, nil
}
