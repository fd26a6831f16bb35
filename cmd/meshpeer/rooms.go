package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/spf13/cobra"
)

type roomInfo struct {
	Name      string          `json:"name"`
	Members   []domain.PeerID `json:"members"`
	Presenter *domain.PeerID  `json:"presenter"`
	CreatedAt time.Time       `json:"createdAt"`
	Capacity  int             `json:"capacity"`
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the hub's active rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base, err := apiBase(cfg.Client.ServerURL)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		rooms, err := fetchRooms(ctx, base)
		if err != nil {
			return err
		}
		fmt.Println(roomsView(rooms))
		return nil
	},
}

// apiBase turns the hub websocket URL into the base of its HTTP API.
func apiBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func fetchRooms(ctx context.Context, base string) ([]roomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/rooms", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub returned %s", resp.Status)
	}
	var body struct {
		Rooms []roomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return body.Rooms, nil
}
