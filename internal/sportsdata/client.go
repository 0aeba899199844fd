// Package sportsdata talks to the external box-score and play-by-play
// provider. Every failure comes back as an error wrapping
// model.ErrUpstreamTimeout or model.ErrUpstreamUnavailable so callers can
// fall back to synthetic data.
package sportsdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/courtside/market-engine/internal/model"
)

// Client is the provider surface the engine uses.
type Client interface {
	GamesByDate(ctx context.Context, date time.Time) ([]model.GameSummary, error)
	PlayByPlay(ctx context.Context, gameID string) ([]model.ScoringPlay, error)
	PlayerGameStats(ctx context.Context, gameID string) ([]model.PlayerGameStats, error)
}

// Disabled is the client used when no provider is configured.
type Disabled struct{}

func (Disabled) GamesByDate(context.Context, time.Time) ([]model.GameSummary, error) {
	return nil, fmt.Errorf("%w: sports data disabled", model.ErrUpstreamUnavailable)
}

func (Disabled) PlayByPlay(context.Context, string) ([]model.ScoringPlay, error) {
	return nil, fmt.Errorf("%w: sports data disabled", model.ErrUpstreamUnavailable)
}

func (Disabled) PlayerGameStats(context.Context, string) ([]model.PlayerGameStats, error) {
	return nil, fmt.Errorf("%w: sports data disabled", model.ErrUpstreamUnavailable)
}

// APIError is a non-200 provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a provider client. A nil httpClient gets a 10s
// timeout.
func NewHTTPClient(httpClient *http.Client, host, apiKey string) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		host:       strings.TrimRight(host, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", model.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, &APIError{Status: resp.StatusCode, Body: string(body)})
	}
	return body, nil
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode: %v", model.ErrUpstreamUnavailable, err)
	}
	return nil
}

// --- Provider wire shapes ---

type team struct {
	Abbreviation string `json:"abbreviation"`
}

type gameJSON struct {
	ID          json.Number `json:"id"`
	HomeTeam    team        `json:"home_team"`
	VisitorTeam team        `json:"visitor_team"`
	Datetime    time.Time   `json:"datetime"`
	Status      string      `json:"status"`
}

type playJSON struct {
	Order     int    `json:"order"`
	Text      string `json:"text"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
	Period    int    `json:"period"`
	Clock     string `json:"clock"`
	Player    string `json:"player"`
}

type statJSON struct {
	Player struct {
		ID        json.Number `json:"id"`
		FirstName string      `json:"first_name"`
		LastName  string      `json:"last_name"`
	} `json:"player"`
	Min      string `json:"min"`
	Pts      int    `json:"pts"`
	Reb      int    `json:"reb"`
	Ast      int    `json:"ast"`
	Stl      int    `json:"stl"`
	Blk      int    `json:"blk"`
	Turnover int    `json:"turnover"`
	FGM      int    `json:"fgm"`
	FGA      int    `json:"fga"`
	FG3M     int    `json:"fg3m"`
	FG3A     int    `json:"fg3a"`
	FTM      int    `json:"ftm"`
	FTA      int    `json:"fta"`
}

type envelope[T any] struct {
	Data []T `json:"data"`
}

// GamesByDate lists the games scheduled on date (UTC day).
func (c *HTTPClient) GamesByDate(ctx context.Context, date time.Time) ([]model.GameSummary, error) {
	query := url.Values{}
	query.Set("dates[]", date.UTC().Format("2006-01-02"))
	body, err := c.doRequest(ctx, "/games", query)
	if err != nil {
		return nil, err
	}
	var env envelope[gameJSON]
	if err := decode(body, &env); err != nil {
		return nil, err
	}

	out := make([]model.GameSummary, 0, len(env.Data))
	for _, g := range env.Data {
		out = append(out, model.GameSummary{
			GameID:    g.ID.String(),
			HomeTeam:  g.HomeTeam.Abbreviation,
			AwayTeam:  g.VisitorTeam.Abbreviation,
			StartTime: g.Datetime,
			Status:    g.Status,
		})
	}
	return out, nil
}

// PlayByPlay returns a game's plays in feed order.
func (c *HTTPClient) PlayByPlay(ctx context.Context, gameID string) ([]model.ScoringPlay, error) {
	if gameID == "" {
		return nil, fmt.Errorf("%w: game id is required", model.ErrValidation)
	}
	body, err := c.doRequest(ctx, "/plays", url.Values{"game_id": {gameID}})
	if err != nil {
		return nil, err
	}
	var env envelope[playJSON]
	if err := decode(body, &env); err != nil {
		return nil, err
	}

	out := make([]model.ScoringPlay, 0, len(env.Data))
	for _, p := range env.Data {
		out = append(out, model.ScoringPlay{
			Sequence:  p.Order,
			Text:      p.Text,
			HomeScore: p.HomeScore,
			AwayScore: p.AwayScore,
			Quarter:   p.Period,
			Clock:     p.Clock,
			PlayerRef: p.Player,
		})
	}
	return out, nil
}

// PlayerGameStats returns the box score lines for a game.
func (c *HTTPClient) PlayerGameStats(ctx context.Context, gameID string) ([]model.PlayerGameStats, error) {
	if gameID == "" {
		return nil, fmt.Errorf("%w: game id is required", model.ErrValidation)
	}
	body, err := c.doRequest(ctx, "/stats", url.Values{"game_ids[]": {gameID}})
	if err != nil {
		return nil, err
	}
	var env envelope[statJSON]
	if err := decode(body, &env); err != nil {
		return nil, err
	}

	out := make([]model.PlayerGameStats, 0, len(env.Data))
	for _, s := range env.Data {
		mins, _ := strconv.ParseFloat(strings.SplitN(s.Min, ":", 2)[0], 64)
		out = append(out, model.PlayerGameStats{
			PlayerID:       s.Player.ID.String(),
			Name:           strings.TrimSpace(s.Player.FirstName + " " + s.Player.LastName),
			Minutes:        mins,
			Points:         s.Pts,
			Rebounds:       s.Reb,
			Assists:        s.Ast,
			Steals:         s.Stl,
			Blocks:         s.Blk,
			Turnovers:      s.Turnover,
			FieldGoalsMade: s.FGM,
			FieldGoalsAtt:  s.FGA,
			ThreesMade:     s.FG3M,
			ThreesAtt:      s.FG3A,
			FreeThrowsMade: s.FTM,
			FreeThrowsAtt:  s.FTA,
		})
	}
	return out, nil
}
