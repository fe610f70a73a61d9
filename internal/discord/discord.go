// Package discord announces lobby activity through a Discord webhook.
package discord

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dcnet/kage/internal/kage"
)

// maxInFlight bounds concurrent webhook posts; extra notifications
// are dropped rather than queued.
const maxInFlight = 5

var games = [...]struct {
	name string
	icon string
}{
	{"Bomberman Online", "https://dcnet.flyca.st/gamepic/bomberman.jpg"},
	{"Outtrigger", "https://dcnet.flyca.st/gamepic/outtrigger.jpg"},
	{"Propeller Arena", "https://dcnet.flyca.st/gamepic/propeller.jpg"},
}

type message struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds"`
}

type embed struct {
	Author      author `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type author struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
}

// Webhook posts notifications to a Discord webhook URL. An empty URL
// disables posting entirely.
type Webhook struct {
	url      string
	client   *http.Client
	posts    *semaphore.Weighted
	joinGate *rate.Limiter
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		posts:    semaphore.NewWeighted(maxInFlight),
		joinGate: rate.NewLimiter(rate.Every(5*time.Minute), 1),
	}
}

// LobbyJoined announces a player entering a lobby. Announcements are
// rate limited to one per five minutes to keep the channel readable.
func (w *Webhook) LobbyJoined(game kage.Game, player string, lobbyPlayers []string) {
	if w.url == "" {
		return
	}
	if !w.joinGate.Allow() {
		return
	}
	w.post(game, "Player **"+player+"** joined the lobby", lobbyPlayers)
}

// RoomCreated announces a new game room.
func (w *Webhook) RoomCreated(game kage.Game, player, room string, lobbyPlayers []string) {
	if w.url == "" {
		return
	}
	w.post(game, "Player **"+player+"** created game room **"+room+"**", lobbyPlayers)
}

func (w *Webhook) post(game kage.Game, content string, lobbyPlayers []string) {
	if !w.posts.TryAcquire(1) {
		slog.Warn("discord notification dropped, too many in flight")
		return
	}

	var names strings.Builder
	for _, p := range lobbyPlayers {
		names.WriteString(p)
		names.WriteByte('\n')
	}
	msg := message{
		Content: content,
		Embeds: []embed{{
			Author:      author{Name: games[game].name, IconURL: games[game].icon},
			Title:       "Lobby Players",
			Description: names.String(),
			Color:       9118205,
		}},
	}

	go func() {
		defer w.posts.Release(1)
		w.send(msg)
	}()
}

func (w *Webhook) send(msg message) {
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("discord payload marshal failed", "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("discord request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DCNet-DiscordWebhook")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Error("discord post failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("discord rejected notification", "status", resp.StatusCode)
	}
}
