package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const (
	maxBotRedirects = 10
	botHost         = "bot.internal"
)

// InProcessClient sends bot requests straight into the fiber app, without a
// network listener, and follows redirects the way a browser would.
type InProcessClient struct {
	app *fiber.App
}

func NewInProcessClient(app *fiber.App) *InProcessClient {
	return &InProcessClient{app: app}
}

func (b *InProcessClient) Do(req *http.Request) (*http.Response, error) {
	for redirects := 0; ; redirects++ {
		if req.Host == "" && req.URL.Host == "" {
			req.Host = botHost
		}
		resp, err := b.app.Test(req, -1)
		if err != nil {
			return nil, err
		}
		location := resp.Header.Get("Location")
		if resp.StatusCode < 300 || resp.StatusCode >= 400 || location == "" {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if redirects == maxBotRedirects {
			return nil, fmt.Errorf("bot: stopped after %d redirects at %s", maxBotRedirects, location)
		}
		target, err := req.URL.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("bot: bad redirect %q: %w", location, err)
		}
		req, err = http.NewRequestWithContext(req.Context(), http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
	}
}
