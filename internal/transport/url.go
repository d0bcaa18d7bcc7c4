package transport

import (
	"errors"
	"fmt"
	"net/url"
)

// endpointPath is the WebSocket path on the assistant service.
const endpointPath = "/ws"

// ResolveURL returns the WebSocket URL to dial. An explicit rawURL (ws or
// wss) wins. Otherwise the URL is derived from origin: http becomes ws, https
// becomes wss, and the path is replaced with /ws.
func ResolveURL(rawURL, origin string) (string, error) {
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("transport: parse url %q: %w", rawURL, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("transport: url %q: scheme must be ws or wss", rawURL)
		}
		if u.Host == "" {
			return "", fmt.Errorf("transport: url %q: missing host", rawURL)
		}
		return u.String(), nil
	}

	if origin == "" {
		return "", errors.New("transport: either url or origin must be set")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("transport: parse origin %q: %w", origin, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: origin %q: scheme must be http or https", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: origin %q: missing host", origin)
	}
	u.Path = endpointPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}
