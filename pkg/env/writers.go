package env

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/robotalks/pop.go/pkg/events"
	"github.com/robotalks/pop.go/pkg/events/mqtt"
	"github.com/robotalks/pop.go/pkg/events/stream"
	"github.com/robotalks/pop.go/pkg/events/websocket"
)

// Stdout is where the "-" publisher writes.
var Stdout io.Writer = os.Stdout

// NewWriter creates a packet writer from a publisher URL.
func NewWriter(rawURL, source string) (events.PacketWriter, error) {
	if rawURL == "-" {
		return stream.NewWriter(struct{ io.Writer }{Stdout}), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid events URL: %v", err)
	}
	switch u.Scheme {
	case "mqtt", "mqtts", "tcp", "ssl":
		return mqtt.NewWriter(rawURL, source)
	case "ws", "wss":
		return websocket.Dial(rawURL)
	case "file":
		f, err := os.OpenFile(u.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		return stream.NewWriter(f), nil
	}
	return nil, fmt.Errorf("unknown events URL scheme: %q", u.Scheme)
}
