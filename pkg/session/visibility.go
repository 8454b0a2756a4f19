package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/page-presence/pkg/otelhelper"
	"github.com/example/page-presence/pkg/presence"
)

// VisibilitySource is the external preference collaborator: a per-user
// default plus per-URL overrides. The presence engine consults it before
// joining but does not own or cache the state.
type VisibilitySource interface {
	Visible(ctx context.Context, userID, rawURL string) (bool, error)
}

const visibilityRequestTimeout = 2 * time.Second

// NATSVisibility resolves visibility preferences from the backend over
// request/reply on presence.visibility.{userId}.
type NATSVisibility struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSVisibility wraps a NATS connection as a VisibilitySource.
func NewNATSVisibility(nc *nats.Conn) *NATSVisibility {
	return &NATSVisibility{conn: nc, timeout: visibilityRequestTimeout}
}

func (v *NATSVisibility) Visible(ctx context.Context, userID, rawURL string) (bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	msg, err := v.conn.RequestMsgWithContext(ctx, &nats.Msg{
		Subject: "presence.visibility." + userID,
		Header:  otelhelper.InjectContext(ctx),
	})
	if err != nil {
		return false, &presence.TransientTransportError{Op: "visibility", Err: err}
	}

	prefs, err := decodeVisibilityReply(msg.Data)
	if err != nil {
		return false, err
	}
	return prefs.Decide(rawURL), nil
}

// decodeVisibilityReply parses a visibility response, turning the
// responder's error replies into errors rather than a prefs document
// that silently hides (or shows) the user.
func decodeVisibilityReply(data []byte) (presence.VisibilityPrefs, error) {
	var reply struct {
		presence.VisibilityPrefs
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return presence.VisibilityPrefs{}, fmt.Errorf("visibility reply: %w", err)
	}
	if reply.Error != "" {
		return presence.VisibilityPrefs{}, &presence.ServiceError{Op: "visibility", Err: errors.New(reply.Error)}
	}
	return reply.VisibilityPrefs, nil
}
