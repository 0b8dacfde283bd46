package call

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petervdpas/callhub/internal/proto"
)

// HandleEnvelope decodes one inbound frame from c and routes it. Malformed
// frames are answered with an error event on c and reported through the
// returned error; they never change router state.
func (m *Manager) HandleEnvelope(c Conn, env proto.Envelope) error {
	switch env.Event {
	case proto.EventRegister:
		var req proto.RegisterMsg
		if err := m.decode(c, env, &req); err != nil {
			return err
		}
		return m.Register(c, req.Identity)

	case proto.EventCall:
		var req proto.CallMsg
		if err := m.decode(c, env, &req); err != nil {
			return err
		}
		req.ReceiverID = strings.TrimSpace(req.ReceiverID)
		req.CallerID = strings.TrimSpace(req.CallerID)
		return m.Call(c, req)

	case proto.EventAccept:
		var req proto.AcceptMsg
		if err := m.decode(c, env, &req); err != nil {
			return err
		}
		if req.CallerID == "" {
			return m.invalid(c, "callerId is required")
		}
		return m.Accept(c, req)

	case proto.EventDecline:
		var req proto.DeclineMsg
		if err := m.decode(c, env, &req); err != nil {
			return err
		}
		if req.CallerID == "" {
			return m.invalid(c, "callerId is required")
		}
		return m.Decline(c, req.CallerID)

	case proto.EventEnd:
		var req proto.EndMsg
		if len(env.Data) > 0 {
			if err := m.decode(c, env, &req); err != nil {
				return err
			}
		}
		return m.End(c, req)

	case proto.EventCancel:
		return m.Cancel(c)

	case proto.EventQueryPresence:
		return m.QueryPresence(c)

	case proto.EventStatus:
		var req proto.StatusMsg
		if err := m.decode(c, env, &req); err != nil {
			return err
		}
		return m.Announce(c, req.Status)

	default:
		m.reject(c, codeUnknownEvent, fmt.Sprintf("unknown event %q", env.Event))
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func (m *Manager) decode(c Conn, env proto.Envelope, v any) error {
	if len(env.Data) == 0 {
		return m.invalid(c, env.Event+": missing data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return m.invalid(c, env.Event+": "+err.Error())
	}
	return nil
}

func (m *Manager) invalid(c Conn, msg string) error {
	m.reject(c, codeInvalidPayload, msg)
	return fmt.Errorf("%w: %s", ErrInvalidPayload, msg)
}
