package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"sync-service/internal/broadcast"
	"sync-service/internal/errs"
	"sync-service/internal/protocol"
	"sync-service/internal/room"
)

// handleFrame runs on the client's read goroutine, so requests from one
// connection are handled in order.
func (s *Server) handleFrame(c *Client, f protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()

	switch f.Type {
	case protocol.TypePing:
		pong, err := protocol.NewFrame(f.ID, protocol.TypePong, nil)
		if err != nil {
			s.log.Error("encode pong", zap.Error(err))
			return
		}
		c.sendFrame(pong)

	case protocol.TypeCreateRoom, protocol.TypeJoinRoom:
		s.handleRoomRequest(ctx, c, f)

	case protocol.TypeLeaveRoom:
		res, err := s.rooms.LeaveRoom(ctx, c.id)
		if err != nil {
			s.log.Error("leave room", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
		s.hub.Assign(c, "")
		s.announceLeave(ctx, res)

	case protocol.TypeSyncPlay, protocol.TypeSyncPause, protocol.TypeSyncSeek, protocol.TypeSyncVideoLoad:
		kind, _ := broadcast.KindForType(f.Type)
		var req protocol.SyncRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			s.log.Debug("bad sync payload", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
		if _, err := s.auth.SubmitPlaybackCommand(ctx, c.id, kind, req); err != nil {
			s.logCommandError(c, kind, err)
		}

	default:
		s.log.Debug("unknown frame type", zap.String("conn_id", c.id), zap.String("type", f.Type))
		if f.ID != "" {
			s.ack(c, f.ID, nil, errs.ErrInvalidPayload)
		}
	}
}

func (s *Server) handleRoomRequest(ctx context.Context, c *Client, f protocol.Frame) {
	var req protocol.RoomRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		s.ack(c, f.ID, nil, errs.ErrInvalidPayload)
		return
	}

	var res *room.JoinResult
	var err error
	if f.Type == protocol.TypeCreateRoom {
		res, err = s.rooms.CreateRoom(ctx, req.RoomCode, c.id)
	} else {
		res, err = s.rooms.JoinRoom(ctx, req.RoomCode, c.id)
	}
	if err != nil {
		s.ack(c, f.ID, nil, err)
		return
	}

	s.hub.Assign(c, res.Room.Code)
	s.ack(c, f.ID, res.Room.View(), nil)
	s.announceLeave(ctx, res.Left)

	if f.Type != protocol.TypeJoinRoom {
		return
	}
	if res.Added {
		s.publish(ctx, res.Room.Code, c.id, protocol.TypeUserJoined, protocol.UserJoined{
			UserID:           c.id,
			RoomCode:         res.Room.Code,
			ParticipantCount: len(res.Room.Members),
		})
	}
	if res.NewHost != "" {
		s.publish(ctx, res.Room.Code, c.id, protocol.TypeHostChanged, protocol.HostChanged{
			NewHostID: res.NewHost,
			RoomCode:  res.Room.Code,
		})
	}
	if res.Room.State != nil {
		initial, err := protocol.NewFrame("", protocol.TypePlaybackSync, res.Room.State)
		if err == nil {
			c.sendFrame(initial)
		}
	}
}

// handleDisconnect treats a dropped connection as leave-room.
func (s *Server) handleDisconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()

	res, err := s.rooms.LeaveRoom(ctx, c.id)
	if err != nil {
		s.log.Error("leave on disconnect", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	s.log.Debug("ws disconnected", zap.String("conn_id", c.id))
	s.announceLeave(ctx, res)
}

func (s *Server) announceLeave(ctx context.Context, res *room.LeaveResult) {
	if res == nil || res.Deleted {
		return
	}
	s.publish(ctx, res.Code, res.UserID, protocol.TypeUserLeft, protocol.UserLeft{
		UserID:           res.UserID,
		RoomCode:         res.Code,
		ParticipantCount: res.Remaining,
	})
	if res.NewHost != "" {
		s.publish(ctx, res.Code, res.UserID, protocol.TypeHostChanged, protocol.HostChanged{
			NewHostID: res.NewHost,
			RoomCode:  res.Code,
		})
	}
}

func (s *Server) publish(ctx context.Context, code, exclude, event string, payload any) {
	env, err := protocol.NewEnvelope(code, exclude, event, payload)
	if err != nil {
		s.log.Error("encode envelope", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.Error("publish", zap.String("room_code", code), zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) ack(c *Client, id string, r *protocol.Room, err error) {
	a := protocol.Ack{Success: err == nil, Room: r}
	if err != nil {
		a.Code = errs.Code(err)
		if a.Code == errs.CodeInternal {
			s.log.Error("request failed", zap.String("conn_id", c.id), zap.Error(err))
			a.Error = "internal error"
		} else {
			a.Error = err.Error()
		}
	}
	f, ferr := protocol.NewFrame(id, protocol.TypeAck, a)
	if ferr != nil {
		s.log.Error("encode ack", zap.Error(ferr))
		return
	}
	c.sendFrame(f)
}

func (s *Server) logCommandError(c *Client, kind broadcast.Kind, err error) {
	fields := []zap.Field{zap.String("conn_id", c.id), zap.String("kind", string(kind)), zap.Error(err)}
	switch {
	case errors.Is(err, errs.ErrThrottled), errors.Is(err, errs.ErrStaleState),
		errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrInvalidPayload):
		s.log.Debug("command dropped", fields...)
	case errors.Is(err, errs.ErrRoomNotFound):
		s.log.Warn("command dropped", fields...)
	default:
		s.log.Error("command failed", fields...)
	}
}
