package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/protocol"
)

func (s *Session) onAuthenticate(data []byte) error {
	if s.phaseNow() != PhaseConnected {
		s.sendError(errs.CodeProtocolError, "already authenticated")
		return errors.New("authenticate received outside CONNECTED")
	}
	var in protocol.AuthenticateIn
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError(errs.CodeProtocolError, "malformed authenticate frame")
		return err
	}
	principal, err := s.verifier.Verify(in.Token)
	if err != nil {
		code := errs.ForAuth(err)
		s.Enqueue(protocol.AuthErrorOut{Type: protocol.TypeAuthError, Code: string(code), Message: "authentication failed"})
		s.Close(code)
		return err
	}
	s.principal.Store(principal)
	s.setPhase(PhaseAuthenticated)
	s.Enqueue(protocol.AuthenticatedOut{
		Type:        protocol.TypeAuthenticated,
		PrincipalID: principal.ID,
		DisplayName: principal.DisplayName,
		Role:        string(principal.Role),
		Permissions: principal.Permissions,
	})
	return nil
}

func (s *Session) onJoin(ctx context.Context, data []byte) error {
	phase := s.phaseNow()
	if phase != PhaseAuthenticated && phase != PhaseJoined {
		s.sendError(errs.CodeProtocolError, "join requires authentication")
		return errors.New("join received outside AUTHENTICATED/JOINED")
	}
	var in protocol.JoinDocumentIn
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError(errs.CodeProtocolError, "malformed join-document frame")
		return err
	}
	principal, _ := s.principal.Load().(auth.Principal)

	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev != nil && prev.docID != in.DocumentID {
		prev.rm.Leave(s.id)
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.setPhase(PhaseAuthenticated)
	}

	rm := s.registry.GetOrCreateRoom(in.DocumentID)
	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinDeadline)
	res, err := rm.Join(joinCtx, s.id, principal, s)
	cancel()
	rm.Release()

	if err != nil {
		s.sendError(codeForJoinError(err), "join failed")
		return err
	}

	s.mu.Lock()
	s.current = &joinedRoom{docID: in.DocumentID, rm: rm, hasWrite: res.Permission == auth.PermissionWrite}
	s.mu.Unlock()
	s.setPhase(PhaseJoined)

	users := make([]protocol.UserSummary, 0, len(res.Roster))
	for _, r := range res.Roster {
		users = append(users, protocol.UserSummary{PrincipalID: r.PrincipalID, DisplayName: r.DisplayName, Role: r.Role})
	}
	s.Enqueue(protocol.DocumentJoinedOut{
		Type:       protocol.TypeDocumentJoined,
		DocumentID: in.DocumentID,
		Metadata: protocol.DocMetadata{
			Title:   res.Metadata.Title,
			OwnerID: res.Metadata.OwnerID,
			Public:  res.Metadata.Public,
		},
		HasWriteAccess: res.Permission == auth.PermissionWrite,
		Users:          users,
		DocumentState:  res.StateBytes,
	})
	return nil
}

func codeForJoinError(err error) errs.Code {
	switch {
	case errors.Is(err, errs.ErrPermissionDenied):
		return errs.CodeInsufficientPermission
	case errors.Is(err, errs.ErrNotFound):
		return errs.CodeDocumentNotFound
	case errors.Is(err, errs.ErrUnavailable):
		return errs.CodeUnavailable
	default:
		return errs.CodeJoinFailed
	}
}

func (s *Session) onLeave(data []byte) error {
	var in protocol.LeaveDocumentIn
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError(errs.CodeProtocolError, "malformed leave-document frame")
		return err
	}
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if s.phaseNow() != PhaseJoined || cur == nil || cur.docID != in.DocumentID {
		s.sendError(errs.CodeProtocolError, "not joined to that document")
		return errors.New("leave received outside JOINED(d)")
	}
	cur.rm.Leave(s.id)
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.setPhase(PhaseAuthenticated)
	s.Enqueue(protocol.DocumentLeftOut{Type: protocol.TypeDocumentLeft, DocumentID: in.DocumentID})
	return nil
}

func (s *Session) onUpdate(ctx context.Context, data []byte) error {
	var in protocol.DocumentUpdateIn
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError(errs.CodeProtocolError, "malformed document-update frame")
		return err
	}
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if s.phaseNow() != PhaseJoined || cur == nil || cur.docID != in.DocumentID {
		s.sendError(errs.CodeProtocolError, "not joined to that document")
		return errors.New("document-update received outside JOINED(d)")
	}
	if !cur.hasWrite {
		s.sendError(errs.CodeInsufficientPermission, "read-only participant")
		return nil
	}
	if s.updateLimiter != nil && !s.updateLimiter.Allow() {
		s.sendError(errs.CodeUpdateProcessingError, "update rate exceeded")
		return nil
	}

	updateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	res, err := cur.rm.Update(updateCtx, s.id, in.Update)
	cancel()
	if err != nil {
		s.sendError(codeForUpdateError(err), "update rejected")
		return err
	}
	s.Enqueue(protocol.DocumentUpdateAckOut{Type: protocol.TypeDocumentUpdateAck, DocumentID: in.DocumentID, Seq: res.Seq})
	return nil
}

func codeForUpdateError(err error) errs.Code {
	switch {
	case errors.Is(err, errs.ErrPermissionDenied):
		return errs.CodeInsufficientPermission
	case errors.Is(err, errs.ErrMalformedUpdate):
		return errs.CodeInvalidUpdateData
	default:
		return errs.CodeUpdateProcessingError
	}
}

func (s *Session) onCursor(data []byte) error {
	var in protocol.CursorUpdateIn
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError(errs.CodeProtocolError, "malformed cursor-update frame")
		return err
	}
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if s.phaseNow() != PhaseJoined || cur == nil || cur.docID != in.DocumentID {
		s.sendError(errs.CodeProtocolError, "not joined to that document")
		return errors.New("cursor-update received outside JOINED(d)")
	}
	cur.rm.Cursor(s.id, in.Cursor)
	return nil
}
