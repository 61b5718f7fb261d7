package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/platform/secmem"
	"seedkeeper/go-keystore/internal/session"
	"seedkeeper/go-keystore/pkg/models"
)

// access is what a method requires of the connection and session.
type access int

const (
	accessPublic        access = iota
	accessAuthenticated        // connection has presented the passphrase
	accessUnlocked             // authenticated and the session is unlocked
)

type handlerFunc func(ctx context.Context, s *Server, c *connState, params json.RawMessage) (any, error)

type route struct {
	access     access
	idempotent bool
	call       handlerFunc
}

var routes = map[string]route{
	models.MethodUnlock:         {access: accessPublic, call: handleUnlock},
	models.MethodLock:           {access: accessAuthenticated, call: handleLock},
	models.MethodNewSeed:        {access: accessUnlocked, idempotent: true, call: handleNewSeed},
	models.MethodSignByPubKey:   {access: accessUnlocked, call: handleSign},
	models.MethodVerifyDetached: {access: accessPublic, call: handleVerify},
	models.MethodListSeeds:      {access: accessPublic, call: handleListSeeds},
	models.MethodGetEntry:       {access: accessPublic, call: handleGetEntry},
	models.MethodExportSeed:     {access: accessUnlocked, call: handleExportSeed},
	models.MethodStatus:         {access: accessPublic, call: handleStatus},
	models.MethodVersion:        {access: accessPublic, call: handleVersion},
}

var knownMethods = func() map[string]struct{} {
	out := make(map[string]struct{}, len(routes))
	for m := range routes {
		out[m] = struct{}{}
	}
	return out
}()

func (s *Server) dispatchRPC(ctx context.Context, c *connState, req rpcRequest) (any, *rpcError) {
	rt, ok := routes[req.Method]
	if !ok {
		return nil, rpcMethodNotFound()
	}
	if rpcErr := s.admitRequest(c, s.now()); rpcErr != nil {
		return nil, rpcErr
	}
	if rt.access >= accessAuthenticated && !c.authenticated {
		return nil, kindError(models.KindLocked, "connection is not authenticated, call unlock first")
	}
	if rt.access >= accessUnlocked {
		if err := s.session.Touch(); err != nil {
			return nil, mapError(err)
		}
	}

	key, valid := normalizeIdempotencyKey(req.IdempotencyKey)
	if !valid {
		return nil, rpcInvalidParams(fmt.Errorf("%w: idempotency key too long", errInvalidParams))
	}
	if rt.idempotent && key != "" {
		return s.dispatchIdempotent(ctx, c, rt, req, key)
	}
	return s.invoke(ctx, c, rt, req)
}

// dispatchIdempotent runs at most one handler per idempotency key. Callers
// that arrive while it runs wait for its result instead of racing it.
func (s *Server) dispatchIdempotent(ctx context.Context, c *connState, rt route, req rpcRequest, key string) (any, *rpcError) {
	hash := requestFingerprint(req)
	conflict := func() *rpcError {
		return rpcInvalidParams(fmt.Errorf("%w: idempotency key reused for a different request", errInvalidParams))
	}
	v, _, _ := s.inflight.Do(key, func() (any, error) {
		cached, found, reused := s.idempotency.get(key, hash, s.now())
		if reused {
			return idempotentOutcome{hash: hash, rpcErr: conflict()}, nil
		}
		if found {
			return idempotentOutcome{hash: hash, result: cached}, nil
		}
		// The result is shared with waiters on other connections, so the
		// leader's connection going away must not cancel it.
		result, rpcErr := s.invoke(context.WithoutCancel(ctx), c, rt, req)
		if rpcErr == nil {
			s.idempotency.set(key, hash, result, s.now())
		}
		return idempotentOutcome{hash: hash, result: result, rpcErr: rpcErr}, nil
	})
	out := v.(idempotentOutcome)
	if out.hash != hash {
		return nil, conflict()
	}
	return out.result, out.rpcErr
}

type idempotentOutcome struct {
	hash   string
	result any
	rpcErr *rpcError
}

func (s *Server) invoke(ctx context.Context, c *connState, rt route, req rpcRequest) (any, *rpcError) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	result, err := rt.call(ctx, s, c, req.Params)
	if err != nil {
		rpcErr := mapError(err)
		if rpcErr.Data.Kind == models.KindInternal || rpcErr.Data.Kind == models.KindCorruptStore {
			s.logger.Error("rpc handler error", "component", "ipc", "operation", req.Method, "conn_id", c.id, "error", err)
		}
		return nil, rpcErr
	}
	return result, nil
}

func handleUnlock(ctx context.Context, s *Server, c *connState, raw json.RawMessage) (any, error) {
	var p models.UnlockParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase is required", errInvalidParams)
	}
	passphrase := []byte(p.Passphrase)
	defer secmem.Wipe(passphrase)
	if err := s.session.Unlock(ctx, passphrase); err != nil {
		if isWrongPassphrase(err) {
			s.metrics.UnlockFailed()
		}
		return nil, err
	}
	c.authenticated = true
	s.metrics.SetSeeds(s.keys.Count())
	return models.SessionState{State: models.SessionUnlocked}, nil
}

func handleLock(_ context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	s.session.Lock()
	return models.SessionState{State: models.SessionLocked}, nil
}

func handleNewSeed(ctx context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	var p models.NewSeedParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("tag", p.Tag); err != nil {
		return nil, err
	}
	entry, err := s.keys.NewSeed(ctx, p.Tag, optionalPath(p.DerivationPath), p.Exportable)
	if err != nil {
		return nil, err
	}
	s.metrics.SetSeeds(s.keys.Count())
	s.logger.Info("seed created", "component", "keystore", "operation", models.MethodNewSeed, "key_id", entry.KeyID, "tag", entry.Tag)
	return toWireEntry(entry), nil
}

func handleSign(ctx context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	var p models.SignParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var hint []uint32
	if p.DerivationHint != nil {
		hint = optionalPath(p.DerivationHint)
	}
	sig, err := s.keys.SignByPubKey(ctx, p.PublicKey, hint, p.Message)
	if err != nil {
		return nil, err
	}
	return models.SignResult{Signature: sig}, nil
}

func handleVerify(_ context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	var p models.VerifyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	valid, err := s.keys.VerifyDetached(p.PublicKey, p.Signature, p.Message)
	if err != nil {
		return nil, err
	}
	return models.VerifyResult{Valid: valid}, nil
}

func handleListSeeds(_ context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	entries := s.keys.ListSeeds()
	out := models.ListSeedsResult{Seeds: make([]models.SeedEntry, 0, len(entries))}
	for _, e := range entries {
		out.Seeds = append(out.Seeds, toWireEntry(e))
	}
	return out, nil
}

func handleGetEntry(_ context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	var p models.GetEntryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireField("tag", p.Tag); err != nil {
		return nil, err
	}
	entry, err := s.keys.GetEntry(p.Tag)
	if err != nil {
		return nil, err
	}
	return toWireEntry(entry), nil
}

func handleExportSeed(ctx context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	var p models.ExportSeedParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ExportPassphrase == "" {
		return nil, fmt.Errorf("%w: export_passphrase is required", errInvalidParams)
	}
	passphrase := []byte(p.ExportPassphrase)
	defer secmem.Wipe(passphrase)
	sealed, err := s.keys.ExportSeed(ctx, p.PublicKey, passphrase)
	if err != nil {
		return nil, err
	}
	return models.ExportSeedResult{Sealed: sealed}, nil
}

func handleStatus(_ context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	st := s.session.Status()
	out := models.StatusResult{
		State:        string(st.State),
		SeedCount:    s.keys.Count(),
		Version:      s.cfg.Version,
		RetryAfterMS: st.RetryAfter.Milliseconds(),
	}
	if st.State == session.StateUnlocked && !st.UnlockedAt.IsZero() {
		at := st.UnlockedAt.UTC()
		out.UnlockedAt = &at
	}
	return out, nil
}

func handleVersion(_ context.Context, s *Server, _ *connState, raw json.RawMessage) (any, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return s.rpcVersionInfo(), nil
}

func toWireEntry(e keystore.SeedEntry) models.SeedEntry {
	path := e.DerivationPath
	if path == nil {
		path = []uint32{}
	}
	return models.SeedEntry{
		Tag:            e.Tag,
		DerivationPath: path,
		PublicKey:      e.PublicKey,
		KeyID:          e.KeyID,
		CreatedAt:      e.CreatedAt,
		Exportable:     e.Exportable,
	}
}
