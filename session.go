package demreader

import (
	"context"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hooks are the observation callbacks fired while a session parses. A true
// return from a stop-capable hook ends the parse cooperatively with
// ErrStopped; already-applied state stays valid.
type Hooks struct {
	OnTick     func(s *Session, tick int) (stop bool)
	OnCommand  func(s *Session, c Command) (stop bool)
	OnUserCmd  func(s *Session, uc UserCmd) (stop bool)
	OnWarning  func(w Warning)
	OnFinished func(ok bool)
}

// Session drives one recorded demo from header to stop message, replicating
// schema, string tables and entity state as it goes. It owns the blob; all
// in-place property rewrites patch the slice passed to NewSession.
type Session struct {
	id  uuid.UUID
	log *zap.Logger
	buf *BitBuffer

	header Header
	hooks  Hooks

	schema        *Schema
	tables        *stringTableSet
	entities      *EntityStore
	baselineCache map[int][]PropValue

	tick          int
	tickNotified  int
	cmdInfo       [maxSplitSlots]CmdInfo
	convars       map[string]string
	serverInfo    ServerInfo
	viewEntity    int
	paused        bool
	stopRequested bool
	parsed        bool
	trace         traceInfo
}

// Option configures a Session at construction.
type Option func(*Session)

// WithLogger replaces the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithHooks installs the observation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

// NewSession wraps a demo blob. The header is validated and decoded
// immediately; the message stream is consumed by Parse.
func NewSession(data []byte, opts ...Option) (*Session, error) {
	s := &Session{
		id:            uuid.New(),
		log:           zap.NewNop(),
		buf:           NewBitBuffer(data),
		tables:        newStringTableSet(),
		entities:      &EntityStore{},
		baselineCache: make(map[int][]PropValue),
		convars:       make(map[string]string),
		tickNotified:  -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.id.String()))

	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	s.header = h
	if err := s.buf.SetCursor(uint(headerSize) * 8); err != nil {
		return nil, err
	}
	s.log.Info("session opened",
		zap.String("map", h.MapName),
		zap.String("server", h.ServerName),
		zap.Int32("ticks", h.PlaybackTicks),
	)
	return s, nil
}

// NewSessionFile reads path and wraps it with NewSession.
func NewSessionFile(path string, opts ...Option) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read demo: %w", err)
	}
	return NewSession(data, opts...)
}

// Parse runs the message loop to the stop message or the first structural
// error. It may be called once per session. Recoverable desyncs are reported
// through OnWarning and do not end the parse.
func (s *Session) Parse(ctx context.Context) error {
	if s.parsed {
		return fmt.Errorf("demreader: session already parsed")
	}
	s.parsed = true

	finish := func(ok bool) {
		if s.hooks.OnFinished != nil {
			s.hooks.OnFinished(ok)
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			finish(false)
			return err
		}
		done, err := s.readMessage()
		if err != nil {
			finish(false)
			return err
		}
		if !s.stopRequested && s.tick != s.tickNotified {
			s.tickNotified = s.tick
			if s.hooks.OnTick != nil && s.hooks.OnTick(s, s.tick) {
				s.stopRequested = true
			}
		}
		if s.stopRequested {
			finish(false)
			return ErrStopped
		}
		if done {
			s.log.Info("session finished", zap.Int("ticks", s.tick))
			finish(true)
			return nil
		}
	}
}

// Header returns the decoded file header.
func (s *Session) Header() Header { return s.header }

// Tick is the most recent simulation tick observed.
func (s *Session) Tick() int { return s.tick }

// CmdInfo returns the latest per-slot view record.
func (s *Session) CmdInfo(slot int) (CmdInfo, bool) {
	if slot < 0 || slot >= maxSplitSlots {
		return CmdInfo{}, false
	}
	return s.cmdInfo[slot], true
}

// Entities exposes the live replicated entity table.
func (s *Session) Entities() *EntityStore { return s.entities }

// Schema returns the resolved class schema, or nil before the schema
// message has been parsed.
func (s *Session) Schema() *Schema { return s.schema }

// Table looks up a string table by name.
func (s *Session) Table(name string) (*StringTable, bool) {
	return s.tables.get(name)
}

// Tables returns every string table in wire creation order.
func (s *Session) Tables() []*StringTable {
	out := make([]*StringTable, len(s.tables.tables))
	copy(out, s.tables.tables)
	return out
}

// Convar returns the last observed value of a console variable.
func (s *Session) Convar(name string) (string, bool) {
	v, ok := s.convars[name]
	return v, ok
}

// ServerInfo returns the decoded server-info record, zero before it arrives.
func (s *Session) ServerInfo() ServerInfo { return s.serverInfo }

// ViewEntity is the entity slot the recorded view is attached to.
func (s *Session) ViewEntity() int { return s.viewEntity }

// Paused reports the last pause state seen on the wire.
func (s *Session) Paused() bool { return s.paused }

// Bytes returns the backing blob, including any in-place rewrites.
func (s *Session) Bytes() []byte { return s.buf.Bytes() }

// Fingerprint is a content hash of the blob in its current state, useful
// for detecting whether rewrites changed anything.
func (s *Session) Fingerprint() uint64 { return xxhash.Sum64(s.buf.Bytes()) }
