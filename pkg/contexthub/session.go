// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package contexthub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/contexthub/nanostat/pkg/logging"
	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// Upload chunking. A CONT_UPLOAD carries the command byte and a u32
// offset ahead of the chunk, all inside one nano_message.
const (
	UploadChunkSizeMax   = 64
	UploadChunkSizeLimit = MaxRxPacket - 1 - 4
)

// SessionKind selects the exchange a Session runs
type SessionKind int

const (
	KindAppInfo SessionKind = iota
	KindMemInfo
	KindAppMgmt
	KindKeyInfo
)

func (k SessionKind) String() string {
	switch k {
	case KindAppInfo:
		return "AppInfo"
	case KindMemInfo:
		return "MemInfo"
	case KindAppMgmt:
		return "AppMgmt"
	case KindKeyInfo:
		return "KeyInfo"
	default:
		return fmt.Sprintf("SessionKind(%d)", int(k))
	}
}

// SessionState is the position of a session in its exchange
type SessionState int

const (
	StateInit SessionState = iota
	StateDone
	StateUser
	StateTransfer
	StateFinish
	StateReload
	StateReboot
	StateMgmt
)

var stateNames = [...]string{
	StateInit:     "Init",
	StateDone:     "Done",
	StateUser:     "User",
	StateTransfer: "Transfer",
	StateFinish:   "Finish",
	StateReload:   "Reload",
	StateReboot:   "Reboot",
	StateMgmt:     "Mgmt",
}

func (s SessionState) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// endpoint carries session traffic: commands to the system app and
// replies to the client
type endpoint interface {
	sendToSystem(data []byte) error
	replyToClient(msg *HubMessage)
}

// Session is one multi-message exchange with the system app. The kind is
// fixed at construction; setup and handleRx dispatch on it.
//
// mu serializes message handling. doneMu guards only the state, status and
// done channel, so Wait never contends with a reply being handled. Client
// replies are queued while mu is held and delivered by the manager once
// the table is updated, so a client may start a new request from its
// callback.
type Session struct {
	kind SessionKind
	ep   endpoint
	log  *slog.Logger

	mu     sync.Mutex
	outbox []*HubMessage

	// AppInfo
	apps []AppEntry

	// AppMgmt
	msgType   uint32
	cmd       uint8
	appID     uint64
	image     []byte
	offset    int
	chunkSize int

	// KeyInfo
	keyCmd   uint8
	keys     []byte
	haveKeys bool

	doneMu sync.Mutex
	state  SessionState
	status int32
	done   chan struct{}
}

func newSession(kind SessionKind, ep endpoint, log *slog.Logger) *Session {
	if log == nil {
		log = logging.With(nil, logging.Session)
	}
	return &Session{
		kind:      kind,
		ep:        ep,
		log:       log.With("session", kind.String()),
		chunkSize: UploadChunkSizeMax,
		keyCmd:    CmdQueryApps,
		done:      make(chan struct{}),
	}
}

// Kind returns the session kind
func (s *Session) Kind() SessionKind { return s.kind }

// State returns the current state
func (s *Session) State() SessionState {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.state
}

// Status returns the completion status: zero or a negative errno
func (s *Session) Status() int32 {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.status
}

// Running reports whether an exchange is in progress
func (s *Session) Running() bool {
	st := s.State()
	return st != StateInit && st != StateDone
}

// Wait blocks until the session completes or ctx ends, and returns the
// completion status
func (s *Session) Wait(ctx context.Context) (int32, error) {
	s.doneMu.Lock()
	done := s.done
	s.doneMu.Unlock()

	select {
	case <-done:
		return s.Status(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) setState(st SessionState) {
	s.doneMu.Lock()
	s.state = st
	s.doneMu.Unlock()
}

// restart returns to Init with a fresh done channel
func (s *Session) restart() {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	s.state = StateInit
	s.status = 0
	s.done = make(chan struct{})
}

// complete moves to Done and wakes every waiter. Later calls are no-ops.
func (s *Session) complete(status int32) {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	if s.state == StateDone {
		return
	}
	s.state = StateDone
	s.status = status
	close(s.done)
}

// setup starts the exchange for req. A negative return is an errno status
// and leaves the session Done.
func (s *Session) setup(req *HubMessage) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restart()
	var status int32
	switch s.kind {
	case KindAppInfo:
		status = s.setupAppInfo()
	case KindMemInfo:
		status = s.setupMemInfo()
	case KindAppMgmt:
		status = s.setupAppMgmt(req)
	case KindKeyInfo:
		status = s.setupKeyInfo()
	default:
		status = -errnoInvalid
	}
	if status < 0 {
		s.complete(status)
	}
	return status
}

// handleRx offers a system app message to the session. It returns a
// positive value if the message is not for this session, zero once it is
// handled, and a negative errno status if the exchange failed.
func (s *Session) handleRx(data []byte) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return 1
	}
	cmd, body := data[0], data[1:]
	switch s.kind {
	case KindAppInfo:
		return s.appInfoRx(cmd, body)
	case KindMemInfo:
		return s.memInfoRx(cmd, body)
	case KindAppMgmt:
		return s.appMgmtRx(cmd, body)
	case KindKeyInfo:
		return s.keyInfoRx(cmd, body)
	default:
		return 1
	}
}

// send passes data to the system app, mapping failure onto -EIO
func (s *Session) send(data []byte) int32 {
	if err := s.ep.sendToSystem(data); err != nil {
		s.log.Warn("send to system app failed", "cmd", data[0], "error", err)
		return -errnoIO
	}
	return 0
}

// reply queues a client reply; mu must be held
func (s *Session) reply(msgType uint32, status int32, body []byte) {
	s.outbox = append(s.outbox, &HubMessage{
		AppID:       SystemAppID,
		MessageType: msgType,
		Data:        EncodeReply(status, body),
	})
}

// flushReplies delivers the queued client replies outside mu
func (s *Session) flushReplies() {
	s.mu.Lock()
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, msg := range out {
		s.ep.replyToClient(msg)
	}
}

// fail reports status to the client and returns it
func (s *Session) fail(msgType uint32, status int32) int32 {
	s.log.Debug("session failed", "state", s.State(), "status", status)
	s.reply(msgType, status, nil)
	return status
}

// next sends the next request of a client-visible exchange
func (s *Session) next(msgType uint32, data []byte) int32 {
	if status := s.send(data); status < 0 {
		return s.fail(msgType, status)
	}
	return 0
}

func indexRequest(cmd uint8, idx uint32) []byte {
	m := msgbuf.NewSize(5)
	m.WriteU8(cmd)
	m.WriteU32(idx)
	return m.Bytes()
}

// ============================================================
// AppInfo
// ============================================================

func (s *Session) setupAppInfo() int32 {
	s.apps = s.apps[:0]
	s.setState(StateUser)
	return s.send(indexRequest(CmdQueryApps, 0))
}

func (s *Session) appInfoRx(cmd uint8, body []byte) int32 {
	if cmd != CmdQueryApps || s.State() != StateUser {
		return 1
	}
	switch len(body) {
	case 0:
		s.reply(MsgQueryApps, 0, EncodeAppList(s.apps))
		s.complete(0)
		return 0
	case AppEntrySize:
		s.apps = append(s.apps, decodeAppEntry(msgbuf.NewReader(body)))
		return s.next(MsgQueryApps, indexRequest(CmdQueryApps, uint32(len(s.apps))))
	default:
		return s.fail(MsgQueryApps, -errnoInvalid)
	}
}

// ============================================================
// MemInfo
// ============================================================

func (s *Session) setupMemInfo() int32 {
	s.setState(StateUser)
	return s.send([]byte{CmdQueryMemInfo})
}

func (s *Session) memInfoRx(cmd uint8, body []byte) int32 {
	if cmd != CmdQueryMemInfo || s.State() != StateUser {
		return 1
	}
	mi, err := DecodeMemInfo(body)
	if err != nil {
		s.log.Warn("bad meminfo reply", "error", err)
		return s.fail(MsgQueryMemory, -errnoInvalid)
	}
	s.reply(MsgQueryMemory, 0, EncodeMemList(mi.Ranges()))
	s.complete(0)
	return 0
}

// ============================================================
// AppMgmt
// ============================================================

func mgmtCommand(msgType uint32) (uint8, bool) {
	switch msgType {
	case MsgAppsEnable:
		return CmdExtAppsOn, true
	case MsgAppsDisable:
		return CmdExtAppsOff, true
	case MsgUnloadApp:
		return CmdExtAppDelete, true
	}
	return 0, false
}

func (s *Session) setupAppMgmt(req *HubMessage) int32 {
	if req == nil {
		return -errnoInvalid
	}
	s.msgType = req.MessageType

	if cmd, ok := mgmtCommand(req.MessageType); ok {
		if len(req.Data) < 8 {
			return -errnoInvalid
		}
		s.cmd = cmd
		s.appID = msgbuf.NewReader(req.Data).ReadU64()
		s.setState(StateMgmt)
		m := msgbuf.NewSize(9)
		m.WriteU8(cmd)
		m.WriteU64(s.appID)
		return s.send(m.Bytes())
	}

	switch req.MessageType {
	case MsgLoadApp:
		if len(req.Data) == 0 {
			return -errnoInvalid
		}
		s.image = append(s.image[:0], req.Data...)
		s.offset = 0
		s.setState(StateTransfer)
		m := msgbuf.NewSize(6)
		m.WriteU8(CmdStartUpload)
		m.WriteU8(0)
		m.WriteU32(uint32(len(s.image)))
		return s.send(m.Bytes())
	case MsgOsReboot:
		s.setState(StateReboot)
		return s.send([]byte{CmdReboot})
	default:
		return -errnoInvalid
	}
}

func accepted(body []byte) bool {
	return len(body) > 0 && body[0] != 0
}

func (s *Session) appMgmtRx(cmd uint8, body []byte) int32 {
	switch s.State() {
	case StateTransfer:
		if cmd != CmdStartUpload && cmd != CmdContUpload {
			return 1
		}
		if !accepted(body) {
			s.log.Warn("upload rejected", "cmd", cmd, "offset", s.offset)
			return s.fail(MsgLoadApp, -errnoIO)
		}
		if s.offset < len(s.image) {
			n := min(s.chunkSize, len(s.image)-s.offset)
			m := msgbuf.NewSize(5 + n)
			m.WriteU8(CmdContUpload)
			m.WriteU32(uint32(s.offset))
			m.WriteRaw(s.image[s.offset : s.offset+n])
			s.offset += n
			return s.next(MsgLoadApp, m.Bytes())
		}
		s.setState(StateFinish)
		return s.next(MsgLoadApp, []byte{CmdFinishUpload})

	case StateFinish:
		if cmd != CmdFinishUpload {
			return 1
		}
		if !accepted(body) {
			s.log.Warn("app not loaded", "size", len(s.image))
			return s.fail(MsgLoadApp, -errnoIO)
		}
		s.setState(StateReload)
		return s.next(MsgLoadApp, []byte{CmdReboot})

	case StateReload:
		if cmd != CmdReboot {
			return 1
		}
		s.reply(MsgLoadApp, 0, nil)
		s.complete(0)
		return 0

	case StateReboot:
		if cmd != CmdReboot {
			return 1
		}
		s.reply(MsgOsReboot, 0, body)
		s.complete(0)
		return 0

	case StateMgmt:
		if _, ok := mgmtCommandFor(cmd); !ok {
			return 1
		}
		if cmd != s.cmd || len(body) != 4 {
			return s.fail(s.msgType, -errnoInvalid)
		}
		s.reply(s.msgType, 0, body)
		s.complete(0)
		return 0
	}
	return 1
}

func mgmtCommandFor(cmd uint8) (uint32, bool) {
	switch cmd {
	case CmdExtAppsOn:
		return MsgAppsEnable, true
	case CmdExtAppsOff:
		return MsgAppsDisable, true
	case CmdExtAppDelete:
		return MsgUnloadApp, true
	}
	return 0, false
}

// ============================================================
// KeyInfo
// ============================================================

// HaveKeys reports whether a key fetch has completed
func (s *Session) HaveKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveKeys
}

// Keys returns a copy of the fetched key bytes
func (s *Session) Keys() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.keys...)
}

func (s *Session) setupKeyInfo() int32 {
	s.keys = s.keys[:0]
	s.haveKeys = false
	s.setState(StateUser)
	return s.send(indexRequest(s.keyCmd, 0))
}

func (s *Session) keyInfoRx(cmd uint8, body []byte) int32 {
	if cmd != s.keyCmd || s.State() != StateUser {
		return 1
	}
	if len(body) == 0 {
		s.haveKeys = true
		s.log.Debug("keys cached", "bytes", len(s.keys))
		s.complete(0)
		return 0
	}
	s.keys = append(s.keys, body...)
	return s.send(indexRequest(s.keyCmd, uint32(len(s.keys))))
}
