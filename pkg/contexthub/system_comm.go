// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package contexthub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/contexthub/nanostat/pkg/logging"
)

// Session keys. Every app-mutating request shares keyAppMgmt.
const (
	keyAppMgmt = iota
	keyAppInfo
	keyMemInfo
	keyKeyInfo
)

// SystemComm turns client requests for the system app into sessions and
// routes the system app's replies back through them
type SystemComm struct {
	mgr    *SessionManager
	tx     func(data []byte) error
	client func(msg *HubMessage)
	log    *slog.Logger

	chunkSize int
	keyCmd    uint8

	appInfo *Session
	memInfo *Session
	appMgmt *Session
	keyInfo *Session
}

// SystemOption configures a SystemComm
type SystemOption func(*SystemComm)

// WithSystemLogger sets the logger
func WithSystemLogger(l *slog.Logger) SystemOption {
	return func(c *SystemComm) { c.log = l }
}

// WithUploadChunkSize sets the CONT_UPLOAD chunk size. Values outside
// 1..123 are clamped.
func WithUploadChunkSize(n int) SystemOption {
	return func(c *SystemComm) { c.chunkSize = min(max(n, 1), UploadChunkSizeLimit) }
}

// WithKeyCommand sets the command the key fetch pages with. The hub
// firmware answers key requests under CmdQueryApps; CmdQueryRsaKeys
// selects the dedicated command.
func WithKeyCommand(cmd uint8) SystemOption {
	return func(c *SystemComm) { c.keyCmd = cmd }
}

// NewSystemComm creates the system app endpoint. tx sends a system app
// payload to the hub; client receives the replies for the client.
func NewSystemComm(tx func(data []byte) error, client func(msg *HubMessage), opts ...SystemOption) *SystemComm {
	c := &SystemComm{
		tx:        tx,
		client:    client,
		chunkSize: UploadChunkSizeMax,
		keyCmd:    CmdQueryApps,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.With(c.log, logging.Session)
	c.mgr = NewSessionManager(c.log)

	c.appInfo = newSession(KindAppInfo, c, c.log)
	c.memInfo = newSession(KindMemInfo, c, c.log)
	c.appMgmt = newSession(KindAppMgmt, c, c.log)
	c.appMgmt.chunkSize = c.chunkSize
	c.keyInfo = newSession(KindKeyInfo, c, c.log)
	c.keyInfo.keyCmd = c.keyCmd
	return c
}

func (c *SystemComm) sendToSystem(data []byte) error {
	return c.tx(data)
}

func (c *SystemComm) replyToClient(msg *HubMessage) {
	if c.client != nil {
		c.client(msg)
	}
}

// Sessions returns the session manager
func (c *SystemComm) Sessions() *SessionManager { return c.mgr }

// KeyInfo returns the key fetch session
func (c *SystemComm) KeyInfo() *Session { return c.keyInfo }

// HandleTx starts the session for a client request. Loading an app first
// fetches the hub keys, blocking until that completes, unless they are
// already cached.
func (c *SystemComm) HandleTx(ctx context.Context, msg *HubMessage) error {
	switch msg.MessageType {
	case MsgAppsEnable, MsgAppsDisable, MsgUnloadApp, MsgOsReboot:
		return c.mgr.SetupAndAdd(keyAppMgmt, c.appMgmt, msg)

	case MsgLoadApp:
		if !c.keyInfo.HaveKeys() {
			if err := c.mgr.SetupAndAdd(keyKeyInfo, c.keyInfo, nil); err != nil {
				return fmt.Errorf("key fetch: %w", err)
			}
			status, err := c.keyInfo.Wait(ctx)
			if err != nil {
				return fmt.Errorf("key fetch: %w", err)
			}
			if status < 0 {
				return fmt.Errorf("key fetch: %w", statusError(status))
			}
		}
		return c.mgr.SetupAndAdd(keyAppMgmt, c.appMgmt, msg)

	case MsgQueryApps:
		return c.mgr.SetupAndAdd(keyAppInfo, c.appInfo, msg)

	case MsgQueryMemory:
		return c.mgr.SetupAndAdd(keyMemInfo, c.memInfo, msg)

	default:
		return fmt.Errorf("%w: message type %d", ErrInvalid, msg.MessageType)
	}
}

// HandleRx routes one system app message. Messages no session claims are
// logged as unsolicited.
func (c *SystemComm) HandleRx(data []byte) int32 {
	status := c.mgr.HandleRx(data)
	if status > 0 {
		cmd := -1
		if len(data) > 0 {
			cmd = int(data[0])
		}
		c.log.Info("unsolicited system message", "cmd", cmd, "len", len(data))
	}
	return status
}
