// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sysapp emulates the hub's system app: external app management,
// app and memory queries, key paging and in-memory app upload.
package sysapp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/contexthub/nanostat/pkg/contexthub"
	"github.com/contexthub/nanostat/pkg/hostintf"
	"github.com/contexthub/nanostat/pkg/logging"
	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// Version is reported for the system app itself
const Version = 1

// RsaKeyChunkLen is the most key bytes returned per request
const RsaKeyChunkLen = 64

// ImageHeaderSize is the size of the header every uploaded app image
// starts with: appId:u64 version:u32
const ImageHeaderSize = 8 + 4

// ErrBadImage is returned for images too short to carry a header
var ErrBadImage = errors.New("image too short for header")

// Sender delivers system app replies to the host
type Sender interface {
	SendToHost(appID uint64, data []byte) error
}

// Image is an app installed through the upload commands
type Image struct {
	ID      uint64
	Version uint32
	Size    uint32
	Running bool
}

// ParseImage reads the header of an uploaded image
func ParseImage(data []byte) (Image, error) {
	if len(data) < ImageHeaderSize {
		return Image{}, fmt.Errorf("%w: %d bytes", ErrBadImage, len(data))
	}
	m := msgbuf.NewReader(data)
	return Image{ID: m.ReadU64(), Version: m.ReadU32(), Size: uint32(len(data))}, nil
}

// BuildImage prefixes body with an image header
func BuildImage(id uint64, version uint32, body []byte) []byte {
	m := msgbuf.NewSize(ImageHeaderSize + len(body))
	m.WriteU64(id)
	m.WriteU32(version)
	m.WriteRaw(body)
	return m.Bytes()
}

type upload struct {
	data   []byte
	offset int
}

// App is the system app. Installed images start running at the next
// reboot. HandleHostMessage runs on the hub scheduler;
// the query methods are safe from any goroutine.
type App struct {
	send Sender
	log  *slog.Logger

	mu           sync.Mutex
	images       []Image
	keys         []byte
	mem          contexthub.MemInfo
	upload       *upload
	rebootReason uint32
	onInstall    func(Image)
	onReboot     func()
}

// Option configures an App
type Option func(*App)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithKeys sets the public key bytes served by QUERY_RSA_KEYS
func WithKeys(keys []byte) Option {
	return func(a *App) { a.keys = append([]byte(nil), keys...) }
}

// WithMemory sets the region sizes reported by QUERY_MEMINFO. Shared use
// is computed from the installed images.
func WithMemory(mi contexthub.MemInfo) Option {
	return func(a *App) { a.mem = mi }
}

// WithImages preinstalls apps
func WithImages(images ...Image) Option {
	return func(a *App) { a.images = append(a.images, images...) }
}

// WithRebootReason sets the reason reported in the REBOOT reply
func WithRebootReason(reason uint32) Option {
	return func(a *App) { a.rebootReason = reason }
}

// OnInstall is called after an upload installs an image
func OnInstall(fn func(Image)) Option {
	return func(a *App) { a.onInstall = fn }
}

// OnReboot is called when the host requests a reboot
func OnReboot(fn func()) Option {
	return func(a *App) { a.onReboot = fn }
}

// DefaultMemory describes a hub with 256 KiB of shared flash and 64 KiB of
// RAM, with the other regions unknown
func DefaultMemory() contexthub.MemInfo {
	u := contexthub.MemUnknown
	return contexthub.MemInfo{
		FlashSz: 1 << 20, BlSz: u, OsSz: u, SharedSz: 256 << 10, EeSz: u, RAMSz: 64 << 10,
		BlUse: u, OsUse: u, SharedUse: 0, EeUse: u, RAMUse: u,
	}
}

// New creates the system app replying through send
func New(send Sender, opts ...Option) *App {
	a := &App{
		send: send,
		mem:  DefaultMemory(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.With(a.log, logging.SysApp)
	return a
}

// Info identifies the system app to the hub
func (a *App) Info() hostintf.AppInfo {
	return hostintf.AppInfo{ID: contexthub.SystemAppID, Version: Version}
}

// Images returns the installed apps in install order
func (a *App) Images() []Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Image(nil), a.images...)
}

// HandleHostMessage runs one system command: cmd:u8 followed by its
// arguments. Replies echo the command byte.
func (a *App) HandleHostMessage(data []byte) {
	if len(data) == 0 {
		return
	}
	m := msgbuf.NewReader(data[1:])
	switch cmd := data[0]; cmd {
	case contexthub.CmdExtAppsOn, contexthub.CmdExtAppsOff, contexthub.CmdExtAppDelete:
		if m.Room() < 8 {
			a.log.Warn("short management command", "cmd", cmd)
			return
		}
		a.manage(cmd, m.ReadU64())
	case contexthub.CmdQueryMemInfo:
		a.queryMemInfo()
	case contexthub.CmdQueryApps:
		a.queryApps(m.ReadU32())
	case contexthub.CmdQueryRsaKeys:
		a.queryRsaKeys(m.ReadU32())
	case contexthub.CmdStartUpload:
		isOs := m.ReadU8()
		size := m.ReadU32()
		a.startUpload(isOs != 0, size)
	case contexthub.CmdContUpload:
		if m.Room() < 4 {
			a.reply(cmd, 0)
			return
		}
		offset := m.ReadU32()
		a.contUpload(offset, m.Remaining())
	case contexthub.CmdFinishUpload:
		a.finishUpload()
	case contexthub.CmdReboot:
		a.reboot()
	default:
		a.log.Debug("unknown command", "cmd", cmd)
	}
}

func (a *App) reply(cmd uint8, body ...byte) {
	data := append([]byte{cmd}, body...)
	if err := a.send.SendToHost(contexthub.SystemAppID, data); err != nil {
		a.log.Warn("reply dropped", "cmd", cmd, "error", err)
	}
}

func (a *App) replyU32(cmd uint8, v uint32) {
	m := msgbuf.NewSize(4)
	m.WriteU32(v)
	a.reply(cmd, m.Bytes()...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// manage starts, stops or erases the apps matching id and reports how many
// were affected
func (a *App) manage(cmd uint8, id uint64) {
	a.mu.Lock()
	count := uint32(0)
	kept := a.images[:0]
	for _, img := range a.images {
		if img.ID != id {
			kept = append(kept, img)
			continue
		}
		count++
		switch cmd {
		case contexthub.CmdExtAppsOn:
			img.Running = true
		case contexthub.CmdExtAppsOff:
			img.Running = false
		case contexthub.CmdExtAppDelete:
			continue
		}
		kept = append(kept, img)
	}
	a.images = kept
	a.mu.Unlock()

	a.log.Info("app management", "cmd", cmd, "app", fmt.Sprintf("0x%016X", id), "count", count)
	a.replyU32(cmd, count)
}

func (a *App) queryMemInfo() {
	a.mu.Lock()
	mi := a.mem
	used := uint32(0)
	for _, img := range a.images {
		used += img.Size
	}
	if mi.SharedSz != contexthub.MemUnknown {
		mi.SharedUse = used
	}
	a.mu.Unlock()
	a.reply(contexthub.CmdQueryMemInfo, mi.Encode()...)
}

func (a *App) queryApps(idx uint32) {
	a.mu.Lock()
	var entry []byte
	if int(idx) < len(a.images) {
		img := a.images[idx]
		e := contexthub.AppEntry{ID: img.ID, Version: img.Version, FlashUse: img.Size}
		entry = e.Encode()
	}
	a.mu.Unlock()
	a.reply(contexthub.CmdQueryApps, entry...)
}

func (a *App) queryRsaKeys(offset uint32) {
	a.mu.Lock()
	var chunk []byte
	if int(offset) < len(a.keys) {
		end := min(int(offset)+RsaKeyChunkLen, len(a.keys))
		chunk = append(chunk, a.keys[offset:end]...)
	}
	a.mu.Unlock()
	a.reply(contexthub.CmdQueryRsaKeys, chunk...)
}

func (a *App) startUpload(isOs bool, size uint32) {
	a.mu.Lock()
	free := a.freeShared()
	ok := !isOs && size >= ImageHeaderSize && size <= free
	if ok {
		a.upload = &upload{data: make([]byte, 0, size)}
	} else {
		a.upload = nil
	}
	a.mu.Unlock()

	if !ok {
		a.log.Warn("upload refused", "os", isOs, "size", size, "free", free)
	}
	a.reply(contexthub.CmdStartUpload, boolByte(ok))
}

// freeShared returns the shared flash not used by installed images
func (a *App) freeShared() uint32 {
	if a.mem.SharedSz == contexthub.MemUnknown {
		return ^uint32(0)
	}
	used := uint32(0)
	for _, img := range a.images {
		used += img.Size
	}
	if used >= a.mem.SharedSz {
		return 0
	}
	return a.mem.SharedSz - used
}

// contUpload appends a chunk. A chunk at the wrong offset restarts the
// upload from zero.
func (a *App) contUpload(offset uint32, chunk []byte) {
	a.mu.Lock()
	ok := false
	switch u := a.upload; {
	case u == nil:
	case int(offset) != u.offset:
		a.log.Warn("upload offset mismatch, restarting", "offset", offset, "want", u.offset)
		u.data = u.data[:0]
		u.offset = 0
	case u.offset+len(chunk) > cap(u.data):
		a.log.Warn("upload overruns declared size", "offset", offset, "len", len(chunk))
		a.upload = nil
	default:
		u.data = append(u.data, chunk...)
		u.offset += len(chunk)
		ok = true
	}
	a.mu.Unlock()
	a.reply(contexthub.CmdContUpload, boolByte(ok))
}

func (a *App) finishUpload() {
	a.mu.Lock()
	u := a.upload
	a.upload = nil
	var img Image
	var err error
	switch {
	case u == nil:
		err = errors.New("no upload in progress")
	case u.offset != cap(u.data):
		err = fmt.Errorf("upload incomplete: %d of %d bytes", u.offset, cap(u.data))
	default:
		img, err = ParseImage(u.data)
	}
	if err == nil {
		a.install(img)
	}
	cb := a.onInstall
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("upload failed", "error", err)
	} else {
		a.log.Info("app installed", "app", fmt.Sprintf("0x%016X", img.ID), "version", img.Version, "size", img.Size)
		if cb != nil {
			cb(img)
		}
	}
	a.reply(contexthub.CmdFinishUpload, boolByte(err == nil))
}

// install replaces any image with the same id
func (a *App) install(img Image) {
	for i := range a.images {
		if a.images[i].ID == img.ID {
			a.images[i] = img
			return
		}
	}
	a.images = append(a.images, img)
}

func (a *App) reboot() {
	a.mu.Lock()
	reason := a.rebootReason
	cb := a.onReboot
	a.upload = nil
	for i := range a.images {
		a.images[i].Running = true
	}
	a.mu.Unlock()

	a.log.Info("reboot requested", "reason", reason)
	if cb != nil {
		cb()
	}
	a.replyU32(contexthub.CmdReboot, reason)
}
