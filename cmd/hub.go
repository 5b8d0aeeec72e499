// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/contexthub/nanostat/pkg/bridge"
	"github.com/contexthub/nanostat/pkg/contexthub"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

// hubConnection is a running Hub plus the replies it delivers
type hubConnection struct {
	hub     *contexthub.Hub
	bridge  *bridge.Bridge // nil on a device file
	client  *nanohub.Client
	replies chan *contexthub.HubMessage
	info    string
}

// openHub connects to the hub through the device file when one is
// configured, otherwise through a bridge over the packet link
func openHub(ctx context.Context, opts ...bridge.Option) (*hubConnection, error) {
	hc := &hubConnection{replies: make(chan *contexthub.HubMessage, 16)}

	var dev io.ReadWriteCloser
	if path := cfg.Connection.Device; path != "" {
		f, err := contexthub.OpenDeviceFile(path)
		if err != nil {
			return nil, err
		}
		dev, hc.info = f, fmt.Sprintf("Device: %s", path)
	} else {
		conn, info, err := OpenConnection(ctx)
		if err != nil {
			return nil, err
		}
		hc.client = newClient(conn)
		opts = append([]bridge.Option{
			bridge.WithLogger(logger),
			bridge.WithPollInterval(cfg.Link.PollInterval),
		}, opts...)
		hc.bridge = bridge.New(hc.client, opts...)
		hc.bridge.Start()
		dev, hc.info = hc.bridge, info
	}

	hc.hub = contexthub.NewHub(dev, hc.deliver,
		contexthub.WithHubLogger(logger),
		contexthub.WithSystemOptions(
			contexthub.WithSystemLogger(logger),
			contexthub.WithUploadChunkSize(cfg.Session.UploadChunkSize),
			contexthub.WithKeyCommand(cfg.Session.KeyCommand()),
		),
	)
	hc.hub.Start()
	return hc, nil
}

func newClient(conn Connection) *nanohub.Client {
	return nanohub.NewClient(conn,
		nanohub.WithRetries(cfg.Link.Retries),
		nanohub.WithTimeout(cfg.Link.Timeout),
		nanohub.WithBusyBackoff(cfg.Link.BusyBackoff),
		nanohub.WithClientLogger(logger),
	)
}

func (hc *hubConnection) deliver(msg *contexthub.HubMessage) {
	select {
	case hc.replies <- msg:
	default:
		logger.Warn("reply dropped", "app", fmt.Sprintf("0x%016X", msg.AppID), "type", msg.MessageType)
	}
}

func (hc *hubConnection) Close() error {
	return hc.hub.Close()
}

// system sends one system app request and waits for its reply
func (hc *hubConnection) system(ctx context.Context, msgType uint32, data []byte) (*contexthub.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Session.Timeout)
	defer cancel()

	err := hc.hub.SendToNanohub(ctx, &contexthub.HubMessage{
		AppID:       contexthub.SystemAppID,
		MessageType: msgType,
		Data:        data,
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case msg := <-hc.replies:
			if msg.AppID != contexthub.SystemAppID || msg.MessageType != msgType {
				continue
			}
			rep, err := contexthub.DecodeReply(msg.Data)
			if err != nil {
				return nil, err
			}
			if rep.Status < 0 {
				return rep, &contexthub.StatusError{Status: rep.Status}
			}
			return rep, nil
		case <-ctx.Done():
			if err := hc.hub.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("no reply: %w", ctx.Err())
		}
	}
}
