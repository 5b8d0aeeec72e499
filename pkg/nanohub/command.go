// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import "sort"

// FastHandler runs inside receive completion and must not block. It fills tx
// and returns the payload length, FastUnhandledAck to reply with an ACK and
// continue on the deferred handler, or FastDontAck to suppress the reply.
// rx aliases the receive buffer and is only valid until the handler returns
// when the reply is suppressed.
type FastHandler func(rx, tx []byte, timestamp uint64) uint32

// Handler runs on the scheduler after the ACK has gone out. It fills tx and
// returns the payload length, or FastDontAck if the response is sent later
// through Link.TxAck.
type Handler func(rx, tx []byte, timestamp uint64) uint32

// Command is one entry of the static command table
type Command struct {
	Reason     uint32
	MinDataLen uint8
	MaxDataLen uint8
	Fast       FastHandler
	Handler    Handler
}

// CommandTable resolves packet reasons to commands
type CommandTable struct {
	commands []Command
}

// NewCommandTable builds a table from the given commands. Later entries
// replace earlier ones with the same reason.
func NewCommandTable(commands ...Command) *CommandTable {
	t := &CommandTable{}
	for _, c := range commands {
		t.Register(c)
	}
	return t
}

// Register adds or replaces a command
func (t *CommandTable) Register(c Command) {
	for i := range t.commands {
		if t.commands[i].Reason == c.Reason {
			t.commands[i] = c
			return
		}
	}
	t.commands = append(t.commands, c)
	sort.Slice(t.commands, func(i, j int) bool {
		return t.commands[i].Reason < t.commands[j].Reason
	})
}

// Find returns the command registered for reason, or nil
func (t *CommandTable) Find(reason uint32) *Command {
	i := sort.Search(len(t.commands), func(i int) bool {
		return t.commands[i].Reason >= reason
	})
	if i < len(t.commands) && t.commands[i].Reason == reason {
		return &t.commands[i]
	}
	return nil
}

// Reasons lists the registered reasons in ascending order
func (t *CommandTable) Reasons() []uint32 {
	out := make([]uint32, len(t.commands))
	for i, c := range t.commands {
		out[i] = c.Reason
	}
	return out
}

// Validate checks that p's reason is registered and its payload is within
// the command's bounds
func (t *CommandTable) Validate(p *Packet) error {
	return validateCommand(t.Find(p.Reason()), p.Reason(), p.Length())
}
