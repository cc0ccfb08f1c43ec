package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/parleychat/parley/internal/event"
)

// terminalRenderer is the line-oriented RenderSink for the CLI. Streamed
// agent replies print incrementally on one line; a terminal cannot unprint,
// so reconciled optimistic messages are skipped instead of replaced.
type terminalRenderer struct {
	out    io.Writer
	selfID string

	mu           sync.Mutex
	printedLen   map[string]int
	printed      map[string]bool
	labels       map[string]string
	openLine     string
	replacements int
}

func newTerminalRenderer(out io.Writer, selfID string) *terminalRenderer {
	return &terminalRenderer{
		out:        out,
		selfID:     selfID,
		printedLen: make(map[string]int),
		printed:    make(map[string]bool),
		labels:     make(map[string]string),
	}
}

func (r *terminalRenderer) MessageRendered(msg event.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	label := msg.Sender.Name
	if label == "" {
		label = msg.Sender.ID
	}
	r.labels[msg.ID] = label

	if msg.Sender.ID == r.selfID {
		if r.replacements > 0 {
			// The server echo replaces an optimistic bubble that is
			// already on screen.
			r.replacements--
			r.printed[msg.ID] = true
			return
		}
		label = "you"
	}

	r.closeOpenLineLocked()

	if msg.Content == "" {
		// Streaming placeholder: open the line and let updates fill it.
		fmt.Fprintf(r.out, "[%s] ", label)
		r.openLine = msg.ID
		r.printedLen[msg.ID] = 0
		r.printed[msg.ID] = true
		return
	}

	fmt.Fprintf(r.out, "[%s] %s\n", label, msg.Content)
	r.printed[msg.ID] = true
	r.printedLen[msg.ID] = len(msg.Content)
}

func (r *terminalRenderer) MessageUpdated(id, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	already := r.printedLen[id]
	if len(content) <= already {
		return
	}
	delta := content[already:]
	r.printedLen[id] = len(content)

	if r.openLine == id {
		fmt.Fprint(r.out, delta)
		return
	}

	r.closeOpenLineLocked()
	label := r.labels[id]
	if label == "" {
		label = "update"
	}
	fmt.Fprintf(r.out, "[%s] %s\n", label, content)
}

func (r *terminalRenderer) MessageRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.printed[id] {
		r.replacements++
	}
}

func (r *terminalRenderer) MessageDelayed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeOpenLineLocked()
	fmt.Fprintln(r.out, "* your message has not been confirmed yet (still sending)")
}

func (r *terminalRenderer) Notice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeOpenLineLocked()
	fmt.Fprintf(r.out, "* %s\n", text)
}

func (r *terminalRenderer) closeOpenLineLocked() {
	if r.openLine != "" {
		fmt.Fprintln(r.out)
		r.openLine = ""
	}
}
