package enginetest

import (
	"errors"
	"sync"

	webrtc "github.com/pion/webrtc/v3"
)

var ErrChannelNotOpen = errors.New("enginetest: data channel is not open")

type DataChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *DataChannel
	onOpen    func()
	onMessage func(webrtc.DataChannelMessage)
	onClose   func()
	sent      [][]byte
}

func newDataChannel(label string) *DataChannel {
	return &DataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (d *DataChannel) Label() string {
	return d.label
}

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Send delivers data to the linked channel's OnMessage handler before returning.
func (d *DataChannel) Send(data []byte) error {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateOpen {
		d.mu.Unlock()
		return ErrChannelNotOpen
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	peer := d.peer
	d.mu.Unlock()

	if peer != nil {
		peer.deliver(data)
	}
	return nil
}

// Sent returns every payload successfully sent on d.
func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

func (d *DataChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = webrtc.DataChannelStateClosed
	peer := d.peer
	f := d.onClose
	d.mu.Unlock()

	if f != nil {
		f()
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

func (d *DataChannel) setPeer(peer *DataChannel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = peer
}

func (d *DataChannel) open() {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateConnecting {
		d.mu.Unlock()
		return
	}
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *DataChannel) deliver(data []byte) {
	d.mu.Lock()
	open := d.state == webrtc.DataChannelStateOpen
	f := d.onMessage
	d.mu.Unlock()
	if open && f != nil {
		f(webrtc.DataChannelMessage{IsString: true, Data: append([]byte(nil), data...)})
	}
}
