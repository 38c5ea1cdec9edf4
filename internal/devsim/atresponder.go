package devsim

import (
	"bytes"
	"strings"
	"time"

	"github.com/rasendubi/bkernel/bytechannel"
)

// byteSender is the subset of bytechannel.Channel the responder pulls
// transmitted bytes from and pushes replies into, standing in for the
// physical wire between a microcontroller's USART and an ESP8266 module.
type byteSender interface {
	ISRPull() (b byte, ok bool)
	ISRPush(b byte) (dropped bool)
}

// ATResponder is a simulated ESP8266-shaped AT-command echo device: it
// plays the Peripheral role for a bytechannel.Channel, pulling transmitted
// bytes as though receiving them over the air and replying with the
// delimiter-terminated responses original_source/dev/esp8266.rs's
// check_at/join_ap callers expect.
//
// Grounded on original_source/dev/esp8266.rs.
type ATResponder struct {
	ch byteSender

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	pullDelay  time.Duration
	replyDelay time.Duration
}

// NewATResponder constructs a responder. Attach must be called with the
// bytechannel.Channel it will serve as Peripheral for, since the channel
// itself requires a Peripheral at construction — the same two-phase
// wiring EnableTX/DisableTX already implies.
func NewATResponder(pullDelay, replyDelay time.Duration) *ATResponder {
	return &ATResponder{
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		pullDelay:  pullDelay,
		replyDelay: replyDelay,
	}
}

// Attach binds the responder to the channel it answers on and starts its
// goroutine.
func (a *ATResponder) Attach(ch *bytechannel.Channel) {
	a.ch = ch
	go a.run()
}

// Stop terminates the responder goroutine.
func (a *ATResponder) Stop() {
	close(a.stop)
	<-a.done
}

// EnableTX implements bytechannel.Peripheral: the task has bytes queued to
// send, so wake the pull loop.
func (a *ATResponder) EnableTX() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// DisableTX implements bytechannel.Peripheral; the pull loop notices an
// empty writer buffer on its own and goes back to waiting on wake.
func (a *ATResponder) DisableTX() {}

func (a *ATResponder) run() {
	defer close(a.done)
	var line []byte
	for {
		select {
		case <-a.stop:
			return
		case <-a.wake:
		}

		for {
			b, ok := a.ch.ISRPull()
			if !ok {
				break
			}
			if a.pullDelay > 0 {
				time.Sleep(a.pullDelay)
			}
			line = append(line, b)
			if bytes.HasSuffix(line, []byte("\r\n")) {
				a.reply(line)
				line = line[:0]
			}
		}
	}
}

func (a *ATResponder) reply(cmd []byte) {
	resp := a.respondTo(strings.TrimSuffix(string(cmd), "\r\n"))
	if a.replyDelay > 0 {
		time.Sleep(a.replyDelay)
	}
	for i := 0; i < len(resp); i++ {
		a.ch.ISRPush(resp[i])
	}
}

// respondTo decides the wire response to an AT command line, matching the
// subset of commands original_source/dev/esp8266.rs's Esp8266 driver
// issues: a bare "AT" probe, and "AT+CWJAP=\"ssid\",\"pass\"" join
// requests. Anything else is answered with an error, the same fallback a
// real module gives for a command it doesn't recognize.
func (a *ATResponder) respondTo(cmd string) []byte {
	switch {
	case cmd == "AT":
		return []byte("\r\nOK\r\n")
	case strings.HasPrefix(cmd, "AT+CWJAP=\"") && strings.Contains(cmd, "\",\""):
		return []byte("\r\nOK\r\n")
	default:
		return []byte("\r\nERROR\r\n")
	}
}
