// Package blinkapp is the supplemented example application riding on
// top of the transport core's consumed-contract (spec.md §1: "A small
// application layer (example: synchronized LED blink) rides on top."),
// grounded on the original firmware's src/apps/blinkapp.py: a node
// picks a random colour, broadcasts it, and every node (including the
// sender) sets its own LED to match.
package blinkapp

import (
	"encoding/json"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// LED is the physical output this app drives. Real hardware is out of
// this module's scope (spec.md §1 Non-goals); a test double or a no-op
// implementation stands in for it.
type LED interface {
	SetColor(r, g, b uint8)
}

// Sender is the subset of transport.Core the app needs: a routed
// broadcast send. Declared locally so this package doesn't import
// transport just to name one method.
type Sender interface {
	SendToAll(payload interface{}) error
}

// message is the wire shape of a blink app frame, matching the
// original's AppMessage{"blink": [r,g,b]} payload.
type message struct {
	Blink [3]uint8 `json:"blink"`
}

// App implements transport.ApplicationHandler and drives an LED.
type App struct {
	self meshid.ID
	led  LED
	send Sender
	log  *logrus.Entry
}

// New builds a blink App. send is normally a *transport.Core.
func New(self meshid.ID, led LED, send Sender, log *logrus.Entry) *App {
	return &App{self: self, led: led, send: send, log: log}
}

// Trigger picks a new random colour, broadcasts it, and applies it to
// this node's own LED, matching the original's btn_pressed→blink path
// (here driven by whatever the caller wires as the trigger, e.g. a
// button handler or a CLI command).
func (a *App) Trigger() error {
	colour := [3]uint8{uint8(rand.Intn(251)), uint8(rand.Intn(251)), uint8(rand.Intn(251))}
	if err := a.send.SendToAll(message{Blink: colour}); err != nil {
		return err
	}
	a.led.SetColor(colour[0], colour[1], colour[2])
	return nil
}

// Deliver implements transport.ApplicationHandler: apply a received
// blink colour to the local LED.
func (a *App) Deliver(src meshid.ID, payload json.RawMessage) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	a.led.SetColor(msg.Blink[0], msg.Blink[1], msg.Blink[2])
	if a.log != nil {
		a.log.WithField("from", src).WithField("colour", msg.Blink).Debug("blinkapp: colour applied")
	}
}
