package pipeline

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/mode"
	"github.com/NeowayLabs/kms/worker"
)

// EventSource delivers device change events. Wait blocks until one
// arrives and returns its timestamp in microseconds; Close unblocks a
// pending Wait with an error. uevent.Listener is the production
// implementation.
type EventSource interface {
	Wait() (int64, error)
	Close() error
}

// WatchEvents attaches an event source and starts the hotplug
// listener. The listener re-probes connectors on every event and owns
// all reconciliation; at most one source can be attached.
func (b *Backend) WatchEvents(src EventSource) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.events != nil {
		b.mu.Unlock()
		return fmt.Errorf("event source already attached")
	}
	b.events = src
	b.listener = worker.New("hotplug")
	listener := b.listener
	b.mu.Unlock()

	listener.Start(func() { b.listenCycle(listener, src) })
	log.Debugf("hotplug listener running")
	return nil
}

func (b *Backend) listenCycle(listener *worker.Worker, src EventSource) {
	ts, err := src.Wait()
	if err != nil {
		// a dead source never recovers; park here until Exit
		log.Debugf("hotplug event source: %v", err)
		listener.WaitForSignal(-1)
		return
	}
	log.Debugf("hotplug event at %dus", ts)
	b.ProcessHotplug()
}

// ProcessHotplug re-probes every connector and reconciles those whose
// connection state changed. Each changed connector produces exactly
// one external notification, delivered after its reconciliation so a
// handler calling back in sees consistent state.
func (b *Backend) ProcessHotplug() {
	for _, conn := range b.res.Connectors() {
		oldState := conn.State()
		if err := b.res.UpdateModes(conn); err != nil {
			log.Errorf("hotplug: probing %s: %v", conn.Name(), err)
			continue
		}
		if conn.State() == oldState {
			continue
		}

		num := conn.Display()
		d, err := b.display(num)
		if err != nil {
			log.Debugf("hotplug: %s changed but has no display: %v", conn.Name(), err)
			continue
		}

		connected := conn.State() == mode.Connected
		if connected {
			b.handleConnect(d)
		} else {
			b.handleDisconnect(d)
		}

		if handler := b.currentHotplugHandler(); handler != nil {
			handler(num, connected)
		}
	}
}

// handleConnect configures a freshly connected display: resolve a pipe
// if it never had one, pick its preferred mode and arm the deferred
// modeset that the next frame carries out.
func (b *Backend) handleConnect(d *display) {
	d.render.Lock()
	err := func() error {
		if err := d.ensurePipe(); err != nil {
			return err
		}
		m, ok := d.conn.PreferredMode()
		if !ok {
			return fmt.Errorf("connected with no modes")
		}
		return d.setActiveMode(m)
	}()
	d.render.Unlock()

	if err != nil {
		log.Errorf("display %d: configuring %s: %v", d.num, d.conn.Name(), err)
		return
	}
	d.startWorkers()
	log.Infof("display %d connected: %s", d.num, d.conn.Name())
}

// handleDisconnect powers the display down and marks it released.
// Frames queued to a released display are rejected until the connector
// comes back; the render worker itself flushes the queue and returns
// the cached buffers, so no release can overlap a commit in flight.
func (b *Backend) handleDisconnect(d *display) {
	if err := b.res.SetDpmsMode(d.num, mode.DpmsOff); err != nil {
		log.Warnf("display %d: dpms off: %v", d.num, err)
	}

	d.render.Lock()
	d.state = displayReleased
	d.render.Unlock()
	d.render.Signal()

	log.Infof("display %d disconnected: %s", d.num, d.conn.Name())
}
