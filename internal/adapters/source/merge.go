// Package source combines sensor change notifiers.
package source

import (
	"errors"
	"sync"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
)

// Compile-time check that Merged implements ChangeNotifierPort.
var _ ports.ChangeNotifierPort = (*Merged)(nil)

// Merged fans several notifiers into one channel. The channel closes once
// every input has closed.
type Merged struct {
	inputs []ports.ChangeNotifierPort
	out    chan ports.SourceChange
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Merge combines notifiers. A single notifier is returned unchanged.
func Merge(notifiers ...ports.ChangeNotifierPort) ports.ChangeNotifierPort {
	if len(notifiers) == 1 {
		return notifiers[0]
	}

	m := &Merged{
		inputs: notifiers,
		out:    make(chan ports.SourceChange, 100),
		done:   make(chan struct{}),
	}
	for _, n := range notifiers {
		m.wg.Add(1)
		go m.forward(n.Changes())
	}
	go func() {
		m.wg.Wait()
		close(m.out)
	}()
	return m
}

func (m *Merged) forward(in <-chan ports.SourceChange) {
	defer m.wg.Done()
	for change := range in {
		select {
		case m.out <- change:
		case <-m.done:
			return
		}
	}
}

// Changes returns the combined channel.
func (m *Merged) Changes() <-chan ports.SourceChange {
	return m.out
}

// Close closes every input and waits for the forwarders to exit.
func (m *Merged) Close() error {
	var errs []error
	m.once.Do(func() {
		close(m.done)
		for _, n := range m.inputs {
			if err := n.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.wg.Wait()
	})
	return errors.Join(errs...)
}
