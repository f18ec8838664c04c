package server

import (
	"fmt"
	"net"
	"time"

	"github.com/aeolun/textrelay/pkg/directory"
	"github.com/aeolun/textrelay/pkg/protocol"
)

// renderMessage formats a message the way recipients see it. The rendering
// happens at send time; only the display string travels after this point.
func renderMessage(body, sender string, at time.Time) string {
	return fmt.Sprintf("%s from %s: %s", at.Format(time.UnixDate), sender, body)
}

// Deliverer pushes messages to recipients. An online recipient gets a
// one-shot dial-back connection to its advertised listener; an offline
// recipient gets an inbox append that is replayed at its next login.
//
// Push is best-effort: an I/O failure drops the message without retry and
// surfaces nothing to the sender. The dial blocks the sending session's
// goroutine for its duration, so a slow recipient stalls that one sender
// (accepted trade-off, no backpressure mechanism).
type Deliverer struct {
	dir         *directory.Directory
	dialTimeout time.Duration
	metrics     *Metrics
}

func NewDeliverer(dir *directory.Directory, dialTimeout time.Duration, metrics *Metrics) *Deliverer {
	return &Deliverer{
		dir:         dir,
		dialTimeout: dialTimeout,
		metrics:     metrics,
	}
}

// Send routes one direct message. Routing errors (unknown user, self
// target, blocked) come back to the caller; push I/O failures do not.
func (dv *Deliverer) Send(sender, recipient, body string) error {
	rendered := renderMessage(body, sender, time.Now())

	endpoint, queued, err := dv.dir.Route(sender, recipient, rendered)
	if err != nil {
		return err
	}
	if queued {
		debugLog.Printf("Queued message from %s for offline user %s", sender, recipient)
		if dv.metrics != nil {
			dv.metrics.RecordMessageQueued()
		}
		return nil
	}

	dv.push(endpoint, rendered)
	return nil
}

// Flush replays messages queued while the recipient was offline, in their
// original order. The caller has already marked the account online, so the
// push path applies to every entry.
func (dv *Deliverer) Flush(endpoint string, pending []string) {
	for _, rendered := range pending {
		dv.push(endpoint, rendered)
		if dv.metrics != nil {
			dv.metrics.RecordMessageFlushed()
		}
	}
}

// push opens a one-shot connection to a recipient's listener and sends the
// rendered message as a single frame. Best effort; failures are swallowed.
func (dv *Deliverer) push(endpoint, rendered string) {
	conn, err := net.DialTimeout("tcp", endpoint, dv.dialTimeout)
	if err != nil {
		debugLog.Printf("Push to %s failed: %v", endpoint, err)
		if dv.metrics != nil {
			dv.metrics.RecordPushFailure()
		}
		return
	}
	defer conn.Close()

	if err := protocol.WriteFrame(conn, rendered); err != nil {
		debugLog.Printf("Push write to %s failed: %v", endpoint, err)
		if dv.metrics != nil {
			dv.metrics.RecordPushFailure()
		}
		return
	}

	if dv.metrics != nil {
		dv.metrics.RecordMessagePushed()
	}
}
