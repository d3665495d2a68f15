package mqtt

import (
	"context"
	"fmt"
	"time"
)

// Topics relative to the queue prefix.
const (
	EventsTopicSuffix = "/events"
	OnlineTopicSuffix = "/online"
)

// DefaultPublishTimeout bounds the wait for a publish acknowledgement.
const DefaultPublishTimeout = 5 * time.Second

// EventsTopic returns the topic a source publishes events to.
func EventsTopic(source string) string {
	return source + EventsTopicSuffix
}

// Writer publishes event packets of one source. The retained online
// topic is "1" while connected and cleared by the broker will.
type Writer struct {
	Queue   *Queue
	Source  string
	QoS     byte
	Timeout time.Duration
}

// NewWriter creates a Writer from a broker URL.
func NewWriter(brokerURL, source string) (*Writer, error) {
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(topicPrefix+source+OnlineTopicSuffix, nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("pop:" + source)
	}
	w := &Writer{
		Queue:   NewQueue(opts, topicPrefix),
		Source:  source,
		QoS:     1,
		Timeout: DefaultPublishTimeout,
	}
	w.Queue.OnConnect = func(q *Queue) {
		q.PubWith(source+OnlineTopicSuffix, []byte("1"), 1, true)
	}
	return w, nil
}

// WritePacket implements PacketWriter.
func (w *Writer) WritePacket(pkt []byte) error {
	token := w.Queue.PubWith(EventsTopic(w.Source), pkt, w.QoS, false)
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", EventsTopic(w.Source))
	}
	return token.Error()
}

// Run implements Runnable. The connection stays up until Close.
func (w *Writer) Run(ctx context.Context) error {
	w.Queue.Connect()
	<-ctx.Done()
	return nil
}

// Close clears the online topic and disconnects.
func (w *Writer) Close() error {
	if w.Queue.Client.IsConnected() {
		w.Queue.PubWith(w.Source+OnlineTopicSuffix, nil, 1, true).WaitTimeout(time.Second)
	}
	return w.Queue.Close()
}
