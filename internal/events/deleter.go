// Package events consumes the platform events stream and removes the
// registry images of deleted projects.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/apolo-platform/platform-registry-api/internal/telemetry"
)

const (
	adminStream        = "platform-admin"
	projectRemoveEvent = "project-remove"

	handshakeTimeout = 30 * time.Second
)

// Message types of the events stream protocol.
const (
	msgTypeSubscribeGroup = "subscribe-group"
	msgTypeSubscribed     = "subscribed"
	msgTypeRecvEvents     = "recv-events"
	msgTypeAck            = "ack"
)

// clientMessage is a message sent to the events service.
type clientMessage struct {
	Type     string              `json:"type"`
	SubscrID string              `json:"subscr_id,omitempty"`
	Groups   []string            `json:"groups,omitempty"`
	Events   map[string][]string `json:"events,omitempty"`
}

// serverMessage is a message received from the events service.
type serverMessage struct {
	Type     string  `json:"type"`
	SubscrID string  `json:"subscr_id,omitempty"`
	Events   []Event `json:"events,omitempty"`
}

// Event is one entry of a recv-events batch.
type Event struct {
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Stream    string    `json:"stream"`
	EventType string    `json:"event_type"`
	Org       string    `json:"org"`
	Cluster   string    `json:"cluster"`
	Project   string    `json:"project"`
	User      string    `json:"user"`
}

// ImageDeleter removes every registry image of a project.
// Implemented by the upstream client.
type ImageDeleter interface {
	DeleteProjectImages(ctx context.Context, org, project string) error
}

// Options configures a ProjectDeleter.
type Options struct {
	// URL is the events service base URL; the stream endpoint lives at
	// {URL}/v1/stream.
	URL     *url.URL
	Token   string
	Deleter ImageDeleter

	// Dialer optionally overrides the websocket dialer.
	Dialer *websocket.Dialer

	// Metrics records removal outcomes, nil disables recording.
	Metrics *telemetry.EventsMetrics
}

// ProjectDeleter subscribes to the platform-admin event stream and
// deletes a project's images when the project is removed. Events are
// acked only after the deletion succeeded, so failed deletions are
// redelivered.
type ProjectDeleter struct {
	url     string
	token   string
	deleter ImageDeleter
	dialer  *websocket.Dialer
	metrics *telemetry.EventsMetrics

	// retryInterval overrides the initial reconnect delay.
	retryInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProjectDeleter creates the consumer. Call Start to begin consuming
// and Close to stop.
func NewProjectDeleter(opts Options) *ProjectDeleter {
	streamURL := *opts.URL
	streamURL.Path = strings.TrimSuffix(streamURL.Path, "/") + "/v1/stream"
	switch streamURL.Scheme {
	case "http":
		streamURL.Scheme = "ws"
	case "https":
		streamURL.Scheme = "wss"
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}

	return &ProjectDeleter{
		url:     streamURL.String(),
		token:   opts.Token,
		deleter: opts.Deleter,
		dialer:  dialer,
		metrics: opts.Metrics,
	}
}

// Start begins consuming the stream in the background.
func (d *ProjectDeleter) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		d.run(ctx)
	}()
}

// Close stops the consumer and waits for it to exit.
func (d *ProjectDeleter) Close() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// run redials the stream until the context is canceled, backing off
// exponentially on failures and resetting the backoff after every
// completed subscription.
func (d *ProjectDeleter) run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	if d.retryInterval > 0 {
		policy.InitialInterval = d.retryInterval
	}

	for {
		subscribed, err := d.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		slog.ErrorContext(ctx, "Events stream failed", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume runs one stream session: dial, subscribe, then handle event
// batches until the connection fails. The returned flag reports whether
// the subscription handshake completed.
func (d *ProjectDeleter) consume(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.token)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("failed to dial events stream: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("failed to dial events stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Closing the connection is the only way to unblock reads when the
	// context is canceled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := d.subscribe(conn); err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "Subscribed to events stream", "stream", adminStream)

	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("failed to read events stream: %w", err)
		}
		if msg.Type != msgTypeRecvEvents {
			continue
		}
		if err := d.handleEvents(ctx, conn, msg.Events); err != nil {
			return true, err
		}
	}
}

func (d *ProjectDeleter) subscribe(conn *websocket.Conn) error {
	sub := clientMessage{
		Type:     msgTypeSubscribeGroup,
		SubscrID: uuid.NewString(),
		Groups:   []string{adminStream},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	var reply serverMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read subscribe reply: %w", err)
	}
	if reply.Type != msgTypeSubscribed {
		return fmt.Errorf("unexpected subscribe reply type %q", reply.Type)
	}
	return nil
}

// handleEvents deletes the images of removed projects and acks the
// batch. Events whose deletion failed are left out of the ack and come
// back with the next delivery.
func (d *ProjectDeleter) handleEvents(ctx context.Context, conn *websocket.Conn, events []Event) error {
	var tags []string
	for _, ev := range events {
		if ev.Stream == adminStream && ev.EventType == projectRemoveEvent &&
			ev.Org != "" && ev.Project != "" {
			slog.InfoContext(ctx, "Deleting project images",
				"org", ev.Org, "project", ev.Project)
			if err := d.deleter.DeleteProjectImages(ctx, ev.Org, ev.Project); err != nil {
				slog.ErrorContext(ctx, "Failed to delete project images",
					"org", ev.Org, "project", ev.Project, "error", err)
				d.metrics.RecordProjectRemoval(ctx, ev.Cluster, false)
				continue
			}
			d.metrics.RecordProjectRemoval(ctx, ev.Cluster, true)
		}
		tags = append(tags, ev.Tag)
	}
	if len(tags) == 0 {
		return nil
	}

	ack := clientMessage{
		Type:   msgTypeAck,
		Events: map[string][]string{adminStream: tags},
	}
	if err := conn.WriteJSON(ack); err != nil {
		return fmt.Errorf("failed to ack events: %w", err)
	}
	return nil
}
