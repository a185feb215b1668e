package p2p

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Announcement is one peer's contribution to a round record: the
// codec-encoded batch of payloads it produced. The envelope is cbor; the
// payload bytes inside stay in the swarm wire format so readers running
// different code versions can still decode them.
type Announcement struct {
	Round    int64  `cbor:"round"`
	PeerID   string `cbor:"peer_id"`
	Payloads []byte `cbor:"payloads"`
}

// joinOutputsTopic joins the replication topic and starts consuming
// announcements into the round cache.
func (m *Manager) joinOutputsTopic() error {
	topic, err := m.pubsub.Join(TopicOutputs)
	if err != nil {
		return fmt.Errorf("failed to join outputs topic: %w", err)
	}
	m.outputsTopic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to outputs topic: %w", err)
	}

	go m.readAnnouncements(sub)
	log.Debugf("Subscribed to outputs topic: %s", TopicOutputs)
	return nil
}

// readAnnouncements consumes announcements and records them in the round
// cache. Malformed or oversized traffic is dropped, never fatal.
func (m *Manager) readAnnouncements(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(m.ctx)
		if err != nil {
			if err == context.Canceled || m.ctx.Err() != nil {
				log.Debug("Outputs subscription canceled")
			} else {
				log.Warnf("Error reading from outputs subscription: %v", err)
			}
			return
		}

		if msg.ReceivedFrom == m.host.ID() {
			continue // Own announcements are cached on publish.
		}

		if !m.rateLimiter.Allow() {
			m.metrics.incrDropped()
			continue
		}

		var ann Announcement
		if err := cbor.Unmarshal(msg.Data, &ann); err != nil {
			log.Debugf("Failed to decode announcement from %s: %v", msg.ReceivedFrom, err)
			m.metrics.incrDropped()
			continue
		}
		if ann.PeerID == "" || ann.Round < 0 || len(ann.Payloads) == 0 {
			m.metrics.incrDropped()
			continue
		}

		if err := m.cache.PutRoundEntry(ann.Round, ann.PeerID, ann.Payloads); err != nil {
			log.Warnf("Failed to cache round %d entry from %s: %v", ann.Round, ann.PeerID, err)
			continue
		}
		m.metrics.incrReceived()
	}
}

// PublishPayloads announces this peer's codec-encoded payload batch for a
// round to the swarm and records it locally, so the local gossip view
// includes our own outputs even before the announcement loops back.
func (m *Manager) PublishPayloads(ctx context.Context, round int64, payloads []byte) error {
	ann := Announcement{
		Round:    round,
		PeerID:   m.host.ID().String(),
		Payloads: payloads,
	}
	data, err := cbor.Marshal(ann)
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	if m.outputsTopic == nil {
		return fmt.Errorf("outputs topic not joined")
	}
	if err := m.outputsTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish round %d outputs: %w", round, err)
	}

	if err := m.cache.PutRoundEntry(round, ann.PeerID, payloads); err != nil {
		log.Warnf("Failed to cache own round %d entry: %v", round, err)
	}

	m.metrics.incrSent()
	return nil
}

// GetRoundRecord returns the locally replicated round record: every known
// peer's raw payload bytes for the round. Missing rounds yield an empty
// map.
func (m *Manager) GetRoundRecord(round int64) (map[string][]byte, error) {
	return m.cache.GetRoundRecord(round)
}
