package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/party"
)

// sendRetries bounds delivery attempts per drain; beyond it the
// message stays at the head of the queue and the error surfaces to the
// caller.
const sendRetries = 3

// sendBackoffBase is the first retry delay; subsequent retries double
// it, with jitter.
const sendBackoffBase = 10 * time.Millisecond

func sendEncrypted(ctx context.Context, client *http.Client, from party.ID, signSK ed25519.PrivateKey, info chain.ParticipantInfo, msg *MpcMessage) error {
	encrypted, err := EncryptMessage(msg, from, signSK, info.CipherPK)
	if err != nil {
		return errors.Wrap(err, "encrypt outbound message")
	}
	body, err := json.Marshal(encrypted)
	if err != nil {
		return errors.Wrap(err, "marshal outbound message")
	}

	url := fmt.Sprintf("%s/msg", info.URL)
	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if attempt > 0 {
			backoff := sendBackoffBase << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = errors.Errorf("peer returned %d: %s", resp.StatusCode, respBody)
	}
	return errors.Wrapf(lastErr, "failed to deliver message to participant %d", info.ID)
}

// postJoin asks one running peer to vote for our admission.
func postJoin(ctx context.Context, client *http.Client, url string, id party.ID) error {
	body, err := json.Marshal(JoinRequest{ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/join", url), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.Errorf("peer returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

type queuedMessage struct {
	info chain.ParticipantInfo
	msg  *MpcMessage
}

// MessageQueue is the outbound FIFO. It is filled by the poke cycle
// and drained by SendEncrypted; a message that cannot be delivered
// stays at the head so ordering per recipient is preserved.
type MessageQueue struct {
	deque []queuedMessage
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	return len(q.deque)
}

// Push appends a message for the given recipient.
func (q *MessageQueue) Push(info chain.ParticipantInfo, msg *MpcMessage) {
	q.deque = append(q.deque, queuedMessage{info: info, msg: msg})
}

// Clear drops every queued message. Used when the epoch advances and
// pending frames are no longer valid.
func (q *MessageQueue) Clear() {
	q.deque = nil
}

// SendEncrypted drains the queue head-first. On a permanent delivery
// failure the message is kept at the head and the error is returned;
// the caller decides between retrying later and dropping the queue.
func (q *MessageQueue) SendEncrypted(ctx context.Context, client *http.Client, from party.ID, signSK ed25519.PrivateKey) error {
	for len(q.deque) > 0 {
		head := q.deque[0]
		if err := sendEncrypted(ctx, client, from, signSK, head.info, head.msg); err != nil {
			return err
		}
		q.deque = q.deque[1:]
	}
	return nil
}
