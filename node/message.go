package node

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/hpke"
	"github.com/luxfi/chainsig/pkg/kdf"
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
)

// GeneratingMessage carries a keygen protocol frame.
type GeneratingMessage struct {
	From party.ID `json:"from"`
	Data []byte   `json:"data"`
}

// ResharingMessage carries a reshare protocol frame.
type ResharingMessage struct {
	From party.ID `json:"from"`
	Data []byte   `json:"data"`
}

// TripleMessage carries a triple-generation frame. The id routes the
// frame to the right generator; the epoch invalidates stragglers from
// older configurations.
type TripleMessage struct {
	ID    uint64   `json:"id"`
	Epoch uint64   `json:"epoch"`
	From  party.ID `json:"from"`
	Data  []byte   `json:"data"`
}

// PresignatureMessage carries a presignature-generation frame together
// with the two triples it consumes, so a follower can join the
// protocol.
type PresignatureMessage struct {
	ID      uint64   `json:"id"`
	Triple0 uint64   `json:"triple0"`
	Triple1 uint64   `json:"triple1"`
	Epoch   uint64   `json:"epoch"`
	From    party.ID `json:"from"`
	Data    []byte   `json:"data"`
}

// SignatureMessage carries an online-signing frame with everything a
// follower needs to join: the request identity, the proposer, the
// consumed presignature and the request tweaks.
type SignatureMessage struct {
	ReceiptID      kdf.ReceiptID `json:"receipt_id"`
	Proposer       party.ID      `json:"proposer"`
	PresignatureID uint64        `json:"presignature_id"`
	MsgHash        [32]byte      `json:"msg_hash"`
	Epsilon        *curve.Scalar `json:"epsilon"`
	Delta          *curve.Scalar `json:"delta"`
	Epoch          uint64        `json:"epoch"`
	From           party.ID      `json:"from"`
	Data           []byte        `json:"data"`
}

// MpcMessage is the inter-node message union. Exactly one variant is
// set.
type MpcMessage struct {
	Generating   *GeneratingMessage   `json:"generating,omitempty"`
	Resharing    *ResharingMessage    `json:"resharing,omitempty"`
	Triple       *TripleMessage       `json:"triple,omitempty"`
	Presignature *PresignatureMessage `json:"presignature,omitempty"`
	Signature    *SignatureMessage    `json:"signature,omitempty"`
}

// Sender returns the sending participant.
func (m *MpcMessage) Sender() (party.ID, bool) {
	switch {
	case m.Generating != nil:
		return m.Generating.From, true
	case m.Resharing != nil:
		return m.Resharing.From, true
	case m.Triple != nil:
		return m.Triple.From, true
	case m.Presignature != nil:
		return m.Presignature.From, true
	case m.Signature != nil:
		return m.Signature.From, true
	}
	return 0, false
}

// Epoch returns the tagged epoch; keygen and reshare frames are
// epoch-less and report ok=false.
func (m *MpcMessage) Epoch() (uint64, bool) {
	switch {
	case m.Triple != nil:
		return m.Triple.Epoch, true
	case m.Presignature != nil:
		return m.Presignature.Epoch, true
	case m.Signature != nil:
		return m.Signature.Epoch, true
	}
	return 0, false
}

// Outbound pairs a message with its destination participant.
type Outbound struct {
	To  party.ID
	Msg *MpcMessage
}

// SignedMessage is the wire envelope of an MpcMessage: encrypted to
// the recipient and signed by the sender's on-chain-registered key.
type SignedMessage struct {
	From   party.ID      `json:"from"`
	Cipher hpke.Ciphered `json:"cipher"`
	Sig    []byte        `json:"sig"`
}

func signaturePreimage(from party.ID, cipher *hpke.Ciphered) []byte {
	buf := make([]byte, 4, 4+len(cipher.EncappedKey)+len(cipher.Text)+len(cipher.Tag))
	binary.BigEndian.PutUint32(buf, uint32(from))
	buf = append(buf, cipher.EncappedKey[:]...)
	buf = append(buf, cipher.Text...)
	buf = append(buf, cipher.Tag...)
	return buf
}

// EncryptMessage seals a message to the recipient's cipher key and
// signs the resulting frame.
func EncryptMessage(msg *MpcMessage, from party.ID, signSK ed25519.PrivateKey, cipherPK hpke.PublicKey) (*SignedMessage, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message")
	}
	cipher, err := cipherPK.Encrypt(plaintext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt message")
	}
	return &SignedMessage{
		From:   from,
		Cipher: *cipher,
		Sig:    ed25519.Sign(signSK, signaturePreimage(from, cipher)),
	}, nil
}

// VerifyAndDecrypt checks the sender signature first and only then
// decrypts. Either failure discards the frame.
func (m *SignedMessage) VerifyAndDecrypt(signPK ed25519.PublicKey, cipherSK hpke.SecretKey) (*MpcMessage, error) {
	if len(signPK) != ed25519.PublicKeySize {
		return nil, errors.New("invalid sender signing key")
	}
	if !ed25519.Verify(signPK, signaturePreimage(m.From, &m.Cipher), m.Sig) {
		return nil, errors.New("frame signature verification failed")
	}
	plaintext, err := cipherSK.Decrypt(&m.Cipher, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt frame")
	}
	var msg MpcMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	sender, ok := msg.Sender()
	if !ok {
		return nil, errors.New("frame has no payload")
	}
	if sender != m.From {
		return nil, errors.New("envelope sender does not match payload sender")
	}
	return &msg, nil
}
