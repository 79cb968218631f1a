package node

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/chainsig/pkg/hpke"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, hpke.SecretKey, hpke.PublicKey) {
	t.Helper()
	signPK, signSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cipherSK, cipherPK, err := hpke.GenerateKeyPair()
	require.NoError(t, err)
	return signPK, signSK, cipherSK, cipherPK
}

func TestSignedMessageRoundTrip(t *testing.T) {
	signPK, signSK, cipherSK, cipherPK := testKeys(t)

	msg := &MpcMessage{Triple: &TripleMessage{ID: 42, Epoch: 1, From: 3, Data: []byte("frame")}}
	envelope, err := EncryptMessage(msg, 3, signSK, cipherPK)
	require.NoError(t, err)

	decrypted, err := envelope.VerifyAndDecrypt(signPK, cipherSK)
	require.NoError(t, err)
	require.NotNil(t, decrypted.Triple)
	assert.Equal(t, uint64(42), decrypted.Triple.ID)
	assert.Equal(t, []byte("frame"), decrypted.Triple.Data)
}

func TestSignedMessageRejectsWrongSigner(t *testing.T) {
	_, signSK, cipherSK, cipherPK := testKeys(t)
	otherPK, _, _, _ := testKeys(t)

	msg := &MpcMessage{Generating: &GeneratingMessage{From: 0, Data: []byte("x")}}
	envelope, err := EncryptMessage(msg, 0, signSK, cipherPK)
	require.NoError(t, err)

	_, err = envelope.VerifyAndDecrypt(otherPK, cipherSK)
	assert.Error(t, err, "a frame signed by another key must be rejected")
}

func TestSignedMessageRejectsTampering(t *testing.T) {
	signPK, signSK, cipherSK, cipherPK := testKeys(t)

	msg := &MpcMessage{Generating: &GeneratingMessage{From: 0, Data: []byte("x")}}
	envelope, err := EncryptMessage(msg, 0, signSK, cipherPK)
	require.NoError(t, err)

	envelope.Cipher.Text[0] ^= 0x01
	_, err = envelope.VerifyAndDecrypt(signPK, cipherSK)
	assert.Error(t, err, "tampered ciphertext must fail signature verification")
}

func TestSignedMessageRejectsSenderMismatch(t *testing.T) {
	signPK, signSK, cipherSK, cipherPK := testKeys(t)

	// Payload says participant 5, envelope says participant 0.
	msg := &MpcMessage{Generating: &GeneratingMessage{From: 5, Data: []byte("x")}}
	envelope, err := EncryptMessage(msg, 0, signSK, cipherPK)
	require.NoError(t, err)

	_, err = envelope.VerifyAndDecrypt(signPK, cipherSK)
	assert.Error(t, err)
}
