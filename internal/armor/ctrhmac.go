package armor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// macSize is the truncated HMAC-SHA-256 length (128 bits), per §4.1.
const macSize = 16

// clearPrefix is the number of leading bytes left unencrypted: the flow
// header's channel/seq word (§4.1 "First 4 bytes ... left cleartext").
const clearPrefix = 4

var magic = [4]byte{'V', 'X', 'A', 'f'}

type ctrHMAC struct {
	txBlock cipher.Block
	rxBlock cipher.Block
	txMAC   []byte
	rxMAC   []byte
}

func newCTRHMAC(keys Keys) (*ctrHMAC, error) {
	txBlock, err := aes.NewCipher(keys.TxEncKey)
	if err != nil {
		return nil, fmt.Errorf("armor: tx cipher: %w", err)
	}
	rxBlock, err := aes.NewCipher(keys.RxEncKey)
	if err != nil {
		return nil, fmt.Errorf("armor: rx cipher: %w", err)
	}
	return &ctrHMAC{
		txBlock: txBlock,
		rxBlock: rxBlock,
		txMAC:   keys.TxMACKey,
		rxMAC:   keys.RxMACKey,
	}, nil
}

// iv builds the CTR IV: seq_hi:32 | seq_lo:32 | magic:32 | 0:32.
func iv(seq uint64) []byte {
	buf := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(seq>>32))
	binary.BigEndian.PutUint32(buf[4:8], uint32(seq))
	copy(buf[8:12], magic[:])
	// buf[12:16] stays zero
	return buf
}

func (c *ctrHMAC) Overhead() int { return macSize }

func (c *ctrHMAC) Seal(seq uint64, pkt []byte) ([]byte, error) {
	if len(pkt) < MinHeaderLen {
		return nil, ErrRunt
	}
	stream := cipher.NewCTR(c.txBlock, iv(seq))
	body := pkt[clearPrefix:]
	stream.XORKeyStream(body, body)

	mac := computeMAC(c.txMAC, seq, pkt)
	return append(pkt, mac...), nil
}

func (c *ctrHMAC) Open(seq uint64, pkt []byte) ([]byte, error) {
	if len(pkt) < MinHeaderLen+macSize {
		return nil, ErrRunt
	}
	body := pkt[:len(pkt)-macSize]
	gotMAC := pkt[len(pkt)-macSize:]

	wantMAC := computeMAC(c.rxMAC, seq, body)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ErrAuth
	}

	stream := cipher.NewCTR(c.rxBlock, iv(seq))
	plainBody := body[clearPrefix:]
	stream.XORKeyStream(plainBody, plainBody)
	return body, nil
}

// computeMAC truncates HMAC-SHA-256(key, IV-prefix || packet-so-far) to
// 128 bits, per §4.1.
func computeMAC(key []byte, seq uint64, pkt []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(iv(seq))
	h.Write(pkt)
	return h.Sum(nil)[:macSize]
}
