package raopd

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Decoder turns a decrypted ALAC payload into 16-bit signed PCM at
// 44100Hz. The ALAC decode internals themselves are out of scope for this
// module; Decoder is an injectable capability, the same pattern Sink
// uses, rather than an embedded codec implementation — see DESIGN.md for
// why no third-party codec library is wired in here directly.
type Decoder interface {
	Decode(rtpTimestamp uint32, payload []byte) ([]byte, error)
}

// PassthroughDecoder treats the already-decrypted payload as PCM verbatim.
// It is the reference Decoder used by tests and by callers whose sender
// already ships decoded PCM instead of ALAC-framed audio.
type PassthroughDecoder struct{}

func (PassthroughDecoder) Decode(_ uint32, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// aesCBCDecryptor decrypts an RTP audio payload with AES-CBC using the
// session's key and IV. The final partial block is passed through
// unchanged, the standard convention for ALAC-over-RTP payloads that
// aren't a multiple of the cipher block size.
//
// AES-CBC is implemented with the standard library (crypto/aes +
// crypto/cipher) rather than a third-party block-cipher library — see
// DESIGN.md's grounding entry for codec.go.
type aesCBCDecryptor struct {
	block cipher.Block
	iv    []byte
}

func newAESCBCDecryptor(key, iv []byte) (*aesCBCDecryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newKindError(KindInvalidArgument, fmt.Errorf("aes key: %w", err))
	}
	if len(iv) != aes.BlockSize {
		return nil, newKindError(KindInvalidArgument, fmt.Errorf("aes iv must be %d bytes, got %d", aes.BlockSize, len(iv)))
	}
	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)
	return &aesCBCDecryptor{block: block, iv: ivCopy}, nil
}

// decrypt returns a new slice with the full-block-aligned prefix of
// payload decrypted and any trailing partial block appended unchanged.
func (d *aesCBCDecryptor) decrypt(payload []byte) []byte {
	n := len(payload)
	aligned := n - (n % aes.BlockSize)
	out := make([]byte, n)
	if aligned > 0 {
		mode := cipher.NewCBCDecrypter(d.block, d.iv)
		mode.CryptBlocks(out[:aligned], payload[:aligned])
	}
	if aligned < n {
		copy(out[aligned:], payload[aligned:])
	}
	return out
}
