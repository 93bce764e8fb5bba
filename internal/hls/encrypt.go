package hls

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// encryptionConfig holds the fixed AES-128-CBC key/IV pair used to encrypt
// finished segments in place, configured once at startup (--hlsenckey /
// --hlsenciv) rather than rotated per segment.
type encryptionConfig struct {
	enabled bool
	key     []byte
	iv      []byte
	keyURI  string
}

// encryptSegment returns AES-128-CBC(data, key, iv) with PKCS#7 padding, the
// standard HLS sample-AES-adjacent whole-segment encryption scheme. No
// third-party AES library is used: crypto/aes + crypto/cipher are the
// standard, audited primitive for this and nothing in the retrieved corpus
// wraps them with a higher-level dependency.
func encryptSegment(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("hls: aes cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("hls: iv must be %d bytes", aes.BlockSize)
	}

	padded := pkcs7Pad(data, aes.BlockSize)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, padded)
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}
