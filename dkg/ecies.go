// dkg/ecies.go
// ECIES 加解密（DKG share 点对点加密）
// 密文格式：ephemeralPubKey (33 bytes) || ciphertext || mac (32 bytes)
// 加密随机数由 dealer 保存，被投诉时公开，任何人都能重放加密核对密文。

package dkg

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidCiphertext     = errors.New("invalid ciphertext format")
	ErrMacVerificationFailed = errors.New("mac verification failed")
	ErrInvalidPublicKey      = errors.New("invalid public key")
	ErrInvalidRandomness     = errors.New("randomness must be 32 bytes")
)

const (
	eciesPubLen = 33
	eciesMacLen = 32
	eciesInfo   = "fedimint/dkg/ecies"
)

func eciesKeys(shared []byte) (encKey, macKey []byte, err error) {
	okm := make([]byte, 48)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(eciesInfo)), okm); err != nil {
		return nil, nil, err
	}
	return okm[:16], okm[16:], nil
}

// ECIESEncrypt 使用 randomness 作为临时私钥，结果确定
func ECIESEncrypt(recipientPubKey, plaintext, randomness []byte) ([]byte, error) {
	if len(recipientPubKey) != eciesPubLen {
		return nil, ErrInvalidPublicKey
	}
	if len(randomness) != 32 {
		return nil, ErrInvalidRandomness
	}
	pubKey, err := btcec.ParsePubKey(recipientPubKey)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	ephemeralPriv, ephemeralPub := btcec.PrivKeyFromBytes(randomness)

	encKey, macKey, err := eciesKeys(btcec.GenerateSharedSecret(ephemeralPriv, pubKey))
	if err != nil {
		return nil, err
	}
	encrypted, err := aesCTR(encKey, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, eciesPubLen+len(encrypted)+eciesMacLen)
	out = append(out, ephemeralPub.SerializeCompressed()...)
	out = append(out, encrypted...)
	out = append(out, computeHMAC(macKey, encrypted)...)
	return out, nil
}

// ECIESDecrypt 接收者解密
func ECIESDecrypt(priv *btcec.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < eciesPubLen+eciesMacLen {
		return nil, ErrInvalidCiphertext
	}
	ephemeralPub, err := btcec.ParsePubKey(ciphertext[:eciesPubLen])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	body := ciphertext[eciesPubLen : len(ciphertext)-eciesMacLen]
	mac := ciphertext[len(ciphertext)-eciesMacLen:]

	encKey, macKey, err := eciesKeys(btcec.GenerateSharedSecret(priv, ephemeralPub))
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, computeHMAC(macKey, body)) {
		return nil, ErrMacVerificationFailed
	}
	return aesCTR(encKey, body)
}

// ECIESVerifyCiphertext 公开的 randomness 与明文能否重算出同一密文
func ECIESVerifyCiphertext(recipientPubKey, plaintext, randomness, ciphertext []byte) bool {
	recomputed, err := ECIESEncrypt(recipientPubKey, plaintext, randomness)
	if err != nil {
		return false
	}
	return bytes.Equal(recomputed, ciphertext)
}

// 每个密钥只用一次，IV 取全零
func aesCTR(key, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(out, in)
	return out, nil
}

func computeHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
