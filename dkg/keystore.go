// dkg/keystore.go
// 门限密钥份额的本地持久化：原子写（tmp+fsync+rename）与 .bak 回退，
// 可选口令加密（scrypt 派生 AES-256-GCM 密钥）。

package dkg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/tbs"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrBadKeyFile    = errors.New("keystore: bad key file")
	ErrNoPassphrase  = errors.New("keystore: file is encrypted but no passphrase given")
	ErrKeyNotPresent = errors.New("keystore: key share not found")
)

const (
	magicKeyShare uint32 = 0x464d4b53 // 'FMKS'
	fileVersion   uint16 = 1
	flagEncrypt   uint16 = 1 << 0
	headerLen            = 4 + 2 + 2 + 4 + 4
	saltLen              = 16
	nonceLen             = 12
)

// 磁盘结构：
// [magic u32][version u16][flags u16][length u32][crc32 u32][body ...]
// 未加密 body 为 ThresholdKeyShare 编码；加密时为 salt(16)||nonce(12)||ciphertext

// KeyStore 单个份额文件
type KeyStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

func NewKeyStore(path string) *KeyStore { return &KeyStore{path: path} }

// NewKeyStoreWithPassphrase 口令为空时等价于不加密
func NewKeyStoreWithPassphrase(path string, passphrase []byte) *KeyStore {
	return &KeyStore{path: path, passphrase: passphrase}
}

func deriveAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	defer zero(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Save 原子写入
func (s *KeyStore) Save(k *tbs.ThresholdKeyShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := k.Encode()
	if err != nil {
		return err
	}
	flags := uint16(0)
	body := plain
	if len(s.passphrase) > 0 {
		salt := make([]byte, saltLen)
		nonce := make([]byte, nonceLen)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		aead, err := deriveAEAD(s.passphrase, salt)
		if err != nil {
			return err
		}
		sealed := aead.Seal(nil, nonce, plain, salt)
		zero(plain)
		body = make([]byte, 0, saltLen+nonceLen+len(sealed))
		body = append(body, salt...)
		body = append(body, nonce...)
		body = append(body, sealed...)
		flags |= flagEncrypt
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[0:], magicKeyShare)
	binary.BigEndian.PutUint16(hdr[4:], fileVersion)
	binary.BigEndian.PutUint16(hdr[6:], flags)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:], crc32.ChecksumIEEE(body))

	if err := writeAtomic(s.path, append(hdr[:], body...)); err != nil {
		logs.Error("[KeyStore] persist %s failed: %v", s.path, err)
		return err
	}
	logs.Info("[KeyStore] key share for %s saved to %s", k.Guardian, s.path)
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".bak")
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (s *KeyStore) readFile(path string) (*tbs.ThresholdKeyShare, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [headerLen]byte
	if _, err = io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	if binary.BigEndian.Uint32(hdr[0:]) != magicKeyShare {
		return nil, fmt.Errorf("%w: bad magic", ErrBadKeyFile)
	}
	flags := binary.BigEndian.Uint16(hdr[6:])
	length := binary.BigEndian.Uint32(hdr[8:])
	want := binary.BigEndian.Uint32(hdr[12:])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrBadKeyFile)
	}
	body := make([]byte, int(length))
	if _, err = io.ReadFull(f, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	if crc32.ChecksumIEEE(body) != want {
		return nil, fmt.Errorf("%w: crc mismatch", ErrBadKeyFile)
	}

	plain := body
	if flags&flagEncrypt != 0 {
		if len(s.passphrase) == 0 {
			return nil, ErrNoPassphrase
		}
		if len(body) < saltLen+nonceLen {
			return nil, fmt.Errorf("%w: short encrypted body", ErrBadKeyFile)
		}
		salt, nonce, ct := body[:saltLen], body[saltLen:saltLen+nonceLen], body[saltLen+nonceLen:]
		aead, err := deriveAEAD(s.passphrase, salt)
		if err != nil {
			return nil, err
		}
		if plain, err = aead.Open(nil, nonce, ct, salt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
		}
		defer zero(plain)
	}
	return tbs.DecodeThresholdKeyShare(plain)
}

// Load 主文件损坏时回退到 .bak
func (s *KeyStore) Load() (*tbs.ThresholdKeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.readFile(s.path)
	if err == nil {
		return k, nil
	}
	if errors.Is(err, ErrNoPassphrase) {
		return nil, err
	}
	if kb, errBak := s.readFile(s.path + ".bak"); errBak == nil {
		logs.Warn("[KeyStore] %s unreadable (%v), recovered from backup", s.path, err)
		return kb, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotPresent
	}
	return nil, err
}

// SaveIdentity 身份私钥以 hex 保存
func SaveIdentity(path string, k *btcec.PrivateKey) error {
	return writeAtomic(path, []byte(hex.EncodeToString(k.Serialize())+"\n"))
}

func LoadIdentity(path string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: identity key", ErrBadKeyFile)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}
