package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/yaml.v3"
)

var (
	// ErrSealed is returned when a sealed file is opened without a passphrase
	ErrSealed = errors.New("token file is sealed, passphrase required")
	// ErrWrongPassphrase is returned when a sealed file cannot be opened
	ErrWrongPassphrase = errors.New("token file could not be unsealed")
)

const (
	fileVersion = 1

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltLen      = 16
	nonceLen     = 24
)

type document struct {
	Version int               `yaml:"version"`
	Values  map[string]string `yaml:"values,omitempty"`
	Salt    string            `yaml:"salt,omitempty"`
	Sealed  string            `yaml:"sealed,omitempty"`
}

// FileTier persists values as a YAML document on disk. With a passphrase
// the values are sealed with secretbox under an argon2id derived key.
type FileTier struct {
	mu         sync.Mutex
	path       string
	passphrase []byte

	salt []byte
	key  *[32]byte
}

// NewFileTier returns a tier stored at dir/<profile>.yaml
func NewFileTier(dir, profile, passphrase string) *FileTier {
	t := &FileTier{path: filepath.Join(dir, profile+".yaml")}
	if passphrase != "" {
		t.passphrase = []byte(passphrase)
	}
	return t
}

// Path returns the document location
func (t *FileTier) Path() string {
	return t.path
}

func (t *FileTier) Get(_ context.Context, key string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (t *FileTier) Set(_ context.Context, key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.read()
	if err != nil {
		return err
	}
	values[key] = value
	return t.write(values)
}

func (t *FileTier) Delete(_ context.Context, keys ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	values, err := t.read()
	if err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := values[k]; ok {
			delete(values, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.write(values)
}

func (t *FileTier) read() (map[string]string, error) {
	raw, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}

	if doc.Sealed == "" {
		if doc.Values == nil {
			doc.Values = map[string]string{}
		}
		return doc.Values, nil
	}
	if t.passphrase == nil {
		return nil, ErrSealed
	}
	return t.open(doc)
}

func (t *FileTier) write(values map[string]string) error {
	doc := document{Version: fileVersion}
	if t.passphrase == nil {
		doc.Values = values
	} else if err := t.seal(&doc, values); err != nil {
		return err
	}

	raw, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (t *FileTier) deriveKey(salt []byte) *[32]byte {
	if t.key != nil && string(t.salt) == string(salt) {
		return t.key
	}
	var key [32]byte
	copy(key[:], argon2.IDKey(t.passphrase, salt, argonTime, argonMemory, argonThreads, 32))
	t.salt, t.key = salt, &key
	return t.key
}

func (t *FileTier) seal(doc *document, values map[string]string) error {
	plain, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode token values: %w", err)
	}

	salt := t.salt
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
	}
	key := t.deriveKey(salt)

	var nonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, key)

	doc.Salt = base64.StdEncoding.EncodeToString(salt)
	doc.Sealed = base64.StdEncoding.EncodeToString(box)
	return nil
}

func (t *FileTier) open(doc document) (map[string]string, error) {
	salt, err := base64.StdEncoding.DecodeString(doc.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode token file salt: %w", err)
	}
	box, err := base64.StdEncoding.DecodeString(doc.Sealed)
	if err != nil || len(box) < nonceLen {
		return nil, ErrWrongPassphrase
	}

	var nonce [nonceLen]byte
	copy(nonce[:], box[:nonceLen])
	plain, ok := secretbox.Open(nil, box[nonceLen:], &nonce, t.deriveKey(salt))
	if !ok {
		return nil, ErrWrongPassphrase
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("decode token values: %w", err)
	}
	return values, nil
}
