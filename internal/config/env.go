package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

// encryptedPrefix 加密值前缀
const encryptedPrefix = "ENC:"

// EnvManager manages environment variable configuration
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager.
// 口令为空时读取 QTUNE_ENCRYPTION_KEY
func NewEnvManager(encryptionKey string, prefix string) *EnvManager {
	if prefix == "" {
		prefix = EnvPrefix
	}
	if encryptionKey == "" {
		encryptionKey = os.Getenv(prefix + "ENCRYPTION_KEY")
	}

	// Derive encryption key from password
	key, _ := scrypt.Key([]byte(encryptionKey), []byte("qtune-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.envKey(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// GetEncryptedString 读取并解密；解密失败时返回错误而不是静默回退默认值
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) (string, error) {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue, nil
	}
	return em.Reveal(value)
}

// SetEncryptedString sets an encrypted string environment variable
func (em *EnvManager) SetEncryptedString(key string, value string) error {
	if value == "" {
		return em.SetString(key, "")
	}
	sealed, err := em.Seal(value)
	if err != nil {
		return err
	}
	return em.SetString(key, sealed)
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.envKey(key), value)
}

// Seal 加密并加上 ENC: 前缀
func (em *EnvManager) Seal(plaintext string) (string, error) {
	encrypted, err := em.encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt value: %w", err)
	}
	return encryptedPrefix + encrypted, nil
}

// Reveal 解密 ENC: 前缀的值，明文原样返回
func (em *EnvManager) Reveal(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	return em.decrypt(strings.TrimPrefix(value, encryptedPrefix))
}

// ValidateRequired 检查必需的环境变量是否存在
func (em *EnvManager) ValidateRequired(keys []string) error {
	var missing []string
	for _, key := range keys {
		if os.Getenv(em.envKey(key)) == "" {
			missing = append(missing, em.envKey(key))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (em *EnvManager) envKey(key string) string {
	return em.prefix + strings.ToUpper(key)
}

// encrypt AES-GCM，输出 base64(nonce || ciphertext)
func (em *EnvManager) encrypt(plaintext string) (string, error) {
	gcm, err := em.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// decrypt decrypts an encrypted string value
func (em *EnvManager) decrypt(encryptedText string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(encryptedText)
	if err != nil {
		return "", err
	}

	gcm, err := em.aead()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

func (em *EnvManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
