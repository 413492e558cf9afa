// Package auth 构造会话登录令牌。
// 令牌为 RS512 签名的 JWT：header 携带 kid（API key ID），claims 仅包含 iat（秒）。
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider 登录令牌提供者
// 会话在首次登录与每次重连后的重新登录时调用。
type TokenProvider interface {
	// Token 生成一个新签名的登录令牌
	Token() (string, error)
	// Account 登录使用的账户 ID（可为空）
	Account() string
}

// Credentials API 凭证
type Credentials struct {
	// KeyID API key ID，写入 JWT header 的 kid
	KeyID string
	// AccountID 账户 ID，登录参数 account
	AccountID string
	// PrivateKey RSA 私钥
	PrivateKey *rsa.PrivateKey

	// now 时间源（测试可替换）
	now func() time.Time
}

// NewCredentials 由已解析的私钥创建凭证
func NewCredentials(keyID, accountID string, key *rsa.PrivateKey) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("API key ID 不能为空")
	}
	if key == nil {
		return nil, fmt.Errorf("私钥不能为空")
	}
	return &Credentials{
		KeyID:      keyID,
		AccountID:  accountID,
		PrivateKey: key,
		now:        time.Now,
	}, nil
}

// LoadCredentials 从 key ID 与私钥文件路径加载凭证
func LoadCredentials(keyID, accountID, privateKeyPath string) (*Credentials, error) {
	if privateKeyPath == "" {
		return nil, fmt.Errorf("私钥路径不能为空")
	}

	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("加载私钥失败: %w", err)
	}

	return NewCredentials(keyID, accountID, key)
}

// LoadPrivateKey 从 PEM 文件加载 RSA 私钥
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取私钥文件失败: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey 解析 PEM 编码的 RSA 私钥
// 先尝试 PKCS#8，再回退 PKCS#1。
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("PEM 解码失败")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("私钥不是 RSA 类型")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return rsaKey, nil
}

// Token 生成 RS512 登录令牌
func (c *Credentials) Token() (string, error) {
	now := time.Now
	if c.now != nil {
		now = c.now
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS512, jwt.MapClaims{
		"iat": now().Unix(),
	})
	token.Header["kid"] = c.KeyID

	signed, err := token.SignedString(c.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("签名登录令牌失败: %w", err)
	}
	return signed, nil
}

// Account 返回账户 ID
func (c *Credentials) Account() string {
	return c.AccountID
}
