package fix

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Sign 计算 base64(HMAC-SHA256(base64decode(secret), timestamp+payload))。
// 纯函数：相同输入永远得到相同签名。
func Sign(secret, timestamp, payload string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// LogonPayload 返回 Logon 签名中 SendingTime 之后的部分：
// <SOH>A<SOH>seq<SOH>sender<SOH>target<SOH>passphrase
func LogonPayload(seq int, sender, target, passphrase string) string {
	sep := string(SOH)
	return sep + strings.Join([]string{
		string(MsgTypeLogon),
		strconv.Itoa(seq),
		sender,
		target,
		passphrase,
	}, sep)
}
